package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsToRegistry(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	p, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg, ServiceVersion: "1.2.3"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	attrs := p.Resource.Set()
	if v, ok := attrs.Value("service.name"); !ok || v.AsString() != "voicecall" {
		t.Errorf("service.name = %q, want voicecall", v.AsString())
	}
	if v, ok := attrs.Value("service.version"); !ok || v.AsString() != "1.2.3" {
		t.Errorf("service.version = %q, want 1.2.3", v.AsString())
	}
	if _, ok := attrs.Value("telemetry.sdk.name"); !ok {
		t.Error("SDK defaults missing from resource")
	}

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordCall(context.Background(), "user", 30)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "voicecall_calls") {
			found = true
		}
	}
	if !found {
		t.Error("voicecall_calls not exported to the registry")
	}

	if otel.GetMeterProvider() != p.Meter {
		t.Error("meter provider not registered globally")
	}
}
