package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] for settings the config package owns.
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultServiceName     = "voicecall"
	DefaultMetricsPath     = "/metrics"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset server, ledger, and telemetry fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = LedgerMemory
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}

	// Transport
	if cfg.Transport.CredentialURL == "" {
		errs = append(errs, errors.New("transport.credential_url is required"))
	} else if err := checkURL(cfg.Transport.CredentialURL); err != nil {
		errs = append(errs, fmt.Errorf("transport.credential_url: %w", err))
	}
	if cfg.Transport.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("transport.sample_rate %d must not be negative", cfg.Transport.SampleRate))
	}
	if ch := cfg.Transport.Channels; ch != 0 && ch != 1 && ch != 2 {
		errs = append(errs, fmt.Errorf("transport.channels %d is invalid; valid values: 1, 2", ch))
	}
	r := cfg.Transport.Retry
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.retry.max_attempts %d must not be negative", r.MaxAttempts))
	}
	if r.BaseDelay > 0 && r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		errs = append(errs, fmt.Errorf("transport.retry.max_delay %s is below base_delay %s", r.MaxDelay, r.BaseDelay))
	}

	// Audio
	if s := cfg.Audio.Smoothing; s < 0 || s >= 1 {
		errs = append(errs, fmt.Errorf("audio.smoothing %.2f is out of range [0, 1)", s))
	}
	if d := cfg.Audio.PeakDecay; d < 0 || d >= 1 {
		errs = append(errs, fmt.Errorf("audio.peak_decay %.2f is out of range [0, 1)", d))
	}
	if g := cfg.Audio.GateThreshold; g < 0 || g > 1 {
		errs = append(errs, fmt.Errorf("audio.gate_threshold %.3f is out of range [0, 1]", g))
	}

	// VAD
	if m := cfg.VAD.MinThreshold; m < 0 || m > 1 {
		errs = append(errs, fmt.Errorf("vad.min_threshold %.3f is out of range [0, 1]", m))
	}
	if cfg.VAD.NoiseMultiplier < 0 {
		errs = append(errs, fmt.Errorf("vad.noise_multiplier must not be negative"))
	}

	// Quota
	if cfg.Quota.FreeMinutes < 0 || cfg.Quota.PremiumMinutes < 0 {
		errs = append(errs, errors.New("quota minutes must not be negative"))
	}
	if cfg.Quota.FreeMinutes > 0 && cfg.Quota.PremiumMinutes > 0 && cfg.Quota.PremiumMinutes < cfg.Quota.FreeMinutes {
		errs = append(errs, fmt.Errorf("quota.premium_minutes %d is below free_minutes %d", cfg.Quota.PremiumMinutes, cfg.Quota.FreeMinutes))
	}

	// Ledger
	switch cfg.Ledger.Backend {
	case "", LedgerMemory:
	case LedgerSQLite:
		if cfg.Ledger.SQLitePath == "" {
			errs = append(errs, errors.New("ledger.sqlite_path is required when backend is sqlite"))
		}
	case LedgerPostgres:
		if cfg.Ledger.PostgresDSN == "" {
			errs = append(errs, errors.New("ledger.postgres_dsn is required when backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Ledger.Backend))
	}

	// Summary
	if cfg.Summary.URL != "" {
		if err := checkURL(cfg.Summary.URL); err != nil {
			errs = append(errs, fmt.Errorf("summary.url: %w", err))
		}
	}
	if cfg.Summary.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("summary.max_failures %d must not be negative", cfg.Summary.MaxFailures))
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is empty")
	}
	return nil
}
