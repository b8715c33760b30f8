package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicecall/internal/config"
	"github.com/MrWong99/voicecall/internal/ledger"
	"github.com/MrWong99/voicecall/internal/observe"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := levelFor(tt.in); got != tt.want {
			t.Errorf("levelFor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpenLedger(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  config.LedgerConfig
	}{
		{"memory", config.LedgerConfig{Backend: config.LedgerMemory}},
		{"sqlite", config.LedgerConfig{Backend: config.LedgerSQLite, SQLitePath: filepath.Join(t.TempDir(), "ledger.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openLedger(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("openLedger: %v", err)
			}
			defer store.Close()

			if err := store.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}
			rec := ledger.Record{UserID: "u", Date: "2026-03-14", UsedMinutes: 1, DailyMinutes: 2, UpdatedAt: time.Now()}
			if err := store.Put(ctx, rec); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := store.Get(ctx, "u")
			if err != nil || got.UsedMinutes != 1 {
				t.Errorf("Get = %+v, %v", got, err)
			}
		})
	}
}

func TestNoDevice(t *testing.T) {
	if _, err := (noDevice{}).Open(context.Background()); !errors.Is(err, errNoDevice) {
		t.Errorf("Open err = %v, want errNoDevice", err)
	}
}

func TestConfigMapping(t *testing.T) {
	cfg := &config.Config{
		Transport: config.TransportConfig{SampleRate: 24000, Retry: config.RetryConfig{MaxAttempts: 5}},
		Audio:     config.AudioConfig{GateThreshold: 0.02, TrailingSilence: 2 * time.Second},
		VAD:       config.VADConfig{EndOfSpeech: 700 * time.Millisecond},
		Quota:     config.QuotaConfig{UserID: "alice", PremiumMinutes: 30},
		Summary:   config.SummaryConfig{Timeout: 5 * time.Second},
	}

	tc := transportConfig(cfg)
	if tc.SampleRate != 24000 || tc.Retry.MaxAttempts != 5 {
		t.Errorf("transport config = %+v", tc)
	}
	if tc.Signal.GateThreshold != 0.02 || tc.Signal.TrailingSilence != 2*time.Second {
		t.Errorf("signal config = %+v", tc.Signal)
	}
	if tc.VAD.EndOfSpeech != 700*time.Millisecond || tc.VAD.FrameDuration != 0 {
		t.Errorf("vad config = %+v", tc.VAD)
	}

	cc := callConfig(cfg)
	if cc.UserID != "alice" || cc.PremiumMinutes != 30 || cc.SummaryTimeout != 5*time.Second {
		t.Errorf("call config = %+v", cc)
	}

	if opts := summaryOptions(config.SummaryConfig{}, slog.Default()); len(opts) != 0 {
		t.Errorf("summary options without URL = %d, want 0", len(opts))
	}
	if opts := summaryOptions(config.SummaryConfig{URL: "http://localhost/summarize"}, slog.Default()); len(opts) != 1 {
		t.Errorf("summary options = %d, want 1", len(opts))
	}
}

func TestNewTransport_CreatesAudioFiles(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	dir := t.TempDir()
	files := audioFiles{
		output:  filepath.Join(dir, "remote.raw"),
		monitor: filepath.Join(dir, "monitor.raw"),
	}

	client, closePlayers, err := newTransport(cfg, files, slog.Default(), observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	defer client.Close()
	if err := closePlayers(); err != nil {
		t.Fatalf("close players: %v", err)
	}
	for _, path := range []string{files.output, files.monitor} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("stat %s: %v", path, err)
		}
	}

	files.monitor = filepath.Join(dir, "missing", "monitor.raw")
	if _, _, err := newTransport(cfg, files, slog.Default(), observe.DefaultMetrics()); err == nil {
		t.Error("newTransport accepted an unwritable monitor path")
	}
}
