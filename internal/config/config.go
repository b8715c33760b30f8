// Package config provides the configuration schema and loader for the
// voicecall service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LedgerBackend selects where usage quotas are stored.
type LedgerBackend string

const (
	LedgerMemory   LedgerBackend = "memory"
	LedgerSQLite   LedgerBackend = "sqlite"
	LedgerPostgres LedgerBackend = "postgres"
)

// IsValid reports whether b is a recognised backend.
func (b LedgerBackend) IsValid() bool {
	switch b {
	case LedgerMemory, LedgerSQLite, LedgerPostgres:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader]. Durations are written as Go
// duration strings ("10s", "500ms"). Zero values select the defaults of the
// package that consumes the setting.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Quota     QuotaConfig     `yaml:"quota"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Summary   SummaryConfig   `yaml:"summary"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control plane.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP control plane. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TransportConfig configures the connection to the voice service.
type TransportConfig struct {
	// CredentialURL is the endpoint exchanging a user ID for a connection
	// URL and token. Required.
	CredentialURL string `yaml:"credential_url"`

	// SampleRate and Channels of outbound audio. Default 16000 Hz mono.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// ConnectTimeout bounds one connect attempt. Default 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig is the reconnection policy.
type RetryConfig struct {
	// MaxAttempts per call. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay doubles per attempt up to MaxDelay. Default 1s and 10s.
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// AudioConfig tunes capture and the signal frame processor.
type AudioConfig struct {
	// InputRate is the sample rate of raw input files. Default 16000.
	InputRate int `yaml:"input_rate"`

	// BlockSamples is the capture block size. Default 320.
	BlockSamples int `yaml:"block_samples"`

	Smoothing       float64       `yaml:"smoothing"`
	PeakDecay       float64       `yaml:"peak_decay"`
	PeakHoldBlocks  int           `yaml:"peak_hold_blocks"`
	LevelEvery      int           `yaml:"level_every"`
	GateThreshold   float64       `yaml:"gate_threshold"`
	TrailingSilence time.Duration `yaml:"trailing_silence"`
	QueueSize       int           `yaml:"queue_size"`
}

// VADConfig tunes the voice activity detector. Frame length follows
// audio.block_samples.
type VADConfig struct {
	Calibration     time.Duration `yaml:"calibration"`
	EndOfSpeech     time.Duration `yaml:"end_of_speech"`
	MinThreshold    float64       `yaml:"min_threshold"`
	NoiseMultiplier float64       `yaml:"noise_multiplier"`
}

// QuotaConfig sets the daily call-minute allowances.
type QuotaConfig struct {
	// UserID is the caller served by this instance. Required unless given
	// on the command line.
	UserID string `yaml:"user_id"`

	// FreeMinutes and PremiumMinutes per day. Default 2 and 15.
	FreeMinutes    int `yaml:"free_minutes"`
	PremiumMinutes int `yaml:"premium_minutes"`
}

// LedgerConfig selects the quota store.
type LedgerConfig struct {
	// Backend is "memory" (default), "sqlite", or "postgres".
	Backend LedgerBackend `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SummaryConfig configures the summarisation service. Leave URL empty to
// disable summaries.
type SummaryConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// MaxFailures consecutive failures open the circuit breaker for
	// ResetTimeout. Default 5 and 30s.
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// TelemetryConfig configures metrics exposition.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel resource service.name.
	// Default "voicecall".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served. Default "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}
