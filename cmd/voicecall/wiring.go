package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicecall/internal/call"
	"github.com/MrWong99/voicecall/internal/config"
	"github.com/MrWong99/voicecall/internal/ledger"
	"github.com/MrWong99/voicecall/internal/observe"
	"github.com/MrWong99/voicecall/internal/resilience"
	"github.com/MrWong99/voicecall/internal/summary"
	"github.com/MrWong99/voicecall/internal/transport"
	"github.com/MrWong99/voicecall/pkg/audio"
	"github.com/MrWong99/voicecall/pkg/audio/rawfile"
	audiosignal "github.com/MrWong99/voicecall/pkg/audio/signal"
	"github.com/MrWong99/voicecall/pkg/vad"
)

// errNoDevice is returned by [noDevice] when no capture source is configured.
var errNoDevice = errors.New("no capture device: start voicecall with -input")

// noDevice is the capture device of a server started without -input.
type noDevice struct{}

func (noDevice) Open(context.Context) (audio.Capture, error) { return nil, errNoDevice }

// ledgerStore is a [ledger.Store] owning a connection.
type ledgerStore interface {
	ledger.Store
	Close() error
}

type nopCloser struct{ ledger.Store }

func (nopCloser) Close() error { return nil }

type poolCloser struct {
	ledger.Store
	pool *pgxpool.Pool
}

func (p poolCloser) Close() error {
	p.pool.Close()
	return nil
}

// openLedger opens the configured quota store.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledgerStore, error) {
	switch cfg.Backend {
	case config.LedgerSQLite:
		s, err := ledger.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.LedgerPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("ledger: connect postgres: %w", err)
		}
		pg := ledger.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return poolCloser{Store: pg, pool: pool}, nil
	default:
		return nopCloser{ledger.NewMemoryStore()}, nil
	}
}

// audioFiles are the raw PCM16 files standing in for local audio devices.
// Empty paths are unused.
type audioFiles struct {
	input   string // microphone
	output  string // remote audio
	monitor string // microphone while not recording
}

// newTransport builds the transport client and the file players. The
// returned closer releases the players.
func newTransport(cfg *config.Config, files audioFiles, log *slog.Logger, metrics *observe.Metrics) (*transport.Client, func() error, error) {
	var device audio.Device = noDevice{}
	if files.input != "" {
		device = rawfile.NewDevice(files.input, rawfile.Options{
			SampleRate:   cfg.Audio.InputRate,
			BlockSamples: cfg.Audio.BlockSamples,
			Realtime:     true,
		})
	}

	opts := []transport.Option{
		transport.WithLogger(log),
		transport.WithMetrics(metrics),
		transport.WithDialer(transport.WebSocketDialer(http.DefaultClient)),
	}
	var players []*rawfile.Player
	closePlayers := func() error {
		var errs []error
		for _, p := range players {
			errs = append(errs, p.Close())
		}
		return errors.Join(errs...)
	}
	if files.output != "" {
		p, err := rawfile.NewPlayer(files.output, cfg.Transport.Channels)
		if err != nil {
			return nil, nil, err
		}
		players = append(players, p)
		opts = append(opts, transport.WithPlayer(p))
	}
	if files.monitor != "" {
		p, err := rawfile.NewPlayer(files.monitor, 1)
		if err != nil {
			_ = closePlayers()
			return nil, nil, err
		}
		players = append(players, p)
		opts = append(opts, transport.WithMonitor(p))
	}

	creds := transport.NewHTTPCredentials(cfg.Transport.CredentialURL,
		transport.WithHTTPClient(&http.Client{Timeout: cfg.Transport.ConnectTimeout}),
	)
	client := transport.New(transportConfig(cfg), device, creds, opts...)
	return client, closePlayers, nil
}

func transportConfig(cfg *config.Config) transport.Config {
	return transport.Config{
		SampleRate:     cfg.Transport.SampleRate,
		Channels:       cfg.Transport.Channels,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		Retry: transport.RetryPolicy{
			MaxAttempts: cfg.Transport.Retry.MaxAttempts,
			BaseDelay:   cfg.Transport.Retry.BaseDelay,
			MaxDelay:    cfg.Transport.Retry.MaxDelay,
		},
		Signal: audiosignal.Config{
			Smoothing:       cfg.Audio.Smoothing,
			PeakDecay:       cfg.Audio.PeakDecay,
			PeakHoldBlocks:  cfg.Audio.PeakHoldBlocks,
			LevelEvery:      cfg.Audio.LevelEvery,
			GateThreshold:   cfg.Audio.GateThreshold,
			TrailingSilence: cfg.Audio.TrailingSilence,
			QueueSize:       cfg.Audio.QueueSize,
		},
		VAD: vad.Config{
			Calibration:     cfg.VAD.Calibration,
			EndOfSpeech:     cfg.VAD.EndOfSpeech,
			MinThreshold:    cfg.VAD.MinThreshold,
			NoiseMultiplier: cfg.VAD.NoiseMultiplier,
		},
	}
}

func callConfig(cfg *config.Config) call.Config {
	return call.Config{
		UserID:         cfg.Quota.UserID,
		FreeMinutes:    cfg.Quota.FreeMinutes,
		PremiumMinutes: cfg.Quota.PremiumMinutes,
		SummaryTimeout: cfg.Summary.Timeout,
	}
}

// summaryOptions returns the store option wiring the summarisation client,
// or none when no endpoint is configured.
func summaryOptions(cfg config.SummaryConfig, log *slog.Logger) []call.Option {
	if cfg.URL == "" {
		return nil
	}
	breaker := resilience.New(resilience.Config{
		Name:         "summary",
		MaxFailures:  cfg.MaxFailures,
		ResetTimeout: cfg.ResetTimeout,
	}, resilience.WithLogger(log))

	opts := []summary.Option{
		summary.WithBreaker(breaker),
		summary.WithLogger(log),
	}
	if cfg.APIKey != "" {
		opts = append(opts, summary.WithAPIKey(cfg.APIKey))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, summary.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	return []call.Option{call.WithSummarizer(summary.NewClient(cfg.URL, opts...))}
}
