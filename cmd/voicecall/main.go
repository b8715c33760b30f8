// Command voicecall serves the call control plane and Prometheus metrics for
// one user. With -input it instead runs a single call fed from a raw PCM16
// file and exits once the call has ended and been summarised.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicecall/internal/api"
	"github.com/MrWong99/voicecall/internal/call"
	"github.com/MrWong99/voicecall/internal/config"
	"github.com/MrWong99/voicecall/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	userID := flag.String("user", "", "user ID to call as; overrides quota.user_id")
	inputPath := flag.String("input", "", "raw PCM16 file to use as microphone; runs one call and exits")
	outputPath := flag.String("output", "", "raw PCM16 file receiving the remote audio")
	monitorPath := flag.String("monitor", "", "raw PCM16 file receiving microphone audio while the call is not recording")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicecall: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicecall: %v\n", err)
		}
		return 1
	}
	if *userID != "" {
		cfg.Quota.UserID = *userID
	}
	if cfg.Quota.UserID == "" {
		fmt.Fprintln(os.Stderr, "voicecall: no user: set quota.user_id or pass -user")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(levelFor(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("voicecall starting",
		"config", *configPath,
		"user_id", cfg.Quota.UserID,
		"listen_addr", cfg.Server.ListenAddr,
		"ledger", cfg.Ledger.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	providers, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Telemetry.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(providers.Meter)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Components ────────────────────────────────────────────────────────────
	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		slog.Error("failed to open ledger", "err", err)
		return 1
	}
	defer store.Close()

	files := audioFiles{input: *inputPath, output: *outputPath, monitor: *monitorPath}
	client, closePlayers, err := newTransport(cfg, files, logger, metrics)
	if err != nil {
		slog.Error("failed to set up transport", "err", err)
		return 1
	}
	defer func() {
		if err := closePlayers(); err != nil {
			slog.Warn("close audio files", "err", err)
		}
	}()

	calls := call.New(callConfig(cfg), client, store,
		append(summaryOptions(cfg.Summary, logger),
			call.WithLogger(logger),
			call.WithMetrics(metrics),
		)...,
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(levelFor(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config change needs a restart to take effect", "sections", d.RestartRequired)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP ──────────────────────────────────────────────────────────────────
	apiSrv := api.NewServer(calls,
		api.WithLogger(logger),
		api.WithMetrics(metrics),
		api.WithCheckers(api.Checker{Name: "ledger", Check: store.Ping}),
	)
	mux := http.NewServeMux()
	mux.Handle(cfg.Telemetry.MetricsPath, promhttp.Handler())
	mux.Handle("/", apiSrv)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		slog.Info("control plane listening", "addr", srv.Addr, "metrics", cfg.Telemetry.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if *inputPath != "" {
		g.Go(func() error {
			defer cancelRun()
			return runOnce(gctx, calls)
		})
	}

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := calls.Close(shutdownCtx); err != nil {
		slog.Warn("call store close", "err", err)
	}
	if err := client.Close(); err != nil {
		slog.Warn("transport close", "err", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runOnce starts one call and waits until it has ended, either because the
// input ran out, the quota was reached, or the remote side hung up.
func runOnce(ctx context.Context, calls *call.Store) error {
	ended := make(chan struct{})
	unsubscribe := calls.Subscribe(func(old, new call.Snapshot) {
		if old.Active && !new.Active {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
	})
	defer unsubscribe()

	if err := calls.StartCall(ctx); err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	select {
	case <-ended:
	case <-ctx.Done():
		if _, err := calls.EndCall(context.Background()); err != nil && !errors.Is(err, call.ErrNoActiveCall) {
			return err
		}
	}

	snap := calls.Snapshot()
	if last := snap.Last; last != nil {
		slog.Info("call finished",
			"call_id", last.CallID,
			"reason", last.Reason,
			"duration", last.Duration,
			"minutes", last.Minutes,
			"transcript_fragments", len(last.Transcript),
			"remaining_minutes", snap.Limits.Remaining(),
		)
	}
	return nil
}

func levelFor(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
