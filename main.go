package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"bken/aecd/internal/config"
	"bken/aecd/internal/device"
	"bken/aecd/internal/diag"
	"bken/aecd/internal/dsp"
	"bken/aecd/internal/httpapi"
	"bken/aecd/internal/permission"
	"bken/aecd/internal/session"
	"bken/aecd/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "", "YAML configuration file (built-in defaults when empty)")
	addr := flag.String("addr", "", "Control API listen address (overrides server.listen)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aecd: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Listen = *addr
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel, *debug),
	})))

	if RunCLI(flag.Args(), cfg) {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting aecd", "version", Version, "listen", cfg.Server.Listen,
		"reference", cfg.Reference.Source, "store", cfg.Store.Path)
	if err := run(ctx, cfg); err != nil {
		slog.Error("aecd error", "err", err)
		os.Exit(1)
	}
	slog.Info("aecd stopped")
}

// loadConfig reads the YAML file and applies AECD_* environment overrides.
func loadConfig(path string) (config.File, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.File{}, err
	}
	if err := (config.Loader{}).Apply(&cfg); err != nil {
		return config.File{}, err
	}
	return cfg, nil
}

// logLevel maps the configured level to slog. Debug wins for -debug and for
// dev builds.
func logLevel(l config.LogLevel, debug bool) slog.Level {
	if debug || strings.Contains(Version, "dev") {
		return slog.LevelDebug
	}
	switch l {
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

// run wires the daemon and blocks until ctx is cancelled or a component
// fails. The capture session is stopped before the journal closes.
func run(ctx context.Context, cfg config.File) error {
	var journal *store.Store
	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open session journal: %w", err)
		}
		journal = st
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Error("close session journal", "err", err)
			}
		}()
	}

	provider, err := diag.NewProvider(Version)
	if err != nil {
		return fmt.Errorf("metrics provider: %w", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			slog.Error("shutdown metrics provider", "err", err)
		}
	}()
	metrics, err := diag.NewMetrics(provider.MeterProvider)
	if err != nil {
		return fmt.Errorf("metrics instruments: %w", err)
	}

	pa := device.NewPortAudio(cfg.Devices.Input)
	deps := session.Deps{
		Backend:     pa,
		Acoustic:    dsp.Factory(),
		Source:      session.ReferenceSource(cfg.Reference),
		Permissions: permission.NewProbe(permission.InputProbe(pa), session.LoopbackProbe),
		Alignment:   session.AlignmentFrom(cfg.Reference),
		Config:      cfg.AEC,
	}
	if journal != nil {
		deps.Journal = journal
	}
	orch := session.New(deps)
	defer func() {
		if err := orch.Close(); err != nil {
			slog.Error("close capture session", "err", err)
		}
	}()

	reporterOpts := []diag.ReporterOption{
		diag.WithMetrics(metrics),
		diag.WithInterval(cfg.Diagnostics.Interval),
	}
	if cfg.Diagnostics.NATSURL != "" {
		pub, err := diag.DialNATS(cfg.Diagnostics.NATSURL, cfg.Diagnostics.Subject)
		if err != nil {
			slog.Warn("nats unavailable, diagnostics will not be published", "url", cfg.Diagnostics.NATSURL, "err", err)
		} else {
			defer pub.Close()
			reporterOpts = append(reporterOpts, diag.WithPublisher(pub))
		}
	}
	reporter := diag.NewReporter(orch, reporterOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reporter.Run(gctx) })

	if cfg.Server.Listen != "" {
		apiOpts := []httpapi.Option{httpapi.WithMetrics(provider.Handler())}
		if journal != nil {
			apiOpts = append(apiOpts, httpapi.WithSessions(journal))
		}
		api := httpapi.New(orch, apiOpts...)
		g.Go(func() error {
			slog.Info("listening", "addr", cfg.Server.Listen)
			return api.Run(gctx, cfg.Server.Listen)
		})
	} else {
		// Headless: capture runs for the lifetime of the process.
		if err := orch.StartAECCapture(nil); err != nil {
			return fmt.Errorf("start capture: %w", err)
		}
	}

	return g.Wait()
}
