package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/procsi/procsi/internal/adapter/inbound/control"
	"github.com/procsi/procsi/internal/adapter/inbound/proxy"
	"github.com/procsi/procsi/internal/adapter/outbound/sqlite"
	"github.com/procsi/procsi/internal/config"
	"github.com/procsi/procsi/internal/domain/events"
	"github.com/procsi/procsi/internal/interceptor"
	"github.com/procsi/procsi/internal/metrics"
	"github.com/procsi/procsi/internal/project"
	"github.com/procsi/procsi/internal/replay"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the capture daemon in the foreground",
	Long: `Start the procsi daemon for the current project.

The daemon binds a local HTTP(S) proxy, generates (or loads) the
project certificate authority, opens the request database, loads
interceptor scripts, and exposes a JSON-RPC control socket. All state
lives under .procsi/ in the project root.

Port selection tries proxy.preferred_port from config first, then the
port remembered from the previous run, then lets the OS pick one. The
bound port is written to .procsi/proxy.port for tooling to discover.

Examples:
  # Start in the current project
  procsi start

  # Start with a specific config file
  procsi --config /path/to/procsi.yaml start

  # Start against another project root
  PROJECT_ROOT=/path/to/project procsi start`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	paths := projectPaths()
	if err := paths.EnsureLayout(); err != nil {
		return err
	}

	// Setup logger to stderr (stdout stays clean for command output).
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Refuse to double-start against the same project.
	if pid := paths.ReadPIDFile(); pid != 0 {
		if proc, findErr := os.FindProcess(pid); findErr == nil && processIsAlive(proc) {
			return fmt.Errorf("daemon already running for this project (PID %d); run \"procsi stop\" first", pid)
		}
		logger.Warn("removing stale PID file", "pid", pid)
		paths.RemovePIDFile()
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	if err := run(ctx, cfg, paths, logger); err != nil {
		return err
	}

	logger.Info("procsi stopped")
	return nil
}

// run wires all daemon components together and blocks until the signal
// context fires or the proxy listener dies.
func run(ctx context.Context, cfg *config.Config, paths project.Paths, logger *slog.Logger) error {
	// Optional stdout span exporter, a local debugging aid.
	if cfg.Tracing.Enabled {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		logger.Info("tracing enabled", "exporter", "stdout")
	}

	// Project CA: loaded from .procsi/, generated on first start.
	ca, err := proxy.NewCAManager(proxy.CAConfig{
		CertFile:      paths.CACertFile(),
		KeyFile:       paths.CAKeyFile(),
		Organization:  cfg.CA.Organization,
		ValidityYears: cfg.CA.ValidityYears,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to set up project CA: %w", err)
	}
	certCache := proxy.NewCertCache(ca, cfg.CertTTL(), logger)

	// Counters come first so the storage and interceptor layers can
	// report into them.
	m := metrics.New()

	// Request repository.
	repo, err := sqlite.NewRepository(sqlite.Config{
		Path:              paths.DatabaseFile(),
		MaxStoredRequests: cfg.Store.MaxRequests,
		OnEvict:           m.RecordEvictions,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open request database: %w", err)
	}
	defer func() {
		compactCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if compactErr := repo.Compact(compactCtx); compactErr != nil {
			logger.Warn("database compaction failed", "error", compactErr)
		}
		_ = repo.Close()
	}()

	// Seed the fallback session so unattributed traffic has a home.
	if _, err := repo.EnsureSession(ctx, proxy.DaemonSessionID, "daemon", os.Getpid(), "daemon"); err != nil {
		return fmt.Errorf("failed to seed daemon session: %w", err)
	}

	// Interceptor pipeline: event log, script loader with hot reload,
	// and the two-phase runner.
	eventLog := events.NewLog(cfg.Events.Capacity)
	eventLog.SetObserver(func(ev events.Event) { m.RecordEvent(ev.Level) })

	loader, err := interceptor.NewLoader(paths.InterceptorDir(), eventLog, logger)
	if err != nil {
		return fmt.Errorf("failed to create interceptor loader: %w", err)
	}
	defer func() { _ = loader.Close() }()
	if err := loader.Load(); err != nil {
		logger.Warn("initial interceptor load failed", "error", err)
		// Non-fatal: broken scripts are reported as events, fixed
		// scripts are picked up by the watcher.
	}
	if err := loader.Watch(); err != nil {
		logger.Warn("interceptor watcher unavailable, hot reload disabled", "error", err)
	}

	runner := interceptor.NewRunner(loader, eventLog, repo, interceptor.RunnerConfig{
		MatchTimeout:   cfg.MatchTimeout(),
		HandlerTimeout: cfg.HandlerTimeout(),
	}, logger)

	// Replay token tracker.
	tracker := replay.NewTracker(logger)
	tracker.StartCleanup()
	defer tracker.Close()

	// Capture proxy: handler behind the TLS inspector.
	handler := proxy.NewCaptureHandler(repo, runner, tracker, ca, m, proxy.HandlerConfig{
		MaxBodySize:     cfg.Proxy.MaxBodySize,
		UpstreamTimeout: cfg.UpstreamTimeout(),
	}, logger)
	inspector := proxy.NewTLSInspector(proxy.TLSInspectorConfig{
		BypassList: cfg.Proxy.BypassList,
		CertCache:  certCache,
		Handler:    handler,
		Logger:     logger,
	})

	srv := proxy.NewServer(inspector, logger)
	port := cfg.Proxy.PreferredPort
	if port == 0 {
		port = paths.ReadPreferredPort()
	}
	if err := srv.Start(port); err != nil {
		if port == 0 {
			return fmt.Errorf("failed to start proxy: %w", err)
		}
		logger.Warn("preferred port unavailable, letting the OS pick", "port", port, "error", err)
		if err := srv.Start(0); err != nil {
			return fmt.Errorf("failed to start proxy: %w", err)
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Record the bound port for local tooling, and remember it as the
	// preference for the next start.
	if err := paths.WriteProxyPort(srv.Port()); err != nil {
		logger.Warn("failed to write proxy port file", "error", err)
	} else {
		defer paths.RemoveProxyPort()
	}
	if err := paths.WritePreferredPort(srv.Port()); err != nil {
		logger.Warn("failed to write preferred port file", "error", err)
	}

	// Replay executor re-sends stored requests through our own proxy.
	executor := replay.NewExecutor(repo, tracker, srv.Port(), ca.CACertPool(), logger)

	// Control socket.
	ctl := control.NewServer(control.Config{
		SocketPath: paths.ControlSocket(),
		Version:    Version,
		ProxyPort:  srv.Port(),
	}, control.Deps{
		Repo:     repo,
		Events:   eventLog,
		Loader:   loader,
		Replayer: executor,
		Metrics:  m,
	}, logger)
	if err := ctl.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctl.Shutdown(shutdownCtx)
	}()

	// Write PID file so "procsi stop" can find us.
	if err := paths.WritePIDFile(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "path", paths.PIDFile(), "error", err)
	} else {
		defer paths.RemovePIDFile()
	}

	logger.Info("procsi starting",
		"version", Version,
		"project_root", cfg.ProjectRoot,
		"proxy_port", srv.Port(),
		"control_socket", paths.ControlSocket(),
		"interceptors", len(loader.List()),
		"max_requests", cfg.Store.MaxRequests,
	)
	printBanner(Version, srv.Port(), paths, len(loader.List()))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-srv.Err():
		if err != nil {
			return fmt.Errorf("proxy listener failed: %w", err)
		}
		return nil
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr with the
// proxy address, CA download URL, and project layout.
func printBanner(version string, port int, paths project.Paths, interceptorCount int) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		dim   = "\033[2m"
	)

	proxyURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	caURL := fmt.Sprintf("http://procsi.local/ca.crt (via proxy) or %s", paths.CACertFile())

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s procsi %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Proxy:", proxyURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "CA cert:", caURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Control:", paths.ControlSocket())
	fmt.Fprintf(os.Stderr, "  %-14s %d loaded\n", "Interceptors:", interceptorCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
