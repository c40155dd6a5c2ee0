package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/procsi/procsi/internal/project"
)

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a command with its traffic routed through the proxy",
	Long: `Run wraps any command so its HTTP(S) traffic flows through the project's
capture proxy, attributed to a dedicated session.

The run command:
  1. Ensures the daemon is running (auto-starts it if not)
  2. Registers a capture session named after the command
  3. Sets HTTP_PROXY/HTTPS_PROXY on the child process
  4. Injects CA trust env vars (NODE_EXTRA_CA_CERTS, SSL_CERT_FILE,
     REQUESTS_CA_BUNDLE, CURL_CA_BUNDLE) so common clients trust the
     project CA without touching the system store
  5. Exposes PROCSI_SESSION_ID / PROCSI_SESSION_TOKEN for instrumented
     clients that tag requests with session headers
  6. Spawns the command and propagates its exit code

Examples:
  # Capture a test run
  procsi run -- npm test

  # Capture a one-off curl, labelled
  procsi run --label smoke -- curl https://api.example.com/health

  # Tag the session with a runtime source
  procsi run --source node -- node index.js`,
	RunE: runCommand,
	Args: cobra.ArbitraryArgs,
}

var (
	runLabel  string
	runSource string
)

func init() {
	runCmd.Flags().StringVar(&runLabel, "label", "", "session label (default: the command name)")
	runCmd.Flags().StringVar(&runSource, "source", "cli", "runtime source recorded on the session")
	rootCmd.AddCommand(runCmd)
}

// runCommand is the entry point; it calls runCommandInternal (where
// defers run on return) and then propagates the exit code via os.Exit
// if needed.
func runCommand(cmd *cobra.Command, args []string) error {
	exitCode, err := runCommandInternal(args)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// runCommandInternal contains the full run logic. All defers in this
// function execute before it returns, even when the child exits
// non-zero.
func runCommandInternal(args []string) (exitCode int, retErr error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("no command specified; usage: procsi run -- <command> [args...]")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	paths := projectPaths()

	// Ensure the daemon is running; auto-start it when it is not.
	autoStarted, daemonCleanup, autoErr := ensureDaemonRunning(paths, logger)
	if autoErr != nil {
		return 0, autoErr
	}
	if daemonCleanup != nil {
		defer daemonCleanup()
	}
	if autoStarted {
		logger.Info("daemon auto-started, will stop on exit")
	}

	port := paths.ReadProxyPort()
	if port == 0 {
		return 0, fmt.Errorf("daemon is running but %s is missing", paths.ProxyPortFile())
	}

	// Register a session so captured traffic is attributed to this run.
	label := runLabel
	if label == "" {
		label = filepath.Base(args[0])
	}
	sessionID, sessionToken, err := registerRunSession(paths, label, runSource)
	if err != nil {
		return 0, fmt.Errorf("failed to register session: %w", err)
	}
	logger.Info("session registered", "session_id", sessionID, "label", label)

	// Build the child environment.
	proxyURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	caPath := paths.CACertFile()
	childEnv := append(os.Environ(),
		"HTTP_PROXY="+proxyURL,
		"HTTPS_PROXY="+proxyURL,
		"http_proxy="+proxyURL,
		"https_proxy="+proxyURL,
		"NODE_EXTRA_CA_CERTS="+caPath,
		"SSL_CERT_FILE="+caPath,
		"REQUESTS_CA_BUNDLE="+caPath,
		"CURL_CA_BUNDLE="+caPath,
		"PROCSI_SESSION_ID="+sessionID,
		"PROCSI_SESSION_TOKEN="+sessionToken,
		"PROCSI_RUNTIME_SOURCE="+runSource,
	)

	childCmd := exec.Command(args[0], args[1:]...)
	childCmd.Env = childEnv
	childCmd.Stdin = os.Stdin
	childCmd.Stdout = os.Stdout
	childCmd.Stderr = os.Stderr

	logger.Info("starting command",
		"command", args[0],
		"args", args[1:],
		"proxy", proxyURL,
		"session_id", sessionID,
	)

	// Ignore SIGINT/SIGTERM in the parent — the child gets them directly
	// from the terminal. We wait for the child to exit, then run defers.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, gracefulSignals()...)
	defer signal.Stop(sigCh)

	if err := childCmd.Start(); err != nil {
		logger.Error("failed to start command", "error", err)
		return 1, nil
	}

	// Drain signals in background (don't let them kill us).
	go func() {
		for range sigCh {
			// Child receives signals from the terminal directly.
		}
	}()

	waitErr := childCmd.Wait()
	signal.Stop(sigCh)

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		logger.Error("command failed", "error", waitErr)
		return 1, nil
	}

	return 0, nil
}

// registerRunSession registers a session over the control socket and
// returns its ID and trusted token.
func registerRunSession(paths project.Paths, label, source string) (id, token string, err error) {
	client, err := dialControl(paths.ControlSocket())
	if err != nil {
		return "", "", err
	}
	defer client.Close()

	raw, err := client.call("registerSession", map[string]any{
		"label":  label,
		"pid":    os.Getpid(),
		"source": source,
	})
	if err != nil {
		return "", "", err
	}

	var result struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", "", fmt.Errorf("malformed registerSession response: %w", err)
	}
	return result.Session.ID, result.Token, nil
}

// ensureDaemonRunning checks for a live daemon and auto-starts one as a
// detached background process when absent.
//
// Returns:
//   - autoStarted: true if this call started the daemon
//   - cleanup: function to stop the daemon on exit (nil if it was already running)
//   - err: fatal error; the command cannot run without a daemon
func ensureDaemonRunning(paths project.Paths, logger *slog.Logger) (autoStarted bool, cleanup func(), err error) {
	if pid := paths.ReadPIDFile(); pid != 0 {
		if proc, findErr := os.FindProcess(pid); findErr == nil && processIsAlive(proc) {
			return false, nil, nil
		}
	}

	logger.Info("daemon not running, auto-starting...")

	selfExe, err := os.Executable()
	if err != nil {
		return false, nil, fmt.Errorf("failed to resolve executable path: %w", err)
	}

	if err := paths.EnsureLayout(); err != nil {
		return false, nil, err
	}

	// Open log file for the daemon's stdout/stderr.
	logPath := filepath.Join(paths.StateDir(), "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, nil, fmt.Errorf("failed to open daemon log %s: %w", logPath, err)
	}

	daemonCmd := exec.Command(selfExe, "start")
	daemonCmd.Stdout = logFile
	daemonCmd.Stderr = logFile
	daemonCmd.Dir = paths.Root
	daemonCmd.Env = append(os.Environ(), "PROJECT_ROOT="+paths.Root)

	if err := daemonCmd.Start(); err != nil {
		logFile.Close()
		return false, nil, fmt.Errorf("failed to start daemon process: %w", err)
	}
	logFile.Close()

	daemonPID := daemonCmd.Process.Pid
	logger.Info("daemon process started", "pid", daemonPID, "log", logPath)

	// Wait for the control socket to come up (poll every 500ms, max 15s).
	ready := false
	for i := 0; i < 30; i++ {
		time.Sleep(500 * time.Millisecond)
		if client, dialErr := dialControl(paths.ControlSocket()); dialErr == nil {
			if _, pingErr := client.call("ping", nil); pingErr == nil {
				ready = true
			}
			client.Close()
		}
		if ready {
			break
		}
	}

	if !ready {
		// Daemon didn't come up in time; kill it and report failure.
		_ = sendGracefulStop(daemonCmd.Process)
		return false, nil, fmt.Errorf("daemon did not become ready within 15s (check %s)", logPath)
	}

	cleanupFn := func() {
		logger.Info("stopping auto-started daemon", "pid", daemonPID)
		if killErr := sendGracefulStop(daemonCmd.Process); killErr != nil {
			logger.Warn("failed to stop daemon", "error", killErr)
			return
		}
		// Wait briefly for the process to exit.
		done := make(chan error, 1)
		go func() { done <- daemonCmd.Wait() }()
		select {
		case <-done:
			logger.Info("daemon stopped")
		case <-time.After(5 * time.Second):
			logger.Warn("daemon did not stop in 5s, killing")
			_ = daemonCmd.Process.Kill()
		}
	}

	return true, cleanupFn, nil
}
