package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running procsi daemon",
	Long: `Stop the daemon for the current project by reading its PID file and
sending SIGTERM.

The PID file is located at .procsi/daemon.pid under the project root.

Examples:
  # Stop the daemon for this project
  procsi stop`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	paths := projectPaths()

	pid := paths.ReadPIDFile()
	if pid == 0 {
		return fmt.Errorf("no daemon PID file found at %s\nIs the daemon running?", paths.PIDFile())
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		paths.RemovePIDFile()
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	// Check if the process is actually alive.
	if !processIsAlive(proc) {
		paths.RemovePIDFile()
		return fmt.Errorf("daemon process %d is not running (stale PID file removed)", pid)
	}

	// Send graceful stop signal (SIGTERM on Unix, Kill on Windows).
	fmt.Fprintf(os.Stderr, "Stopping procsi daemon (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	// Wait for the process to exit (poll every 200ms, max 10s).
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			paths.RemovePIDFile()
			fmt.Fprintf(os.Stderr, "Daemon stopped.\n")
			return nil
		}
	}

	// Still alive after 10s — force kill.
	fmt.Fprintf(os.Stderr, "Daemon did not stop gracefully, sending SIGKILL...\n")
	_ = proc.Kill()
	paths.RemovePIDFile()
	fmt.Fprintf(os.Stderr, "Daemon killed.\n")
	return nil
}
