package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	resetIncludeCA bool
	resetForce     bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove captured state from .procsi/",
	Long: `Reset the project by removing captured state files from .procsi/.

By default, the request database and port records are removed. The CA
keypair is kept so clients that already trust it keep working; pass
--include-ca to remove it too (you will need to re-trust the new CA
after the next start). Interceptor scripts are never touched.

The daemon must be stopped first.

Optional flags:
  --include-ca   Also remove the CA certificate and key
  --force        Skip confirmation prompt

Examples:
  # Clear captured requests (interactive confirmation)
  procsi reset

  # Clear everything including the CA, without prompting
  procsi reset --include-ca --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeCA, "include-ca", false, "Also remove the CA certificate and key")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	paths := projectPaths()

	// Refuse to pull state out from under a running daemon.
	if pid := paths.ReadPIDFile(); pid != 0 {
		if proc, err := os.FindProcess(pid); err == nil && processIsAlive(proc) {
			return fmt.Errorf("daemon is running (PID %d); run \"procsi stop\" first", pid)
		}
	}

	// Build list of targets to remove.
	type target struct {
		path string
		desc string
	}
	targets := []target{
		{paths.DatabaseFile(), "request database"},
		{paths.ProxyPortFile(), "bound port record"},
		{paths.PreferredPortFile(), "preferred port record"},
		{paths.PIDFile(), "stale PID file"},
		{paths.ControlSocket(), "stale control socket"},
	}
	if resetIncludeCA {
		targets = append(targets,
			target{paths.CACertFile(), "CA certificate"},
			target{paths.CAKeyFile(), "CA private key"},
		)
	}

	// Check what actually exists.
	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset, no state files found.")
		return nil
	}

	// Show what will be removed.
	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	// Confirm unless --force.
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	// Remove targets.
	var errors int
	for _, t := range existing {
		if err := os.Remove(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			errors++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if errors > 0 {
		return fmt.Errorf("%d file(s) could not be removed", errors)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. The daemon will start fresh on next launch.")
	return nil
}
