// Package cmd provides the CLI commands for procsi.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/procsi/procsi/internal/config"
	"github.com/procsi/procsi/internal/project"
)

var cfgFile string

// projectRoot is resolved once before any command runs. PROJECT_ROOT
// overrides the working directory.
var projectRoot string

var rootCmd = &cobra.Command{
	Use:   "procsi",
	Short: "procsi - per-project HTTP(S) traffic capture proxy",
	Long: `procsi is a local HTTP(S) proxy daemon that captures, inspects, and
manipulates the traffic of the processes you point at it.

Each project gets its own daemon, certificate authority, and request
database, all stored under .procsi/ in the project root.

Quick start:
  1. cd into your project
  2. Run: procsi start
  3. Point a client at the proxy: procsi run -- npm test

Configuration:
  Config is loaded from procsi.yaml in the project root or .procsi/.
  Environment variables override config values with the PROCSI_ prefix.
  Example: PROCSI_PROXY_PREFERRED_PORT=9100

  The project root defaults to the working directory; set PROJECT_ROOT
  to override it.

Commands:
  start       Start the capture daemon in the foreground
  run         Run a command with its traffic routed through the proxy
  stop        Stop the running daemon
  status      Show daemon status via the control socket
  reset       Remove captured state from .procsi/
  trust-ca    Add/remove the project CA to the OS trust store
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: procsi.yaml in project root or .procsi/)")
}

func initConfig() {
	root, err := config.ResolveProjectRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot resolve project root: %v\n", err)
		os.Exit(1)
	}
	projectRoot = root
	config.InitViper(projectRoot, cfgFile)
}

// projectPaths returns the state layout for the resolved project root.
func projectPaths() project.Paths {
	return project.NewPaths(projectRoot)
}
