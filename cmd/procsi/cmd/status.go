package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status via the control socket",
	Long: `Query the running daemon over its control socket and print a status
summary: version, proxy port, uptime, stored request count, and loaded
interceptors.

Examples:
  procsi status
  procsi status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status JSON")
	rootCmd.AddCommand(statusCmd)
}

// statusResult mirrors the daemon's status payload; unknown fields are
// ignored so old CLIs keep working against newer daemons.
type statusResult struct {
	Version      string `json:"version"`
	PID          int    `json:"pid"`
	ProxyPort    int    `json:"proxyPort"`
	UptimeSec    int64  `json:"uptimeSec"`
	RequestCount int    `json:"requestCount"`
	Interceptors []struct {
		Name  string `json:"name"`
		File  string `json:"file"`
		Error string `json:"error"`
	} `json:"interceptors"`
	EventCounts struct {
		Info  int `json:"info"`
		Warn  int `json:"warn"`
		Error int `json:"error"`
	} `json:"eventCounts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	paths := projectPaths()

	client, err := dialControl(paths.ControlSocket())
	if err != nil {
		return err
	}
	defer client.Close()

	raw, err := client.call("status", nil)
	if err != nil {
		return err
	}

	if statusJSON {
		fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		return nil
	}

	var st statusResult
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("malformed status payload: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "procsi daemon %s\n", st.Version)
	fmt.Fprintf(out, "  %-14s %d\n", "PID:", st.PID)
	fmt.Fprintf(out, "  %-14s http://127.0.0.1:%d\n", "Proxy:", st.ProxyPort)
	fmt.Fprintf(out, "  %-14s %s\n", "Uptime:", (time.Duration(st.UptimeSec) * time.Second).String())
	fmt.Fprintf(out, "  %-14s %d stored\n", "Requests:", st.RequestCount)
	fmt.Fprintf(out, "  %-14s %d loaded\n", "Interceptors:", len(st.Interceptors))
	for _, ic := range st.Interceptors {
		if ic.Error != "" {
			fmt.Fprintf(out, "    - %s (%s) BROKEN: %s\n", ic.Name, ic.File, ic.Error)
			continue
		}
		fmt.Fprintf(out, "    - %s (%s)\n", ic.Name, ic.File)
	}
	fmt.Fprintf(out, "  %-14s %d info / %d warn / %d error\n", "Events:",
		st.EventCounts.Info, st.EventCounts.Warn, st.EventCounts.Error)
	return nil
}
