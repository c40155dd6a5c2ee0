// Package project owns the per-project state directory layout and the
// small marker files the daemon leaves in it: PID, bound proxy port,
// and the preferred port remembered across restarts.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// StateDirName is the per-project state directory under the root.
const StateDirName = ".procsi"

// Paths resolves every file the daemon keeps under a project root.
type Paths struct {
	Root string
}

func NewPaths(root string) Paths {
	return Paths{Root: root}
}

func (p Paths) StateDir() string          { return filepath.Join(p.Root, StateDirName) }
func (p Paths) CACertFile() string        { return filepath.Join(p.StateDir(), "ca.crt") }
func (p Paths) CAKeyFile() string         { return filepath.Join(p.StateDir(), "ca.key") }
func (p Paths) DatabaseFile() string      { return filepath.Join(p.StateDir(), "requests.db") }
func (p Paths) ControlSocket() string     { return filepath.Join(p.StateDir(), "control.sock") }
func (p Paths) ProxyPortFile() string     { return filepath.Join(p.StateDir(), "proxy.port") }
func (p Paths) PreferredPortFile() string { return filepath.Join(p.StateDir(), "preferred.port") }
func (p Paths) PIDFile() string           { return filepath.Join(p.StateDir(), "daemon.pid") }
func (p Paths) InterceptorDir() string    { return filepath.Join(p.StateDir(), "interceptors") }

// EnsureLayout creates the state directory tree.
func (p Paths) EnsureLayout() error {
	for _, dir := range []string{p.StateDir(), p.InterceptorDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// WritePIDFile records the daemon's PID.
func (p Paths) WritePIDFile(pid int) error {
	return writeIntFile(p.PIDFile(), pid)
}

// ReadPIDFile returns the recorded PID, or 0 when absent or corrupt.
func (p Paths) ReadPIDFile() int {
	return readIntFile(p.PIDFile())
}

// RemovePIDFile is safe to call when the file is already gone.
func (p Paths) RemovePIDFile() {
	_ = os.Remove(p.PIDFile())
}

// WriteProxyPort records the port the proxy actually bound, for local
// tooling to discover.
func (p Paths) WriteProxyPort(port int) error {
	return writeIntFile(p.ProxyPortFile(), port)
}

// ReadProxyPort returns the recorded bound port, or 0.
func (p Paths) ReadProxyPort() int {
	return readIntFile(p.ProxyPortFile())
}

// RemoveProxyPort clears the bound-port record on shutdown.
func (p Paths) RemoveProxyPort() {
	_ = os.Remove(p.ProxyPortFile())
}

// WritePreferredPort remembers a successfully bound port so the next
// start tries it first.
func (p Paths) WritePreferredPort(port int) error {
	return writeIntFile(p.PreferredPortFile(), port)
}

// ReadPreferredPort returns the remembered port, or 0.
func (p Paths) ReadPreferredPort() int {
	return readIntFile(p.PreferredPortFile())
}

func writeIntFile(path string, value int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(value)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readIntFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || value < 0 {
		return 0
	}
	return value
}
