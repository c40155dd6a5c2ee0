package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureLayout(t *testing.T) {
	p := NewPaths(t.TempDir())
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	for _, dir := range []string{p.StateDir(), p.InterceptorDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
	// Idempotent.
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("second EnsureLayout: %v", err)
	}
}

func TestPathsLayout(t *testing.T) {
	p := NewPaths("/work/app")
	if got := p.StateDir(); got != filepath.Join("/work/app", ".procsi") {
		t.Errorf("state dir = %q", got)
	}
	if got := p.DatabaseFile(); got != filepath.Join("/work/app", ".procsi", "requests.db") {
		t.Errorf("database = %q", got)
	}
	if got := p.InterceptorDir(); got != filepath.Join("/work/app", ".procsi", "interceptors") {
		t.Errorf("interceptor dir = %q", got)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	p := NewPaths(t.TempDir())
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}

	if got := p.ReadPIDFile(); got != 0 {
		t.Errorf("missing PID file reads %d, want 0", got)
	}
	if err := p.WritePIDFile(4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	if got := p.ReadPIDFile(); got != 4242 {
		t.Errorf("PID = %d, want 4242", got)
	}
	p.RemovePIDFile()
	if got := p.ReadPIDFile(); got != 0 {
		t.Errorf("PID after removal = %d, want 0", got)
	}
	// Removing again is fine.
	p.RemovePIDFile()
}

func TestPortFiles(t *testing.T) {
	p := NewPaths(t.TempDir())
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}

	if err := p.WriteProxyPort(18080); err != nil {
		t.Fatalf("WriteProxyPort: %v", err)
	}
	if got := p.ReadProxyPort(); got != 18080 {
		t.Errorf("proxy port = %d", got)
	}
	if err := p.WritePreferredPort(18080); err != nil {
		t.Fatalf("WritePreferredPort: %v", err)
	}
	if got := p.ReadPreferredPort(); got != 18080 {
		t.Errorf("preferred port = %d", got)
	}
	p.RemoveProxyPort()
	if got := p.ReadProxyPort(); got != 0 {
		t.Errorf("proxy port after removal = %d", got)
	}
	// Preferred port survives shutdown.
	if got := p.ReadPreferredPort(); got != 18080 {
		t.Errorf("preferred port after proxy removal = %d", got)
	}
}

func TestCorruptIntFileReadsZero(t *testing.T) {
	p := NewPaths(t.TempDir())
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	if err := os.WriteFile(p.PIDFile(), []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := p.ReadPIDFile(); got != 0 {
		t.Errorf("corrupt PID reads %d, want 0", got)
	}
}
