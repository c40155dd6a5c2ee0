package interceptor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/procsi/procsi/internal/domain/events"
)

// ScriptExtension is the fixed extension for interceptor script files.
const ScriptExtension = ".cept.yaml"

// reloadDebounce coalesces bursts of file-system events (editors save
// through rename+write) into a single reload.
const reloadDebounce = 300 * time.Millisecond

// Interceptor is one loaded script entry. Entries with a non-empty Err
// are kept in the list for visibility but never selected.
type Interceptor struct {
	Name          string
	File          string
	MatchSource   string
	HandlerSource string
	Err           string

	matchProg cel.Program // nil when the entry has no match expression
}

// Info is the listing view of an entry.
type Info struct {
	Name     string `json:"name"`
	File     string `json:"file"`
	HasMatch bool   `json:"hasMatch"`
	Error    string `json:"error,omitempty"`
}

// fileEntry is the YAML shape of one interceptor in a script file.
type fileEntry struct {
	Name    string `yaml:"name"`
	Match   string `yaml:"match"`
	Handler string `yaml:"handler"`
}

// Loader scans the interceptors directory, compiles entries, and
// publishes an immutable list that the runner captures per request.
type Loader struct {
	dir    string
	logger *slog.Logger
	events *events.Log

	matchEnv *cel.Env
	checkEnv *cel.Env // declaration-only, for handler validation

	active atomic.Pointer[[]*Interceptor]

	mu      sync.Mutex
	loaded  bool // first Load already happened
	closed  bool
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLoader prepares a loader over dir, creating the directory if
// missing. Call Load for the initial scan and Watch for hot reloads.
func NewLoader(dir string, log *events.Log, logger *slog.Logger) (*Loader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create interceptors dir: %w", err)
	}
	matchEnv, err := newMatchEnv()
	if err != nil {
		return nil, fmt.Errorf("match environment: %w", err)
	}
	checkEnv, err := newHandlerEnv(nil)
	if err != nil {
		return nil, fmt.Errorf("handler environment: %w", err)
	}
	l := &Loader{
		dir:      dir,
		logger:   logger,
		events:   log,
		matchEnv: matchEnv,
		checkEnv: checkEnv,
		done:     make(chan struct{}),
	}
	empty := []*Interceptor{}
	l.active.Store(&empty)
	return l, nil
}

// Interceptors returns the current immutable list. Callers must not
// mutate it.
func (l *Loader) Interceptors() []*Interceptor {
	return *l.active.Load()
}

// List returns the listing view of the current entries.
func (l *Loader) List() []Info {
	current := l.Interceptors()
	out := make([]Info, 0, len(current))
	for _, it := range current {
		out = append(out, Info{
			Name:     it.Name,
			File:     filepath.Base(it.File),
			HasMatch: it.MatchSource != "",
			Error:    it.Err,
		})
	}
	return out
}

// Load scans the directory and atomically swaps in the new list. The
// first call emits a loaded event, later ones a reload event. Safe to
// call at any time; reloads are serialised.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("loader is closed")
	}

	list := l.scan()
	l.active.Store(&list)

	typ := events.TypeReload
	if !l.loaded {
		typ = events.TypeLoaded
		l.loaded = true
	}
	ok := 0
	for _, it := range list {
		if it.Err == "" {
			ok++
		}
	}
	l.events.Append(events.Event{
		Type:    typ,
		Message: fmt.Sprintf("%d interceptor(s) active, %d failed", ok, len(list)-ok),
	})
	l.logger.Info("interceptors loaded", "active", ok, "failed", len(list)-ok)
	return nil
}

func (l *Loader) scan() []*Interceptor {
	names, err := filepath.Glob(filepath.Join(l.dir, "*"+ScriptExtension))
	if err != nil {
		l.logger.Warn("interceptor scan failed", "error", err)
		return []*Interceptor{}
	}
	sort.Strings(names)

	list := []*Interceptor{}
	seen := map[string]string{}
	for _, file := range names {
		entries := l.loadFile(file)
		for _, it := range entries {
			if prev, dup := seen[it.Name]; dup {
				l.logger.Warn("duplicate interceptor name",
					"name", it.Name, "file", filepath.Base(it.File), "first", filepath.Base(prev))
			} else {
				seen[it.Name] = it.File
			}
			list = append(list, it)
		}
	}
	return list
}

// loadFile parses one script file. Parse and compile failures emit
// load_error events and never block other files or entries.
func (l *Loader) loadFile(file string) []*Interceptor {
	stem := strings.TrimSuffix(filepath.Base(file), ScriptExtension)

	data, err := os.ReadFile(file)
	if err != nil {
		l.loadError(stem, file, fmt.Errorf("read: %w", err))
		return []*Interceptor{{Name: stem, File: file, Err: err.Error()}}
	}

	entries, err := parseScript(data)
	if err != nil {
		l.loadError(stem, file, err)
		return []*Interceptor{{Name: stem, File: file, Err: err.Error()}}
	}

	out := make([]*Interceptor, 0, len(entries))
	for i, e := range entries {
		name := e.Name
		if name == "" {
			name = stem
			if len(entries) > 1 {
				name = fmt.Sprintf("%s[%d]", stem, i)
			}
		}
		it := &Interceptor{
			Name:          name,
			File:          file,
			MatchSource:   strings.TrimSpace(e.Match),
			HandlerSource: strings.TrimSpace(e.Handler),
		}
		if err := l.compileEntry(it); err != nil {
			it.Err = err.Error()
			l.loadError(name, file, err)
		}
		out = append(out, it)
	}
	return out
}

func (l *Loader) compileEntry(it *Interceptor) error {
	if it.HandlerSource == "" {
		return fmt.Errorf("handler expression is required")
	}
	if it.MatchSource != "" {
		prg, err := compile(l.matchEnv, it.MatchSource)
		if err != nil {
			return fmt.Errorf("match: %w", err)
		}
		it.matchProg = prg
	}
	// Handlers are type-checked now and re-planned per invocation so
	// forward and friends can close over the pending entry.
	if _, err := compile(l.checkEnv, it.HandlerSource); err != nil {
		return fmt.Errorf("handler: %w", err)
	}
	return nil
}

func (l *Loader) loadError(name, file string, err error) {
	l.events.Append(events.Event{
		Type:        events.TypeLoadError,
		Interceptor: name,
		Message:     fmt.Sprintf("failed to load %s", filepath.Base(file)),
		Error:       err.Error(),
	})
	l.logger.Warn("interceptor load failed", "name", name, "file", filepath.Base(file), "error", err)
}

// parseScript accepts one interceptor mapping or a list of them.
func parseScript(data []byte) ([]fileEntry, error) {
	var list []fileEntry
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var single fileEntry
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return []fileEntry{single}, nil
}

// Watch starts the debounced file-system watcher. Any change to an
// eligible file triggers a full reload.
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("loader is closed")
	}
	if l.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.watcher = w

	l.wg.Add(1)
	go l.watchLoop(w)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher) {
	defer l.wg.Done()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ScriptExtension) {
				continue
			}
			l.scheduleReload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn("interceptor watcher error", "error", err)
		case <-l.done:
			return
		}
	}
}

func (l *Loader) scheduleReload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if l.timer != nil {
		l.timer.Reset(reloadDebounce)
		return
	}
	l.timer = time.AfterFunc(reloadDebounce, func() {
		l.mu.Lock()
		l.timer = nil
		l.mu.Unlock()
		if err := l.Load(); err != nil {
			l.logger.Warn("interceptor reload failed", "error", err)
		}
	})
}

// Close stops the watcher and marks the loader unusable.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	w := l.watcher
	l.watcher = nil
	close(l.done)
	l.mu.Unlock()

	var err error
	if w != nil {
		err = w.Close()
	}
	l.wg.Wait()
	return err
}
