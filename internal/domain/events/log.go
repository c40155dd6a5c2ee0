// Package events holds the in-memory interceptor event log: a bounded
// ring of typed runtime events with monotonic sequence numbers and
// running severity counters. Consumers poll it through the control
// plane with an afterSeq cursor.
package events

import (
	"sync"
	"time"
)

// Type is the closed set of interceptor runtime event types.
type Type string

const (
	TypeMatched  Type = "matched"
	TypeMocked   Type = "mocked"
	TypeModified Type = "modified"
	TypeObserved Type = "observed"
	TypeLoaded   Type = "loaded"
	TypeReload   Type = "reload"
	TypeUserLog  Type = "user_log"

	TypeMatchTimeout         Type = "match_timeout"
	TypeHandlerTimeout       Type = "handler_timeout"
	TypeInvalidResponse      Type = "invalid_response"
	TypeForwardAfterComplete Type = "forward_after_complete"

	TypeMatchError   Type = "match_error"
	TypeHandlerError Type = "handler_error"
	TypeLoadError    Type = "load_error"
)

// Level is the severity derived from an event's type.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var typeLevels = map[Type]Level{
	TypeMatched:  LevelInfo,
	TypeMocked:   LevelInfo,
	TypeModified: LevelInfo,
	TypeObserved: LevelInfo,
	TypeLoaded:   LevelInfo,
	TypeReload:   LevelInfo,
	TypeUserLog:  LevelInfo,

	TypeMatchTimeout:         LevelWarn,
	TypeHandlerTimeout:       LevelWarn,
	TypeInvalidResponse:      LevelWarn,
	TypeForwardAfterComplete: LevelWarn,

	TypeMatchError:   LevelError,
	TypeHandlerError: LevelError,
	TypeLoadError:    LevelError,
}

// LevelOf returns the severity for a type; unknown types rate as info.
func LevelOf(t Type) Level {
	if lvl, ok := typeLevels[t]; ok {
		return lvl
	}
	return LevelInfo
}

var levelRank = map[Level]int{LevelInfo: 0, LevelWarn: 1, LevelError: 2}

// Event is a single interceptor runtime event. Seq and Timestamp are
// assigned by the log on append.
type Event struct {
	Seq           int64  `json:"seq"`
	Timestamp     int64  `json:"timestamp"` // ms since epoch
	Level         Level  `json:"level"`
	Type          Type   `json:"type"`
	Interceptor   string `json:"interceptor,omitempty"`
	Message       string `json:"message,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	RequestURL    string `json:"requestUrl,omitempty"`
	RequestMethod string `json:"requestMethod,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Counts is the per-severity population of the retained events.
type Counts struct {
	Info  int `json:"info"`
	Warn  int `json:"warn"`
	Error int `json:"error"`
}

// Query narrows a Since read. Level is hierarchical: it selects events
// at that severity or above.
type Query struct {
	Level       Level
	Interceptor string
	Type        Type
	Limit       int
}

const DefaultCapacity = 1000

// Log is the fixed-capacity ring. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	seq      int64
	counts   Counts
	observer func(Event)
	now      func() time.Time
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// SetObserver registers fn to be called with each stored event, after
// it is appended and outside the log's lock. At most one observer; a
// nil fn removes it.
func (l *Log) SetObserver(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// Append assigns a sequence number, timestamp, and derived level to ev,
// stores it (evicting the oldest event when full), and returns the
// stored copy.
func (l *Log) Append(ev Event) Event {
	l.mu.Lock()

	l.seq++
	ev.Seq = l.seq
	ev.Timestamp = l.now().UnixMilli()
	ev.Level = LevelOf(ev.Type)

	if len(l.events) == l.capacity {
		l.adjust(l.events[0].Level, -1)
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, ev)
	l.adjust(ev.Level, 1)
	observer := l.observer
	l.mu.Unlock()

	if observer != nil {
		observer(ev)
	}
	return ev
}

func (l *Log) adjust(lvl Level, delta int) {
	switch lvl {
	case LevelWarn:
		l.counts.Warn += delta
	case LevelError:
		l.counts.Error += delta
	default:
		l.counts.Info += delta
	}
}

// Since returns retained events with Seq > afterSeq matching every
// predicate in q, in chronological order.
func (l *Log) Since(afterSeq int64, q Query) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	minRank := 0
	if q.Level != "" {
		minRank = levelRank[q.Level]
	}
	var out []Event
	for _, ev := range l.events {
		if ev.Seq <= afterSeq {
			continue
		}
		if levelRank[ev.Level] < minRank {
			continue
		}
		if q.Interceptor != "" && ev.Interceptor != q.Interceptor {
			continue
		}
		if q.Type != "" && ev.Type != q.Type {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Latest returns the most recent n events in chronological order.
func (l *Log) Latest(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Counts returns the running severity counters for retained events.
func (l *Log) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts
}

// ErrorCountSince counts retained error events with Seq > afterSeq.
func (l *Log) ErrorCountSince(afterSeq int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, ev := range l.events {
		if ev.Seq > afterSeq && ev.Level == LevelError {
			n++
		}
	}
	return n
}

// Clear drops all retained events and resets the counters. Sequence
// numbers keep increasing across a clear.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = l.events[:0]
	l.counts = Counts{}
}
