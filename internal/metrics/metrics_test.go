package metrics

import (
	"testing"

	"github.com/procsi/procsi/internal/domain/capture"
	"github.com/procsi/procsi/internal/domain/events"
)

func gathered(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()
	out, err := m.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	return out
}

func TestEventLogFeedsEventCounter(t *testing.T) {
	m := New()
	log := events.NewLog(10)
	log.SetObserver(func(ev events.Event) { m.RecordEvent(ev.Level) })

	log.Append(events.Event{Type: events.TypeMatched, Interceptor: "a"})
	log.Append(events.Event{Type: events.TypeHandlerError, Interceptor: "a"})

	got := gathered(t, m)
	if got["procsi_interceptor_events_total"] != 2 {
		t.Errorf("procsi_interceptor_events_total = %v, want 2 after two appends",
			got["procsi_interceptor_events_total"])
	}
	if c := log.Counts(); c.Info != 1 || c.Error != 1 {
		t.Errorf("log counts = %+v, want one info and one error", c)
	}
}

func TestEvictionsCounterPresentAndAdditive(t *testing.T) {
	m := New()

	got := gathered(t, m)
	evicted, present := got["procsi_evictions_total"]
	if !present {
		t.Fatal("procsi_evictions_total family missing from snapshot")
	}
	if evicted != 0 {
		t.Errorf("procsi_evictions_total = %v, want 0 before any eviction", evicted)
	}

	m.RecordEvictions(3)
	m.RecordEvictions(2)
	if got := gathered(t, m); got["procsi_evictions_total"] != 5 {
		t.Errorf("procsi_evictions_total = %v, want 5", got["procsi_evictions_total"])
	}
}

func TestRecordInterceptionByType(t *testing.T) {
	m := New()
	m.RecordInterception(capture.InterceptionMocked)
	m.RecordInterception(capture.InterceptionModified)
	m.RecordInterception(capture.InterceptionType("observed"))
	m.RecordInterception(capture.InterceptionType("observed"))

	got := gathered(t, m)
	if got["procsi_interceptions_mocked_total"] != 1 {
		t.Errorf("mocked = %v, want 1", got["procsi_interceptions_mocked_total"])
	}
	if got["procsi_interceptions_modified_total"] != 1 {
		t.Errorf("modified = %v, want 1", got["procsi_interceptions_modified_total"])
	}
	if got["procsi_interceptions_observed_total"] != 2 {
		t.Errorf("observed = %v, want 2", got["procsi_interceptions_observed_total"])
	}
}

func TestNilMetricsRecordersAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordInterception(capture.InterceptionMocked)
	m.RecordEvent(events.LevelError)
	m.RecordEvictions(7)
}
