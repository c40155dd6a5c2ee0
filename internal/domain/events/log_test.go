package events

import "testing"

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l := NewLog(10)
	var last int64
	for i := 0; i < 5; i++ {
		ev := l.Append(Event{Type: TypeMatched, Interceptor: "a"})
		if ev.Seq <= last {
			t.Fatalf("seq %d not greater than previous %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestLevelDerivedFromType(t *testing.T) {
	l := NewLog(10)
	cases := []struct {
		typ  Type
		want Level
	}{
		{TypeMocked, LevelInfo},
		{TypeUserLog, LevelInfo},
		{TypeHandlerTimeout, LevelWarn},
		{TypeForwardAfterComplete, LevelWarn},
		{TypeHandlerError, LevelError},
		{TypeLoadError, LevelError},
	}
	for _, c := range cases {
		if got := l.Append(Event{Type: c.typ}).Level; got != c.want {
			t.Errorf("level for %q = %q, want %q", c.typ, got, c.want)
		}
	}
}

func TestOverflowAdjustsCounters(t *testing.T) {
	l := NewLog(3)
	l.Append(Event{Type: TypeHandlerError})
	l.Append(Event{Type: TypeMatched})
	l.Append(Event{Type: TypeMatched})

	if c := l.Counts(); c.Error != 1 || c.Info != 2 {
		t.Fatalf("counts before overflow = %+v", c)
	}

	// Evicts the error event.
	l.Append(Event{Type: TypeHandlerTimeout})

	c := l.Counts()
	if c.Error != 0 || c.Info != 2 || c.Warn != 1 {
		t.Fatalf("counts after overflow = %+v", c)
	}
	if got := len(l.Latest(0)); got != 3 {
		t.Fatalf("retained %d events, want 3", got)
	}
}

func TestSeqKeepsIncreasingAcrossOverflowAndClear(t *testing.T) {
	l := NewLog(2)
	for i := 0; i < 5; i++ {
		l.Append(Event{Type: TypeMatched})
	}
	l.Clear()
	ev := l.Append(Event{Type: TypeMatched})
	if ev.Seq != 6 {
		t.Fatalf("seq after clear = %d, want 6", ev.Seq)
	}
	if c := l.Counts(); c.Info != 1 {
		t.Fatalf("counts after clear = %+v", c)
	}
}

func TestSincePredicates(t *testing.T) {
	l := NewLog(10)
	l.Append(Event{Type: TypeMatched, Interceptor: "a"})
	mark := l.Append(Event{Type: TypeHandlerError, Interceptor: "a"}).Seq
	l.Append(Event{Type: TypeMocked, Interceptor: "b"})
	l.Append(Event{Type: TypeHandlerTimeout, Interceptor: "a"})
	l.Append(Event{Type: TypeLoadError, Interceptor: "b"})

	got := l.Since(0, Query{})
	if len(got) != 5 {
		t.Fatalf("unfiltered Since returned %d events", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatal("Since results not chronological")
		}
	}

	if got := l.Since(mark, Query{}); len(got) != 3 {
		t.Fatalf("Since(mark) returned %d events, want 3", len(got))
	}
	if got := l.Since(0, Query{Level: LevelWarn}); len(got) != 3 {
		t.Fatalf("warn-and-above returned %d events, want 3", len(got))
	}
	if got := l.Since(0, Query{Level: LevelError}); len(got) != 2 {
		t.Fatalf("error-only returned %d events, want 2", len(got))
	}
	if got := l.Since(0, Query{Interceptor: "b"}); len(got) != 2 {
		t.Fatalf("interceptor filter returned %d events, want 2", len(got))
	}
	if got := l.Since(0, Query{Type: TypeHandlerTimeout}); len(got) != 1 {
		t.Fatalf("type filter returned %d events, want 1", len(got))
	}
	if got := l.Since(0, Query{Limit: 2}); len(got) != 2 {
		t.Fatalf("limit returned %d events, want 2", len(got))
	}
}

func TestLatestReturnsTail(t *testing.T) {
	l := NewLog(10)
	for i := 0; i < 4; i++ {
		l.Append(Event{Type: TypeMatched})
	}
	got := l.Latest(2)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("Latest(2) = %+v", got)
	}
}

func TestObserverSeesStoredEvents(t *testing.T) {
	l := NewLog(10)
	var seen []Event
	l.SetObserver(func(ev Event) { seen = append(seen, ev) })

	l.Append(Event{Type: TypeMatched})
	l.Append(Event{Type: TypeHandlerError})

	if len(seen) != 2 {
		t.Fatalf("observer saw %d events, want 2", len(seen))
	}
	// The observer receives the stored copy, enrichment included.
	if seen[0].Seq != 1 || seen[0].Level != LevelInfo {
		t.Errorf("first observed event = %+v", seen[0])
	}
	if seen[1].Seq != 2 || seen[1].Level != LevelError {
		t.Errorf("second observed event = %+v", seen[1])
	}

	l.SetObserver(nil)
	l.Append(Event{Type: TypeMatched})
	if len(seen) != 2 {
		t.Fatalf("removed observer still called, saw %d events", len(seen))
	}
}

func TestErrorCountSince(t *testing.T) {
	l := NewLog(10)
	l.Append(Event{Type: TypeLoadError})
	mark := l.Append(Event{Type: TypeMatched}).Seq
	l.Append(Event{Type: TypeHandlerError})
	l.Append(Event{Type: TypeMatchError})

	if got := l.ErrorCountSince(0); got != 3 {
		t.Fatalf("ErrorCountSince(0) = %d, want 3", got)
	}
	if got := l.ErrorCountSince(mark); got != 2 {
		t.Fatalf("ErrorCountSince(mark) = %d, want 2", got)
	}
}
