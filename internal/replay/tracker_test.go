package replay

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/procsi/procsi/internal/domain/capture"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTrackerMintAndConsume(t *testing.T) {
	tr := NewTracker(testLogger())
	defer tr.Close()

	token, err := tr.Mint("req-1", capture.ReplayInitiatorTUI)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if len(token) != 32 {
		t.Errorf("token length = %d, want 32 hex chars", len(token))
	}

	id, initiator, ok := tr.Consume(token)
	if !ok || id != "req-1" || initiator != capture.ReplayInitiatorTUI {
		t.Fatalf("Consume = (%q, %q, %v)", id, initiator, ok)
	}

	// Single use.
	if _, _, ok := tr.Consume(token); ok {
		t.Error("token was redeemable twice")
	}
}

func TestTrackerUnknownToken(t *testing.T) {
	tr := NewTracker(testLogger())
	defer tr.Close()
	if _, _, ok := tr.Consume("nope"); ok {
		t.Error("unknown token was redeemable")
	}
}

func TestTrackerExpiry(t *testing.T) {
	tr := NewTracker(testLogger())
	defer tr.Close()

	current := time.Unix(1000, 0)
	tr.now = func() time.Time { return current }

	token, err := tr.Mint("req-1", capture.ReplayInitiatorMCP)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	current = current.Add(tokenTTL + time.Second)
	if _, _, ok := tr.Consume(token); ok {
		t.Error("expired token was redeemable")
	}
}

func TestTrackerSweepRemovesExpired(t *testing.T) {
	tr := NewTracker(testLogger())
	defer tr.Close()

	current := time.Unix(1000, 0)
	tr.now = func() time.Time { return current }

	if _, err := tr.Mint("old", capture.ReplayInitiatorTUI); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	current = current.Add(tokenTTL + time.Second)
	fresh, err := tr.Mint("fresh", capture.ReplayInitiatorTUI)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	tr.sweep()
	if got := tr.Pending(); got != 1 {
		t.Errorf("pending after sweep = %d, want 1", got)
	}
	if id, _, ok := tr.Consume(fresh); !ok || id != "fresh" {
		t.Errorf("fresh token not redeemable after sweep: (%q, %v)", id, ok)
	}
}

func TestTrackerCapEvictsOldest(t *testing.T) {
	tr := NewTracker(testLogger())
	defer tr.Close()

	current := time.Unix(1000, 0)
	tr.now = func() time.Time { return current }

	oldest, err := tr.Mint("victim", capture.ReplayInitiatorTUI)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for i := 0; i < maxTokens; i++ {
		current = current.Add(time.Millisecond)
		if _, err := tr.Mint(fmt.Sprintf("req-%d", i), capture.ReplayInitiatorTUI); err != nil {
			t.Fatalf("Mint %d: %v", i, err)
		}
	}

	if got := tr.Pending(); got != maxTokens {
		t.Errorf("pending = %d, want cap %d", got, maxTokens)
	}
	if _, _, ok := tr.Consume(oldest); ok {
		t.Error("oldest token survived cap eviction")
	}
}

func TestTrackerCloseIdempotent(t *testing.T) {
	tr := NewTracker(testLogger())
	tr.StartCleanup()
	tr.Close()
	tr.Close()
}
