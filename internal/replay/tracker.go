// Package replay re-sends captured requests through the local proxy so
// the new exchange is itself captured, attributed to the original via a
// single-use token.
package replay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/procsi/procsi/internal/domain/capture"
)

const (
	// tokenTTL bounds how long a minted token stays redeemable.
	tokenTTL = 60 * time.Second
	// maxTokens caps outstanding tokens; minting past the cap evicts
	// the oldest.
	maxTokens = 1000
	// sweepInterval is how often expired tokens are purged.
	sweepInterval = 30 * time.Second
)

type pendingReplay struct {
	requestID string
	initiator capture.ReplayInitiator
	mintedAt  time.Time
}

// Tracker mints and redeems replay attribution tokens. Tokens are
// single use and expire after tokenTTL.
type Tracker struct {
	mu     sync.Mutex
	tokens map[string]pendingReplay
	logger *slog.Logger

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	now func() time.Time
}

func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		tokens: make(map[string]pendingReplay),
		logger: logger,
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// StartCleanup launches the background sweep of expired tokens.
func (t *Tracker) StartCleanup() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-t.done:
				return
			}
		}
	}()
}

// Mint issues a token tying the upcoming proxied request back to the
// request it replays.
func (t *Tracker) Mint(requestID string, initiator capture.ReplayInitiator) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate replay token: %w", err)
	}
	token := hex.EncodeToString(buf)

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.tokens) >= maxTokens {
		t.evictOldestLocked()
	}
	t.tokens[token] = pendingReplay{requestID: requestID, initiator: initiator, mintedAt: t.now()}
	return token, nil
}

// Consume redeems a token exactly once. Expired or unknown tokens
// report ok=false.
func (t *Tracker) Consume(token string) (requestID string, initiator capture.ReplayInitiator, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, found := t.tokens[token]
	if !found {
		return "", "", false
	}
	delete(t.tokens, token)
	if t.now().Sub(entry.mintedAt) > tokenTTL {
		return "", "", false
	}
	return entry.requestID, entry.initiator, true
}

// Pending returns the number of outstanding tokens.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tokens)
}

// Close stops the cleanup goroutine. Idempotent.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.done)
	t.wg.Wait()
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-tokenTTL)
	removed := 0
	for token, entry := range t.tokens {
		if entry.mintedAt.Before(cutoff) {
			delete(t.tokens, token)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("swept expired replay tokens", "removed", removed, "remaining", len(t.tokens))
	}
}

func (t *Tracker) evictOldestLocked() {
	var oldestToken string
	var oldestAt time.Time
	for token, entry := range t.tokens {
		if oldestToken == "" || entry.mintedAt.Before(oldestAt) {
			oldestToken = token
			oldestAt = entry.mintedAt
		}
	}
	if oldestToken != "" {
		delete(t.tokens, oldestToken)
		t.logger.Warn("replay token cap reached, evicted oldest")
	}
}
