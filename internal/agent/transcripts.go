// Package agent provides the agent engine abstraction layer.
//
// transcripts.go - Conversation history keyed by resume token
//
// Each engine owns one Transcripts store. Entries expire after the
// configured TTL and the store never holds more than maxEntries
// conversations; the least recently touched entry is evicted first.

package agent

import (
	"sync"
	"time"
)

// Exchange is one user turn and the assistant reply it produced
type Exchange struct {
	User      string
	Assistant string
}

type transcript struct {
	exchanges []Exchange
	touched   time.Time
}

// Transcripts stores conversation history for resumable sessions
type Transcripts struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*transcript
}

// NewTranscripts creates a store. ttl <= 0 disables expiry and
// maxEntries <= 0 disables the size cap.
func NewTranscripts(ttl time.Duration, maxEntries int) *Transcripts {
	return &Transcripts{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]*transcript),
	}
}

// Load returns a copy of the history for token.
func (t *Transcripts) Load(token string) []Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictLocked()
	tr, ok := t.entries[token]
	if !ok {
		return nil
	}
	tr.touched = t.now()
	out := make([]Exchange, len(tr.exchanges))
	copy(out, tr.exchanges)
	return out
}

// Append records one exchange under token.
func (t *Transcripts) Append(token string, ex Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.entries[token]
	if !ok {
		tr = &transcript{}
		t.entries[token] = tr
	}
	tr.exchanges = append(tr.exchanges, ex)
	tr.touched = t.now()
	t.evictLocked()
}

// Len returns the number of stored conversations.
func (t *Transcripts) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Transcripts) evictLocked() {
	now := t.now()
	if t.ttl > 0 {
		for token, tr := range t.entries {
			if now.Sub(tr.touched) > t.ttl {
				delete(t.entries, token)
			}
		}
	}
	for t.maxEntries > 0 && len(t.entries) > t.maxEntries {
		var oldest string
		var oldestAt time.Time
		for token, tr := range t.entries {
			if oldest == "" || tr.touched.Before(oldestAt) {
				oldest, oldestAt = token, tr.touched
			}
		}
		delete(t.entries, oldest)
	}
}
