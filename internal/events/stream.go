// Package events distributes committed ledger changes to in-process subscribers
// and external sinks.
package events

import (
	"context"
	"sync"

	"tally.org/internal/ledger"
	"tally.org/internal/obs"
)

// Stream fan-outs ledger changes to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan ledger.Change
	next int
	buf  int
}

var _ ledger.Notifier = (*Stream)(nil)

// NewStream initialises an empty stream. Each subscriber buffers up to buf changes.
func NewStream(buf int) *Stream {
	if buf <= 0 {
		buf = 16
	}
	return &Stream{subs: make(map[int]chan ledger.Change), buf: buf}
}

// Subscribe registers a subscriber and returns a channel which will receive changes.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan ledger.Change {
	ch := make(chan ledger.Change, s.buf)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports how many clients are attached.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fan-outs the change to all subscribers. Slow subscribers miss changes
// rather than block the writer.
func (s *Stream) Publish(c ledger.Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Stream) Notify(_ context.Context, c ledger.Change) {
	s.Publish(c)
	obs.EventPublished("sse", nil)
}
