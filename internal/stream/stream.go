package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds published by the CMS.
const (
	KindBackupAlert   = "backup.alert"
	KindBackupDone    = "backup.completed"
	KindIndexRepaired = "content.index_repaired"
	KindAuditCleanup  = "audit.cleanup"
)

// Event is an operational notice for administrators.
type Event struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients).
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int

	done      chan struct{}
	closeOnce sync.Once
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event), buffer: 16, done: make(chan struct{})}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends or the stream is closed.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, s.buffer)
	select {
	case <-s.done:
		close(ch)
		return ch
	default:
	}

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers. It never blocks.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends every subscription. Used on shutdown so SSE handlers return.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
