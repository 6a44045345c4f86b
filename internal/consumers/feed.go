package consumers

import (
	"context"
	"sync"

	"releaseflow/internal/events"
)

const FeedGroup = "activity-feed"

// Feed keeps the most recent envelopes and fans new ones out to subscribers.
// Slow subscribers miss envelopes rather than block the consumer.
type Feed struct {
	mu     sync.Mutex
	buf    []events.Envelope
	next   int
	full   bool
	subs   map[int]chan events.Envelope
	nextID int
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 100
	}
	return &Feed{buf: make([]events.Envelope, size), subs: map[int]chan events.Envelope{}}
}

// Handle is a fabric.Handler.
func (f *Feed) Handle(_ context.Context, env events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next] = env
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.full = true
	}
	for _, ch := range f.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

// Recent returns up to limit envelopes, newest first.
func (f *Feed) Recent(limit int) []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.next
	if f.full {
		n = len(f.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]events.Envelope, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (f.next - i + len(f.buf)) % len(f.buf)
		out = append(out, f.buf[idx])
	}
	return out
}

// Subscribe returns a channel of new envelopes and a func that closes it.
func (f *Feed) Subscribe(buffer int) (<-chan events.Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan events.Envelope, buffer)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
