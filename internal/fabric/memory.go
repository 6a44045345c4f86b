package fabric

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
)

// MemoryBroker is an in-process broker with partitioned topic logs and
// per-group committed offsets. Each partition has at most one delivery in
// flight per group, so order within a partition is preserved and an
// unacknowledged delivery is handed out again once its source closes.
type MemoryBroker struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][][]Message
	groups     map[string]map[partitionKey]*cursor
	signal     chan struct{}
}

type partitionKey struct {
	topic     string
	partition int32
}

type cursor struct {
	committed int64
	inflight  bool
	owner     *memSource
}

func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions < 1 {
		partitions = 1
	}
	return &MemoryBroker{
		partitions: partitions,
		topics:     make(map[string][][]Message),
		groups:     make(map[string]map[partitionKey]*cursor),
		signal:     make(chan struct{}),
	}
}

func (b *MemoryBroker) Produce(ctx context.Context, msgs ...Message) error {
	if ctx == nil {
		return fmt.Errorf("produce context is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		parts := b.topicLocked(m.Topic)
		p := b.partitionFor(m.Key)
		m.Partition = p
		m.Offset = int64(len(parts[p]))
		m.Headers = cloneHeaders(m.Headers)
		m.Value = append([]byte(nil), m.Value...)
		parts[p] = append(parts[p], m)
	}
	close(b.signal)
	b.signal = make(chan struct{})
	return nil
}

// Messages returns a copy of everything written to topic, in partition then offset order.
func (b *MemoryBroker) Messages(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, part := range b.topics[topic] {
		out = append(out, part...)
	}
	return out
}

// Subscribe opens a source for group over topics.
func (b *MemoryBroker) Subscribe(group string, topics ...string) Source {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[group] == nil {
		b.groups[group] = make(map[partitionKey]*cursor)
	}
	for _, t := range topics {
		b.topicLocked(t)
	}
	return &memSource{broker: b, group: group, topics: append([]string(nil), topics...), done: make(chan struct{})}
}

func (b *MemoryBroker) topicLocked(topic string) [][]Message {
	parts, ok := b.topics[topic]
	if !ok {
		parts = make([][]Message, b.partitions)
		b.topics[topic] = parts
	}
	return parts
}

func (b *MemoryBroker) partitionFor(key string) int32 {
	if b.partitions == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(b.partitions))
}

type memSource struct {
	broker    *MemoryBroker
	group     string
	topics    []string
	closeOnce sync.Once
	done      chan struct{}
}

func (s *memSource) Poll(ctx context.Context) ([]Delivery, error) {
	for {
		b := s.broker
		b.mu.Lock()
		select {
		case <-s.done:
			b.mu.Unlock()
			return nil, ErrClosed
		default:
		}
		out := s.collectLocked()
		wait := b.signal
		b.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-wait:
		}
	}
}

func (s *memSource) collectLocked() []Delivery {
	b := s.broker
	cursors := b.groups[s.group]
	var out []Delivery
	for _, topic := range s.topics {
		for p, log := range b.topics[topic] {
			key := partitionKey{topic: topic, partition: int32(p)}
			c := cursors[key]
			if c == nil {
				c = &cursor{}
				cursors[key] = c
			}
			if c.inflight || c.committed >= int64(len(log)) {
				continue
			}
			m := log[c.committed]
			m.Headers = cloneHeaders(m.Headers)
			c.inflight = true
			c.owner = s
			offset := m.Offset
			out = append(out, NewDelivery(m,
				func(context.Context) error {
					s.ack(key, offset)
					return nil
				},
				func(context.Context) error {
					s.release(key, offset)
					return nil
				},
			))
		}
	}
	return out
}

func (s *memSource) ack(key partitionKey, offset int64) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.groups[s.group][key]
	if c == nil || c.owner != s {
		return
	}
	if offset+1 > c.committed {
		c.committed = offset + 1
	}
	c.inflight = false
	c.owner = nil
	close(b.signal)
	b.signal = make(chan struct{})
}

// release clears the in-flight mark without moving the committed offset.
func (s *memSource) release(key partitionKey, offset int64) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.groups[s.group][key]
	if c == nil || c.owner != s || c.committed > offset {
		return
	}
	c.inflight = false
	c.owner = nil
	close(b.signal)
	b.signal = make(chan struct{})
}

// Close releases in-flight deliveries so another source in the group receives them again.
func (s *memSource) Close() error {
	s.closeOnce.Do(func() {
		b := s.broker
		b.mu.Lock()
		for _, c := range b.groups[s.group] {
			if c.owner == s {
				c.inflight = false
				c.owner = nil
			}
		}
		close(s.done)
		close(b.signal)
		b.signal = make(chan struct{})
		b.mu.Unlock()
	})
	return nil
}

var (
	_ Producer = (*MemoryBroker)(nil)
	_ Source   = (*memSource)(nil)
)
