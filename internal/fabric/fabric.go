package fabric

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	RetrySuffix = ".retry"
	DLQSuffix   = ".DLQ"
)

// Headers set by the harness on retry and dead-letter republishes.
const (
	HeaderEventType     = "eventType"
	HeaderEventID       = "id"
	HeaderAttempt       = "x-attempt"
	HeaderOriginalTopic = "x-original-topic"
	HeaderNotBefore     = "x-not-before"
	HeaderLastError     = "x-last-error"
	HeaderFailureReason = "x-failure-reason"
	HeaderGroup         = "x-consumer-group"
)

// ErrClosed is returned by a Source after Close.
var ErrClosed = errors.New("fabric: source closed")

type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Header returns the header value or "".
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Producer writes messages and returns only after the broker acknowledged all of them.
type Producer interface {
	Produce(ctx context.Context, msgs ...Message) error
}

// Delivery is a consumed message that must be acknowledged after handling.
// Unacknowledged deliveries are redelivered to the consumer group.
type Delivery struct {
	Message
	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

func NewDelivery(m Message, ack, nack func(ctx context.Context) error) Delivery {
	return Delivery{Message: m, ack: ack, nack: nack}
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack gives the delivery back to its partition so the next poll hands out
// the same offset again. Later offsets of that partition wait behind it.
func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Source yields deliveries for one consumer group.
type Source interface {
	Poll(ctx context.Context) ([]Delivery, error)
	Close() error
}

// RetryTopic is private to one consumer group, so a retry scheduled by one
// group is never handled again by another.
func RetryTopic(topic, group string) string { return OriginalTopic(topic) + "." + group + RetrySuffix }
func DLQTopic(topic string) string          { return OriginalTopic(topic) + DLQSuffix }
func IsDLQ(topic string) bool               { return strings.HasSuffix(topic, DLQSuffix) }
func IsRetry(topic string) bool             { return strings.HasSuffix(topic, RetrySuffix) }

// OriginalTopic strips a DLQ suffix. Retry topics carry their origin in
// HeaderOriginalTopic because the group segment cannot be told apart from
// the topic name.
func OriginalTopic(topic string) string {
	return strings.TrimSuffix(topic, DLQSuffix)
}

// ConsumeTopics returns each primary topic together with group's retry topic for it.
func ConsumeTopics(group string, primary ...string) []string {
	out := make([]string, 0, len(primary)*2)
	for _, t := range primary {
		out = append(out, t, RetryTopic(t, group))
	}
	return out
}

// DLQTopics maps primary topics to their dead-letter topics.
func DLQTopics(primary ...string) []string {
	out := make([]string, 0, len(primary))
	for _, t := range primary {
		out = append(out, DLQTopic(t))
	}
	return out
}

func attemptOf(m Message) int {
	n, err := strconv.Atoi(m.Header(HeaderAttempt))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func notBeforeOf(m Message) (time.Time, bool) {
	v := m.Header(HeaderNotBefore)
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+4)
	for k, v := range h {
		out[k] = v
	}
	return out
}
