package fabric

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"releaseflow/internal/events"
	rflog "releaseflow/internal/log"
)

// Handler processes one envelope. Returning an error schedules a retry.
type Handler func(ctx context.Context, env events.Envelope) error

type HarnessMetrics interface {
	Retried(topic string)
	DeadLettered(topic string)
	Duplicate(group string)
}

// Harness runs a Handler for a consumer group: dedupe by envelope id, ack
// after success, republish to the retry topic on failure and to the DLQ once
// the policy is exhausted. A Terminal harness never republishes.
type Harness struct {
	Group    string
	Source   Source
	Producer Producer
	Handler  Handler
	Policy   RetryPolicy
	Dedupe   Deduper
	Terminal bool
	Metrics  HarnessMetrics
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
	Log      zerolog.Logger
}

func NewHarness(group string, src Source, producer Producer, h Handler) *Harness {
	return &Harness{
		Group:    group,
		Source:   src,
		Producer: producer,
		Handler:  h,
		Policy:   DefaultRetryPolicy(),
		Now:      time.Now,
		Sleep:    sleepCtx,
		Log:      rflog.WithComponent("consumer").With().Str(rflog.FieldGroup, group).Logger(),
	}
}

// Run polls until ctx is cancelled or the source is closed.
func (h *Harness) Run(ctx context.Context) error {
	for {
		batch, err := h.Source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			h.Log.Error().Err(err).Msg("poll")
			if serr := h.sleep(ctx, time.Second); serr != nil {
				return nil
			}
			continue
		}
		if err := h.HandleBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.Log.Error().Err(err).Msg("handle batch")
			if serr := h.sleep(ctx, h.Policy.Delay(1)); serr != nil {
				return nil
			}
		}
	}
}

// HandleBatch processes partitions concurrently and each partition in arrival order.
// A partition stops at its first infrastructure error. The failed delivery is
// nacked, so it and the rest of its partition come back on a later poll.
func (h *Harness) HandleBatch(ctx context.Context, batch []Delivery) error {
	type tp struct {
		topic     string
		partition int32
	}
	var order []tp
	byPartition := make(map[tp][]Delivery)
	for _, d := range batch {
		key := tp{d.Topic, d.Partition}
		if _, ok := byPartition[key]; !ok {
			order = append(order, key)
		}
		byPartition[key] = append(byPartition[key], d)
	}
	var g errgroup.Group
	for _, key := range order {
		deliveries := byPartition[key]
		g.Go(func() error {
			for _, d := range deliveries {
				if err := h.Handle(ctx, d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Handle processes a single delivery and acknowledges it. When republishing to
// the retry or dead-letter topic fails the delivery is nacked instead.
func (h *Harness) Handle(ctx context.Context, d Delivery) error {
	logger := h.Log.With().
		Str(rflog.FieldTopic, d.Topic).
		Int32(rflog.FieldPartition, d.Partition).
		Int64(rflog.FieldOffset, d.Offset).
		Logger()

	env, err := events.Unmarshal(d.Value)
	if err != nil {
		logger.Warn().Err(err).Msg("skipping undecodable message")
		return d.Ack(ctx)
	}
	key := h.Group + ":" + env.ID
	if g := d.Header(HeaderGroup); g != "" && g != h.Group {
		// dead letters from different groups share an envelope id
		key = h.Group + ":" + g + ":" + env.ID
	}
	if h.Dedupe != nil {
		seen, err := h.Dedupe.Seen(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Str(rflog.FieldEventID, env.ID).Msg("dedupe lookup failed; handling anyway")
		} else if seen {
			if h.Metrics != nil {
				h.Metrics.Duplicate(h.Group)
			}
			logger.Debug().Str(rflog.FieldEventID, env.ID).Msg("duplicate delivery")
			return d.Ack(ctx)
		}
	}
	if nb, ok := notBeforeOf(d.Message); ok {
		if wait := nb.Sub(h.now()); wait > 0 {
			if err := h.sleep(ctx, wait); err != nil {
				return h.nack(d, err)
			}
		}
	}

	attempt := attemptOf(d.Message)
	herr := h.Handler(withMessage(ctx, d.Message), env)
	if herr == nil {
		if h.Dedupe != nil {
			if err := h.Dedupe.Mark(ctx, key); err != nil {
				logger.Warn().Err(err).Str(rflog.FieldEventID, env.ID).Msg("dedupe mark failed")
			}
		}
		return d.Ack(ctx)
	}

	logger = logger.With().
		Str(rflog.FieldEventID, env.ID).
		Str(rflog.FieldEventType, env.EventType).
		Int(rflog.FieldAttempt, attempt).
		Logger()
	if h.Terminal {
		logger.Error().Err(herr).Msg("handler failed on terminal topic")
		return d.Ack(ctx)
	}
	origin := d.Header(HeaderOriginalTopic)
	if origin == "" {
		origin = OriginalTopic(strings.TrimSuffix(d.Topic, "."+h.Group+RetrySuffix))
	}
	if attempt < h.Policy.attempts() {
		next := cloneHeaders(d.Headers)
		next[HeaderAttempt] = strconv.Itoa(attempt + 1)
		next[HeaderOriginalTopic] = origin
		next[HeaderNotBefore] = h.now().Add(h.Policy.Delay(attempt)).UTC().Format(time.RFC3339Nano)
		next[HeaderLastError] = herr.Error()
		next[HeaderGroup] = h.Group
		msg := Message{Topic: RetryTopic(origin, h.Group), Key: d.Key, Value: d.Value, Headers: next}
		if err := h.Producer.Produce(ctx, msg); err != nil {
			return h.nack(d, fmt.Errorf("republish %s to %s: %w", env.ID, msg.Topic, err))
		}
		if h.Metrics != nil {
			h.Metrics.Retried(origin)
		}
		logger.Warn().Err(herr).Msg("handler failed; scheduled retry")
		return d.Ack(ctx)
	}

	dead := cloneHeaders(d.Headers)
	delete(dead, HeaderNotBefore)
	dead[HeaderAttempt] = strconv.Itoa(attempt)
	dead[HeaderOriginalTopic] = origin
	dead[HeaderFailureReason] = failureReason(herr)
	dead[HeaderGroup] = h.Group
	msg := Message{Topic: DLQTopic(origin), Key: d.Key, Value: d.Value, Headers: dead}
	if err := h.Producer.Produce(ctx, msg); err != nil {
		return h.nack(d, fmt.Errorf("dead-letter %s to %s: %w", env.ID, msg.Topic, err))
	}
	if h.Metrics != nil {
		h.Metrics.DeadLettered(origin)
	}
	logger.Error().Err(herr).Msg("retries exhausted; dead-lettered")
	return d.Ack(ctx)
}

func (h *Harness) nack(d Delivery, cause error) error {
	// the handling context may already be cancelled; nack must still run
	if err := d.Nack(context.Background()); err != nil {
		return errors.Join(cause, fmt.Errorf("nack %s/%d@%d: %w", d.Topic, d.Partition, d.Offset, err))
	}
	return cause
}

type messageKey struct{}

func withMessage(ctx context.Context, m Message) context.Context {
	return context.WithValue(ctx, messageKey{}, m)
}

// MessageFrom returns the broker message behind the envelope a Handler is processing.
func MessageFrom(ctx context.Context) (Message, bool) {
	m, ok := ctx.Value(messageKey{}).(Message)
	return m, ok
}

func failureReason(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}

func (h *Harness) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Harness) sleep(ctx context.Context, d time.Duration) error {
	if h.Sleep != nil {
		return h.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
