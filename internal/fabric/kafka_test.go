package fabric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"releaseflow/internal/events"
)

type mockKafkaClient struct {
	produceErr   error
	records      []*kgo.Record
	produceCalls int
}

func (m *mockKafkaClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.produceCalls++
	m.records = append(m.records, rs...)
	if m.produceErr != nil {
		return kgo.ProduceResults{{Err: m.produceErr}}
	}
	return kgo.ProduceResults{}
}

func TestKafkaBrokerProduce(t *testing.T) {
	mock := &mockKafkaClient{}
	broker := NewKafkaBroker(mock)
	err := broker.Produce(context.Background(), Message{
		Topic:   "release.events",
		Key:     "TaskStarted",
		Value:   []byte(`{"id":"x"}`),
		Headers: map[string]string{HeaderEventID: "x", "schema": "v1"},
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if mock.produceCalls != 1 || len(mock.records) != 1 {
		t.Fatalf("expected 1 produce call with 1 record, got %d/%d", mock.produceCalls, len(mock.records))
	}
	rec := mock.records[0]
	if rec.Topic != "release.events" || string(rec.Key) != "TaskStarted" {
		t.Errorf("unexpected record routing %s/%s", rec.Topic, string(rec.Key))
	}
	if len(rec.Headers) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(rec.Headers))
	}
	back := recordToMessage(rec)
	if back.Header(HeaderEventID) != "x" || back.Header("schema") != "v1" {
		t.Errorf("headers lost in conversion: %+v", back.Headers)
	}
}

func TestKafkaBrokerProduceError(t *testing.T) {
	expected := errors.New("kafka connection failed")
	broker := NewKafkaBroker(&mockKafkaClient{produceErr: expected})
	err := broker.Produce(context.Background(), Message{Topic: "release.events", Key: "k"})
	if !errors.Is(err, expected) {
		t.Fatalf("expected wrapped produce error, got %v", err)
	}
}

type mockKafkaConsumer struct {
	fetches   []kgo.Fetches
	committed []*kgo.Record
	rewinds   []map[string]map[int32]kgo.EpochOffset
	closed    bool
}

func (m *mockKafkaConsumer) PollFetches(context.Context) kgo.Fetches {
	if len(m.fetches) == 0 {
		return kgo.NewErrFetch(kgo.ErrClientClosed)
	}
	f := m.fetches[0]
	m.fetches = m.fetches[1:]
	return f
}

func (m *mockKafkaConsumer) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	m.committed = append(m.committed, rs...)
	return nil
}

func (m *mockKafkaConsumer) SetOffsets(offsets map[string]map[int32]kgo.EpochOffset) {
	m.rewinds = append(m.rewinds, offsets)
}

func (m *mockKafkaConsumer) Close() { m.closed = true }

func fetchOf(topic string, partition int32, recs ...*kgo.Record) kgo.Fetches {
	for _, r := range recs {
		r.Topic = topic
		r.Partition = partition
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: partition, Records: recs}},
	}}}}
}

func TestKafkaSourceAckCommitsAndNackRewinds(t *testing.T) {
	first := &kgo.Record{Key: []byte("k"), Value: []byte("a"), Offset: 7, LeaderEpoch: 2}
	second := &kgo.Record{Key: []byte("k"), Value: []byte("b"), Offset: 8, LeaderEpoch: 2}
	mock := &mockKafkaConsumer{fetches: []kgo.Fetches{fetchOf("release.events", 1, first, second)}}
	src := NewKafkaSource(mock)
	ctx := context.Background()

	batch, err := src.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(batch) != 2 || batch[0].Offset != 7 || batch[1].Partition != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if len(mock.committed) != 0 {
		t.Fatalf("nothing may be committed before ack")
	}
	if err := batch[0].Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(mock.committed) != 1 || mock.committed[0] != first {
		t.Fatalf("expected first record committed, got %v", mock.committed)
	}
	if err := batch[1].Nack(ctx); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if len(mock.rewinds) != 1 {
		t.Fatalf("expected one rewind, got %d", len(mock.rewinds))
	}
	got := mock.rewinds[0]["release.events"][1]
	if got.Offset != 8 || got.Epoch != 2 {
		t.Fatalf("expected rewind to offset 8 epoch 2, got %+v", got)
	}
	if len(mock.committed) != 1 {
		t.Fatalf("nack must not commit")
	}
}

func TestKafkaSourceClosedClient(t *testing.T) {
	mock := &mockKafkaConsumer{}
	src := NewKafkaSource(mock)
	if _, err := src.Poll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !mock.closed {
		t.Fatalf("client not closed")
	}
}

func TestKafkaSourceRewindsWhenRetryCannotBePublished(t *testing.T) {
	env, err := events.NewEnvelope(events.TaskStarted{DeveloperID: "dev-1", ReleaseID: "r1", TaskID: "t1", TaskTitle: "Build"}, "release-service", "env-k", time.Now())
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	value, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rec := &kgo.Record{Key: []byte(env.EventType), Value: value, Offset: 42}
	mock := &mockKafkaConsumer{fetches: []kgo.Fetches{fetchOf("release.events", 0, rec)}}
	producer := NewKafkaBroker(&mockKafkaClient{produceErr: errors.New("leader not available")})

	h := NewHarness("notification", NewKafkaSource(mock), producer, func(context.Context, events.Envelope) error {
		return errors.New("smtp unavailable")
	})
	h.Log = zerolog.Nop()
	ctx := context.Background()
	batch, err := h.Source.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := h.HandleBatch(ctx, batch); err == nil {
		t.Fatalf("expected republish error")
	}
	if len(mock.committed) != 0 {
		t.Fatalf("failed record must not be committed, got %v", mock.committed)
	}
	if len(mock.rewinds) != 1 || mock.rewinds[0]["release.events"][0].Offset != 42 {
		t.Fatalf("expected rewind to offset 42, got %+v", mock.rewinds)
	}
}
