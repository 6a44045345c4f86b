package fabric

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	rflog "releaseflow/internal/log"
)

// KafkaConfig holds the client settings shared by producers and consumers.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
}

// NewKafkaProducerClient builds a client whose produce requests wait for all
// in-sync replicas. franz-go enables the idempotent producer by default.
func NewKafkaProducerClient(cfg KafkaConfig) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
		kgo.ProduceRequestTimeout(10*time.Second),
		kgo.RecordDeliveryTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return client, nil
}

// NewKafkaConsumerClient builds a group consumer with manual commits.
func NewKafkaConsumerClient(cfg KafkaConfig, group string, topics ...string) (*kgo.Client, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.AllowAutoTopicCreation(),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer %s: %w", group, err)
	}
	return client, nil
}

// KafkaProducer is the subset of *kgo.Client used for producing.
type KafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type KafkaBroker struct {
	client KafkaProducer
}

func NewKafkaBroker(client KafkaProducer) *KafkaBroker {
	return &KafkaBroker{client: client}
}

func (k *KafkaBroker) Produce(ctx context.Context, msgs ...Message) error {
	records := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, messageToRecord(m))
	}
	if err := k.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	return nil
}

func messageToRecord(m Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return &kgo.Record{
		Topic:   m.Topic,
		Key:     []byte(m.Key),
		Value:   m.Value,
		Headers: headers,
	}
}

func recordToMessage(rec *kgo.Record) Message {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     rec.Topic,
		Key:       string(rec.Key),
		Value:     rec.Value,
		Headers:   headers,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	}
}

// KafkaConsumer is the subset of *kgo.Client used by KafkaSource.
type KafkaConsumer interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(offsets map[string]map[int32]kgo.EpochOffset)
	Close()
}

// KafkaSource adapts a consumer-group client to Source. Acks commit the record
// offset. Nacks rewind the partition to the record so it is fetched again
// instead of being skipped by a later commit.
type KafkaSource struct {
	client KafkaConsumer
	log    zerolog.Logger
}

func NewKafkaSource(client KafkaConsumer) *KafkaSource {
	return &KafkaSource{client: client, log: rflog.WithComponent("kafka-source")}
}

func (s *KafkaSource) Poll(ctx context.Context) ([]Delivery, error) {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fetches.EachError(func(t string, p int32, err error) {
			s.log.Warn().Err(err).Str(rflog.FieldTopic, t).Int32(rflog.FieldPartition, p).Msg("fetch error")
		})
		var out []Delivery
		fetches.EachRecord(func(rec *kgo.Record) {
			out = append(out, NewDelivery(recordToMessage(rec),
				func(ctx context.Context) error {
					return s.client.CommitRecords(ctx, rec)
				},
				func(context.Context) error {
					s.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
						rec.Topic: {rec.Partition: {Epoch: rec.LeaderEpoch, Offset: rec.Offset}},
					})
					return nil
				},
			))
		})
		if len(out) > 0 {
			return out, nil
		}
	}
}

func (s *KafkaSource) Close() error {
	s.client.Close()
	return nil
}

var (
	_ Producer = (*KafkaBroker)(nil)
	_ Source   = (*KafkaSource)(nil)
)
