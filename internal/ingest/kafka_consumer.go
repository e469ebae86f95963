package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource is one consumer-group member. Offsets are committed per
// message after the job is processed.
type KafkaSource struct {
	reader messageReader
	logger *slog.Logger
}

func NewKafkaSource(brokers []string, topic, group string, logger *slog.Logger) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaSource{reader: r, logger: logger}
}

func (k *KafkaSource) Next(ctx context.Context) (Delivery, error) {
	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			return nil, err
		}
		job, err := decodeJob(m.Value)
		if err != nil {
			k.logger.Warn("dropping undecodable dispatch job", "partition", m.Partition, "offset", m.Offset, "error", err)
			if err := k.reader.CommitMessages(ctx, m); err != nil {
				return nil, err
			}
			continue
		}
		return &kafkaDelivery{reader: k.reader, msg: m, job: job}, nil
	}
}

func (k *KafkaSource) Close() error { return k.reader.Close() }

type kafkaDelivery struct {
	reader messageReader
	msg    kafka.Message
	job    models.DispatchJob
}

func (d *kafkaDelivery) Job() models.DispatchJob { return d.job }

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.reader.CommitMessages(ctx, d.msg)
}
