package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nsqio/go-nsq"

	"github.com/example/ride-dispatch/internal/models"
)

// NSQProducer publishes dispatch jobs to an nsqd topic.
type NSQProducer struct {
	producer *nsq.Producer
	topic    string
}

func NewNSQProducer(address, topic string) (*NSQProducer, error) {
	producer, err := nsq.NewProducer(address, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("failed to ping NSQ daemon: %w", err)
	}
	return &NSQProducer{producer: producer, topic: topic}, nil
}

func (p *NSQProducer) Enqueue(ctx context.Context, job models.DispatchJob) error {
	b, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("failed to publish dispatch job: %w", err)
	}
	return nil
}

func (p *NSQProducer) Close() error {
	p.producer.Stop()
	return nil
}

// NSQSource hands NSQ messages to the pool without auto-finishing them; a
// message is finished on Ack, or requeued by nsqd after its timeout. One
// NSQSource may be shared by every pool goroutine.
type NSQSource struct {
	consumer   *nsq.Consumer
	deliveries chan *nsqDelivery
	stopping   chan struct{}
	stopOnce   sync.Once
	logger     *slog.Logger
}

func newNSQSource(logger *slog.Logger) *NSQSource {
	return &NSQSource{
		deliveries: make(chan *nsqDelivery),
		stopping:   make(chan struct{}),
		logger:     logger,
	}
}

func NewNSQSource(address, topic, channel string, inFlight int, logger *slog.Logger) (*NSQSource, error) {
	cfg := nsq.NewConfig()
	if inFlight > 0 {
		cfg.MaxInFlight = inFlight
	}
	consumer, err := nsq.NewConsumer(topic, channel, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	s := newNSQSource(logger)
	s.consumer = consumer
	consumer.AddHandler(nsq.HandlerFunc(s.handle))
	if err := consumer.ConnectToNSQD(address); err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("failed to connect to NSQ daemon: %w", err)
	}
	return s, nil
}

func (s *NSQSource) handle(m *nsq.Message) error {
	job, err := decodeJob(m.Body)
	if err != nil {
		// finished by the auto response
		s.logger.Warn("dropping undecodable dispatch job", "attempts", m.Attempts, "error", err)
		return nil
	}
	m.DisableAutoResponse()
	select {
	case s.deliveries <- &nsqDelivery{msg: m, job: job}:
	case <-s.stopping:
		m.Requeue(-1)
	}
	return nil
}

func (s *NSQSource) Next(ctx context.Context) (Delivery, error) {
	select {
	case d := <-s.deliveries:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *NSQSource) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopping)
		if s.consumer != nil {
			s.consumer.Stop()
			<-s.consumer.StopChan
		}
	})
	return nil
}

type nsqDelivery struct {
	msg *nsq.Message
	job models.DispatchJob
}

func (d *nsqDelivery) Job() models.DispatchJob { return d.job }

func (d *nsqDelivery) Ack(ctx context.Context) error {
	d.msg.Finish()
	return nil
}
