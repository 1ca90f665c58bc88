// Package kafkabus implements the GDPR message bus on Kafka. Each routing key
// maps to a topic of the same name; every subscriber consumes in its own
// consumer group so the shared reply address stays a broadcast to exactly one
// aggregator group.
package kafkabus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"skillswap/internal/bus"

	"github.com/twmb/franz-go/pkg/kgo"
)

type Config struct {
	Brokers        []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	Auth           AuthConfig
	Fetch          FetchConfig
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

type task struct {
	handler bus.Handler
	record  *kgo.Record
}

type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]bus.Handler
	started  bool

	client   *kgo.Client
	producer *kgo.Client
	tasks    chan task
	closed   atomic.Bool
	wg       sync.WaitGroup

	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
}

func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]bus.Handler),
		tasks:    make(chan task, cfg.QueueCapacity),
	}, nil
}

func (b *Bus) Subscribe(routingKey string, h bus.Handler) error {
	if routingKey == "" {
		return fmt.Errorf("kafka routing key is required")
	}
	if h == nil {
		return fmt.Errorf("kafka handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("kafka subscribe after start")
	}
	if _, dup := b.handlers[routingKey]; dup {
		return fmt.Errorf("kafka duplicate subscription for %s", routingKey)
	}
	b.handlers[routingKey] = h
	return nil
}

func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("kafka bus already started")
	}

	baseOpts := []kgo.Opt{kgo.SeedBrokers(b.cfg.Brokers...)}
	if b.cfg.ClientID != "" {
		baseOpts = append(baseOpts, kgo.ClientID(b.cfg.ClientID))
	}
	if b.cfg.Auth.TLS.Enabled {
		baseOpts = append(baseOpts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: b.cfg.Auth.TLS.InsecureSkipVerify}))
	}

	producer, err := kgo.NewClient(baseOpts...)
	if err != nil {
		return fmt.Errorf("new kafka producer: %w", err)
	}
	b.producer = producer

	if len(b.handlers) > 0 {
		topics := make([]string, 0, len(b.handlers))
		for key := range b.handlers {
			topics = append(topics, key)
		}
		consumerOpts := append([]kgo.Opt{}, baseOpts...)
		consumerOpts = append(consumerOpts,
			kgo.ConsumerGroup(b.cfg.GroupID),
			kgo.ConsumeTopics(topics...),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
			kgo.FetchMaxWait(b.cfg.Fetch.MaxWait),
			kgo.FetchMinBytes(b.cfg.Fetch.MinBytes),
			kgo.FetchMaxBytes(b.cfg.Fetch.MaxBytes),
		)
		client, err := kgo.NewClient(consumerOpts...)
		if err != nil {
			producer.Close()
			return fmt.Errorf("new kafka consumer: %w", err)
		}
		b.client = client
		b.markCommit = func(r *kgo.Record) { client.MarkCommitRecords(r) }
		b.commitMarked = func(ctx context.Context) error { return client.CommitMarkedOffsets(ctx) }

		for i := 0; i < b.cfg.WorkerCount; i++ {
			b.wg.Add(1)
			go b.runWorker(ctx)
		}
		b.wg.Add(1)
		go b.pollLoop(ctx)
	}

	b.started = true
	return nil
}

func (b *Bus) Publish(ctx context.Context, routingKey string, body []byte) error {
	if b.producer == nil {
		return fmt.Errorf("kafka bus not started")
	}
	rec := &kgo.Record{Topic: routingKey, Value: body}
	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	// Closing the consumer unblocks a PollRecords sitting on an idle broker;
	// the poll loop then drains and the workers exit behind it.
	if b.client != nil {
		b.client.Close()
	}
	b.wg.Wait()
	if b.producer != nil {
		b.producer.Close()
	}
	return nil
}

func (b *Bus) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	defer close(b.tasks)
	for {
		if ctx.Err() != nil || b.closed.Load() {
			return
		}
		fetches := b.client.PollRecords(ctx, b.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return
				}
				b.logger.Warn("kafka fetch error", "topic", fe.Topic, "error", fe.Err)
			}
			continue
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			h := b.handlerFor(p.Topic)
			if h == nil {
				return
			}
			for _, rec := range p.Records {
				select {
				case b.tasks <- task{handler: h, record: rec}:
				case <-ctx.Done():
					return
				}
			}
		})
		b.client.AllowRebalance()
	}
}

func (b *Bus) runWorker(ctx context.Context) {
	defer b.wg.Done()
	for t := range b.tasks {
		err := t.handler(ctx, bus.Delivery{RoutingKey: t.record.Topic, Body: t.record.Value})
		if err != nil {
			if bus.Retryable(err) {
				// Leave the offset uncommitted; a rebalance or restart
				// redelivers the record.
				b.logger.Warn("leaving record uncommitted", "topic", t.record.Topic, "error", err)
				continue
			}
			b.logger.Warn("dropping record", "topic", t.record.Topic, "error", err)
		}
		b.commit(ctx, t.record)
	}
}

// commit marks one record and flushes the marked offsets. Offsets are only
// committed here, after the handler finished, never by an auto-commit timer
// racing ahead of in-flight work.
func (b *Bus) commit(ctx context.Context, rec *kgo.Record) {
	b.markCommit(rec)
	if err := b.commitMarked(ctx); err != nil {
		b.logger.Warn("kafka offset commit failed", "topic", rec.Topic, "error", err)
	}
}

func (b *Bus) handlerFor(topic string) bus.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[topic]
}
