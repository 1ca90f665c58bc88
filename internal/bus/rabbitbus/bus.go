// Package rabbitbus implements the GDPR message bus on RabbitMQ. All traffic
// flows through one topic exchange; every subscription owns a durable queue
// bound to its routing key.
package rabbitbus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"skillswap/internal/bus"

	"github.com/rabbitmq/amqp091-go"
)

type Config struct {
	URL           string
	Endpoints     []string
	Exchange      string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
	// QueueOwner suffixes the shared reply queue so each aggregator instance
	// consumes its own queue (e.g. "gateway" -> gdpr.export.response.gateway).
	QueueOwner string
	// ReplyTTL bounds how long an unconsumed reply may sit in the reply queue.
	ReplyTTL time.Duration
	TLS      TLSConfig
	Auth     AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

type subscription struct {
	routingKey string
	queue      string
	args       amqp091.Table
	handler    bus.Handler
}

type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	subs    []*subscription
	started bool

	conn     *amqp091.Connection
	ch       *amqp091.Channel
	pubCh    *amqp091.Channel
	pubMu    sync.Mutex
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	sub      *subscription
	delivery amqp091.Delivery
}

func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "skillswap-gdpr"
	}
	if cfg.ReplyTTL <= 0 {
		cfg.ReplyTTL = 60 * time.Second
	}
	return &Bus{
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
		ops:    make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

func (b *Bus) Subscribe(routingKey string, h bus.Handler) error {
	if routingKey == "" {
		return fmt.Errorf("rabbitmq routing key is required")
	}
	if h == nil {
		return fmt.Errorf("rabbitmq handler is required")
	}
	sub := &subscription{routingKey: routingKey, queue: routingKey, handler: h}
	if routingKey == bus.ExportReplyKey() {
		if b.cfg.QueueOwner != "" {
			sub.queue = routingKey + "." + b.cfg.QueueOwner
		}
		sub.args = amqp091.Table{"x-message-ttl": b.cfg.ReplyTTL.Milliseconds()}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("rabbitmq subscribe after start")
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("rabbitmq bus already started")
	}

	dialCfg := amqp091.Config{}
	if b.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: b.cfg.Auth.Username, Password: b.cfg.Auth.Password}}
	}
	if tlsCfg, err := b.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(b.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("open rabbitmq publish channel: %w", err)
	}
	if err := ch.Qos(b.cfg.PrefetchCount, 0, false); err != nil {
		b.teardown(pubCh, ch, conn)
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		b.teardown(pubCh, ch, conn)
		return fmt.Errorf("declare exchange: %w", err)
	}

	for i, sub := range b.subs {
		if _, err := ch.QueueDeclare(sub.queue, true, false, false, false, sub.args); err != nil {
			b.teardown(pubCh, ch, conn)
			return fmt.Errorf("declare queue %s: %w", sub.queue, err)
		}
		if err := ch.QueueBind(sub.queue, sub.routingKey, b.cfg.Exchange, false, nil); err != nil {
			b.teardown(pubCh, ch, conn)
			return fmt.Errorf("bind queue %s key=%s: %w", sub.queue, sub.routingKey, err)
		}
		tag := fmt.Sprintf("%s-%d", b.cfg.ConsumerTag, i)
		deliveries, err := ch.Consume(sub.queue, tag, false, false, false, false, nil)
		if err != nil {
			b.teardown(pubCh, ch, conn)
			return fmt.Errorf("consume queue %s: %w", sub.queue, err)
		}
		b.wg.Add(1)
		go b.readLoop(ctx, sub, deliveries)
	}

	b.conn, b.ch, b.pubCh = conn, ch, pubCh
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.workerLoop(ctx)
	}
	b.started = true
	return nil
}

func (b *Bus) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pubCh == nil {
		return fmt.Errorf("rabbitmq bus not started")
	}
	err := b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (b *Bus) Close() error {
	select {
	case <-b.closed:
		if v := b.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(b.closed)
	}
	if b.ch != nil {
		for i := range b.subs {
			_ = b.ch.Cancel(fmt.Sprintf("%s-%d", b.cfg.ConsumerTag, i), false)
		}
	}
	close(b.ops)
	b.wg.Wait()
	var errs []error
	for _, ch := range []*amqp091.Channel{b.pubCh, b.ch} {
		if ch != nil {
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	b.closeErr.Store(err)
	return err
}

func (b *Bus) teardown(chans ...interface{ Close() error }) {
	for _, c := range chans {
		_ = c.Close()
	}
}

func (b *Bus) readLoop(ctx context.Context, sub *subscription, deliveries <-chan amqp091.Delivery) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, sub: sub, delivery: d}
			select {
			case b.ops <- task:
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			}
		}
	}
}

func (b *Bus) workerLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case task, ok := <-b.ops:
			if !ok {
				return
			}
			b.processDelivery(task.ctx, task.sub, task.delivery)
		}
	}
}

func (b *Bus) processDelivery(ctx context.Context, sub *subscription, d amqp091.Delivery) {
	err := sub.handler(ctx, bus.Delivery{RoutingKey: sub.routingKey, Body: d.Body})
	if err != nil {
		if bus.Retryable(err) {
			_ = d.Nack(false, true)
			return
		}
		b.logger.Warn("dropping delivery", "routing_key", sub.routingKey, "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (b *Bus) buildTLSConfig() (*tls.Config, error) {
	if !b.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: b.cfg.TLS.InsecureSkipVerify, ServerName: b.cfg.TLS.ServerName}
	if b.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(b.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if b.cfg.TLS.CertFile != "" || b.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.cfg.TLS.CertFile, b.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
