// Package membus is an in-process topic bus. It backs single-process
// deployments and the concurrency tests; there is no broker, so delivery is
// exactly-once per subscriber and unordered across routing keys.
package membus

import (
	"context"
	"fmt"
	"sync"

	"skillswap/internal/bus"
)

type subscription struct {
	key     string
	handler bus.Handler
	queue   chan bus.Delivery
}

type Bus struct {
	queueSize int

	mu      sync.Mutex
	subs    map[string][]*subscription
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Bus {
	return &Bus{queueSize: 64, subs: make(map[string][]*subscription)}
}

func (b *Bus) Subscribe(routingKey string, h bus.Handler) error {
	if routingKey == "" {
		return fmt.Errorf("membus: routing key is required")
	}
	if h == nil {
		return fmt.Errorf("membus: handler is required")
	}
	sub := &subscription{key: routingKey, handler: h, queue: make(chan bus.Delivery, b.queueSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[routingKey] = append(b.subs[routingKey], sub)
	if b.started {
		b.wg.Add(1)
		go b.deliverLoop(sub)
	}
	return nil
}

func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("membus: already started")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			b.wg.Add(1)
			go b.deliverLoop(sub)
		}
	}
	return nil
}

func (b *Bus) Publish(_ context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return fmt.Errorf("membus: not started")
	}
	subs := b.subs[routingKey]
	ctx := b.ctx
	b.mu.Unlock()

	d := bus.Delivery{RoutingKey: routingKey, Body: body}
	for _, sub := range subs {
		select {
		case sub.queue <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()
	cancel()
	b.wg.Wait()
	return nil
}

func (b *Bus) deliverLoop(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case d := <-sub.queue:
			// Handler errors have nowhere to go on an in-process bus;
			// redelivery semantics belong to the broker transports.
			_ = sub.handler(b.ctx, d)
		}
	}
}
