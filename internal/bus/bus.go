package bus

import (
	"context"
	"errors"
)

// Delivery is one message received from a subscription.
type Delivery struct {
	RoutingKey string
	Body       []byte
}

// Handler consumes one delivery. Returning an error marks the delivery as
// failed; whether it is redelivered depends on the transport and on whether
// the error is retryable (see Retryable).
type Handler func(ctx context.Context, d Delivery) error

// Publisher publishes a message to a routing key on the shared topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Subscriber registers a handler for a routing key. Subscriptions must be
// registered before Start on transports that require declaration up front.
type Subscriber interface {
	Subscribe(routingKey string, h Handler) error
}

// Bus is the full transport surface consumed by the GDPR protocol. Delivery is
// at-least-once and unordered across participants; nothing may assume a reply
// arrives before a fixed time.
type Bus interface {
	Publisher
	Subscriber
	Start(ctx context.Context) error
	Close() error
}

const (
	exportPrefix   = "gdpr.export."
	deletionPrefix = "gdpr.deletion."

	// exportReplyKey is the single shared reply address consumed only by the
	// aggregator; replies self-identify their participant in the body.
	exportReplyKey = "gdpr.export.response"
)

// ExportRequestKey addresses the export request queue of one participant.
func ExportRequestKey(participant string) string { return exportPrefix + participant }

// ExportReplyKey addresses the aggregator's shared reply queue.
func ExportReplyKey() string { return exportReplyKey }

// DeletionRequestKey addresses the deletion request queue of one participant.
func DeletionRequestKey(participant string) string { return deletionPrefix + participant }

type retryable interface{ Temporary() bool }

// Retryable reports whether a handler error should cause redelivery rather
// than a drop.
func Retryable(err error) bool {
	var te retryable
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
