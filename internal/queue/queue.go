// Package queue is the message broker client used by the derivation pipeline.
//
// The Redis implementation maps a queue onto a stream with a durable
// consumer group. Deliveries stay pending until acknowledged; a negative
// acknowledgement re-enqueues the payload with an incremented attempt
// counter, and payloads that exhaust their attempts move to "<queue>:dead".
package queue

import (
	"context"
	"errors"
)

var (
	// ErrConnectionFailed is returned by Connect on network or auth failure.
	ErrConnectionFailed = errors.New("queue connection failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue closed")
)

// Handler is invoked once per delivered message. It must Ack or Nack the
// delivery; a delivery left unsettled is redelivered per broker policy.
type Handler func(ctx context.Context, d Delivery)

// Broker is the contract the worker and the producer depend on.
type Broker interface {
	// DeclareQueue idempotently ensures a durable queue exists.
	DeclareQueue(ctx context.Context, name string) error
	// Publish enqueues an opaque payload.
	Publish(ctx context.Context, name string, payload []byte) error
	// Subscribe blocks, invoking h for each delivery, until ctx is done.
	Subscribe(ctx context.Context, name string, h Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// Acknowledger settles deliveries on the subscription that produced them.
type Acknowledger interface {
	Ack(ctx context.Context, d Delivery) error
	Nack(ctx context.Context, d Delivery) error
}

// Delivery is one received message.
type Delivery struct {
	ID      string
	Queue   string
	Payload []byte
	// Attempt counts previous negative acknowledgements, starting at 0.
	Attempt int

	acker Acknowledger
}

func NewDelivery(id, queue string, payload []byte, attempt int, acker Acknowledger) Delivery {
	return Delivery{ID: id, Queue: queue, Payload: payload, Attempt: attempt, acker: acker}
}

// Ack marks the delivery as done.
func (d Delivery) Ack(ctx context.Context) error {
	if d.acker == nil {
		return ErrClosed
	}
	return d.acker.Ack(ctx, d)
}

// Nack asks for redelivery.
func (d Delivery) Nack(ctx context.Context) error {
	if d.acker == nil {
		return ErrClosed
	}
	return d.acker.Nack(ctx, d)
}

// DeadLetterQueue names the queue that receives exhausted payloads.
func DeadLetterQueue(name string) string { return name + ":dead" }
