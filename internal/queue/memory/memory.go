// Package memory is an in-process queue.Broker with the same settlement
// semantics as the Redis implementation: unsettled deliveries stay pending,
// Nack requeues with attempt+1, and exhausted payloads are dead-lettered.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/trunov/photothumb/internal/queue"
)

type message struct {
	id      string
	payload []byte
	attempt int
}

type memQueue struct {
	items   []message
	notify  chan struct{}
	pending map[string]message
	acked   []string
}

// Broker is safe for concurrent use.
type Broker struct {
	maxAttempts int

	mu     sync.Mutex
	queues map[string]*memQueue
	seq    atomic.Int64
	closed atomic.Bool
}

// New returns a broker that dead-letters a payload after maxAttempts
// deliveries ended in Nack. maxAttempts < 1 means 1.
func New(maxAttempts int) *Broker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Broker{maxAttempts: maxAttempts, queues: make(map[string]*memQueue)}
}

func (b *Broker) queue(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{}, 1), pending: make(map[string]message)}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) DeclareQueue(_ context.Context, name string) error {
	if b.closed.Load() {
		return queue.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(name)
	return nil
}

func (b *Broker) Publish(_ context.Context, name string, payload []byte) error {
	if b.closed.Load() {
		return queue.ErrClosed
	}
	b.push(name, append([]byte(nil), payload...), 0)
	return nil
}

func (b *Broker) push(name string, payload []byte, attempt int) {
	b.mu.Lock()
	q := b.queue(name)
	q.items = append(q.items, message{
		id:      strconv.FormatInt(b.seq.Add(1), 10) + "-0",
		payload: payload,
		attempt: attempt,
	})
	b.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) pop(name string) (message, chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(name)
	if len(q.items) == 0 {
		return message{}, q.notify, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	q.pending[m.id] = m
	return m, q.notify, true
}

// Subscribe delivers messages one at a time until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, name string, h queue.Handler) error {
	if err := b.DeclareQueue(ctx, name); err != nil {
		return err
	}
	for {
		if b.closed.Load() {
			return queue.ErrClosed
		}
		m, notify, ok := b.pop(name)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
				continue
			}
		}
		h(ctx, queue.NewDelivery(m.id, name, m.payload, m.attempt, b))
	}
}

func (b *Broker) Ack(_ context.Context, d queue.Delivery) error {
	if b.closed.Load() {
		return queue.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(d.Queue)
	if _, ok := q.pending[d.ID]; ok {
		delete(q.pending, d.ID)
		q.acked = append(q.acked, d.ID)
	}
	return nil
}

func (b *Broker) Nack(_ context.Context, d queue.Delivery) error {
	if b.closed.Load() {
		return queue.ErrClosed
	}
	b.mu.Lock()
	q := b.queue(d.Queue)
	m, ok := q.pending[d.ID]
	delete(q.pending, d.ID)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	next := m.attempt + 1
	if next >= b.maxAttempts {
		b.push(queue.DeadLetterQueue(d.Queue), m.payload, next)
		return nil
	}
	b.push(d.Queue, m.payload, next)
	return nil
}

func (b *Broker) Ping(context.Context) error {
	if b.closed.Load() {
		return queue.ErrClosed
	}
	return nil
}

func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

// Acked returns the ids acknowledged on name, in order.
func (b *Broker) Acked(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queue(name).acked...)
}

// Pending returns the number of delivered but unsettled messages.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).pending)
}

// Len returns the number of messages waiting for delivery.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(name).items)
}

// Payloads returns the waiting payloads of name, e.g. a dead-letter queue.
func (b *Broker) Payloads(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out [][]byte
	for _, m := range b.queue(name).items {
		out = append(out, m.payload)
	}
	return out
}

var (
	_ queue.Broker       = (*Broker)(nil)
	_ queue.Acknowledger = (*Broker)(nil)
)
