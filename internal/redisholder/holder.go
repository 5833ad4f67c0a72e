package redisholder

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DialFunc builds a fresh, pinged client.
type DialFunc func(ctx context.Context) (redis.UniversalClient, error)

// Holder keeps the current redis client and swaps it on reconnect. Callers
// must fetch the client with Get on every use instead of caching it.
type Holder struct {
	v    atomic.Value // stores redis.UniversalClient
	dial DialFunc

	mu sync.Mutex // serializes reconnects
}

func NewHolder(initial redis.UniversalClient, dial DialFunc) *Holder {
	h := &Holder{dial: dial}
	h.v.Store(initial)
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	c, _ := h.v.Load().(redis.UniversalClient)
	return c
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	old, _ = h.v.Load().(redis.UniversalClient)
	h.v.Store(newc)
	return old
}

// Reconnect pings the current client and replaces it when the ping fails.
// Without a DialFunc it only reports the ping result.
func (h *Holder) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Get().Ping(ctx).Err(); err == nil {
		return nil
	} else if h.dial == nil {
		return err
	}

	newCl, err := h.dial(ctx)
	if err != nil {
		return err
	}
	if old := h.swap(newCl); old != nil {
		_ = old.Close()
	}
	return nil
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
