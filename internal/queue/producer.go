package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publish appends the payload to the stream with attempt 0.
func (c *Conn) Publish(ctx context.Context, name string, payload []byte) error {
	return c.publish(ctx, name, payload, 0)
}

func (c *Conn) publish(ctx context.Context, name string, payload []byte, attempt int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	err := c.holder.Get().XAdd(ctx, &redis.XAddArgs{
		Stream: name,
		MaxLen: c.cfg.MaxLen,
		Approx: c.cfg.MaxLen > 0,
		Values: map[string]any{
			"payload": string(payload),
			"attempt": attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}
