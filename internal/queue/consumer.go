package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const maxReconnectDelay = 30 * time.Second

// Subscribe declares the queue, adopts orphaned pending entries and then
// runs cfg.Workers read loops. Each loop hands one message at a time to h.
// Broker errors trigger reconnect-and-resubscribe instead of returning.
func (c *Conn) Subscribe(ctx context.Context, name string, h Handler) error {
	if err := c.DeclareQueue(ctx, name); err != nil {
		return err
	}

	workers := c.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	log := c.log.With("stream", name, "group", c.cfg.Group, "consumer", c.cfg.Consumer)
	log.Info("starting consumer", "workers", workers)

	// Adopt orphaned pending messages
	c.autoClaim(ctx, name, h)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i
		g.Go(func() error {
			log.Debug("read loop started", "loop", id)
			err := c.loop(gctx, name, h, id == 0)
			if err != nil {
				log.Error("read loop stopped", "loop", id, "err", err)
			} else {
				log.Debug("read loop stopped gracefully", "loop", id)
			}
			return err
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		log.Info("context canceled, consumer stopped")
		return nil
	}
	return err
}

// autoClaim takes ownership of entries that were delivered to some consumer
// of the group but never acknowledged (crash before XACK, or a failed
// delayed requeue) and dispatches them again.
func (c *Conn) autoClaim(ctx context.Context, name string, h Handler) {
	next := "0-0"
	for {
		msgs, start, err := c.holder.Get().XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   name,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.minIdle(),
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				c.log.Warn("auto-claim failed", "stream", name, "err", err)
			}
			return
		}
		for _, m := range msgs {
			c.dispatch(ctx, name, m, h)
		}
		if len(msgs) == 0 || start == "0-0" {
			return
		}
		next = start
	}
}

// minIdle is how long an entry must be pending before it is reclaimed; it
// never drops below six block timeouts so slow workers keep their messages.
func (c *Conn) minIdle() time.Duration {
	minIdle := c.cfg.ClaimMinIdle
	if minIdle <= 0 {
		minIdle = 30 * time.Second
	}
	if t := c.cfg.BlockTimeout * 6; t > minIdle {
		minIdle = t
	}
	return minIdle
}

func (c *Conn) loop(ctx context.Context, name string, h Handler, claimer bool) error {
	failures := 0
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.closed.Load() {
			return ErrClosed
		}

		if claimer && time.Since(lastClaim) >= c.minIdle() {
			c.autoClaim(ctx, name, h)
			lastClaim = time.Now()
		}

		// XREADGROUP marks returned entries pending for this consumer; they
		// leave the pending list only on XACK.
		streams, err := c.holder.Get().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{name, ">"},
			Count:    1,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if c.closed.Load() {
				return ErrClosed
			}
			failures++
			c.log.Warn("read failed; reconnecting", "stream", name, "attempt", failures, "err", err)
			if !c.resubscribe(ctx, name, failures) {
				return nil
			}
			continue
		}
		failures = 0

		for _, s := range streams {
			for _, m := range s.Messages {
				c.dispatch(ctx, name, m, h)
			}
		}
	}
}

// resubscribe waits out a backoff, swaps in a fresh client and re-declares
// the group (it is gone if redis restarted without persistence). It returns
// false when ctx ends while waiting.
func (c *Conn) resubscribe(ctx context.Context, name string, failures int) bool {
	timer := time.NewTimer(c.reconnectDelay(failures))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	if err := c.holder.Reconnect(ctx); err != nil {
		c.log.Error("reconnect failed", "err", err)
		return true
	}
	if err := c.DeclareQueue(ctx, name); err != nil {
		c.log.Error("re-declare failed", "err", err)
	}
	return true
}

func (c *Conn) reconnectDelay(failures int) time.Duration {
	base := c.cfg.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if failures > 8 {
		failures = 8
	}
	d := base << (failures - 1)
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

func (c *Conn) dispatch(ctx context.Context, name string, m redis.XMessage, h Handler) {
	payload, _ := m.Values["payload"].(string)
	h(ctx, NewDelivery(m.ID, name, []byte(payload), toInt(m.Values["attempt"]), c))
}

// Ack removes the entry from the group's pending list.
func (c *Conn) Ack(ctx context.Context, d Delivery) error {
	if err := c.holder.Get().XAck(ctx, d.Queue, c.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("ack %s/%s: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Nack re-enqueues the payload with attempt+1 after an exponential backoff,
// or moves it to the dead-letter stream once MaxAttempts is reached. The
// original entry stays pending until the re-enqueue succeeds, so a crash
// during the backoff leaves it for auto-claim.
func (c *Conn) Nack(ctx context.Context, d Delivery) error {
	next := d.Attempt + 1
	if next >= c.cfg.MaxAttempts {
		if err := c.move(ctx, d, DeadLetterQueue(d.Queue), next); err != nil {
			return fmt.Errorf("dead-letter %s/%s: %w", d.Queue, d.ID, err)
		}
		c.log.Warn("message dead-lettered", "stream", d.Queue, "msg_id", d.ID, "attempts", next)
		return nil
	}

	backoff := c.cfg.BackoffBase << d.Attempt
	time.AfterFunc(backoff, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.move(rctx, d, d.Queue, next); err != nil {
			c.log.Error("requeue failed; entry left pending", "stream", d.Queue, "msg_id", d.ID, "err", err)
		}
	})
	return nil
}

func (c *Conn) move(ctx context.Context, d Delivery, target string, attempt int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	_, err := c.holder.Get().Pipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: target,
			MaxLen: c.cfg.MaxLen,
			Approx: c.cfg.MaxLen > 0,
			Values: map[string]any{
				"payload": string(d.Payload),
				"attempt": attempt,
			},
		})
		p.XAck(ctx, d.Queue, c.cfg.Group, d.ID)
		return nil
	})
	return err
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}
