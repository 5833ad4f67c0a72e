package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/trunov/photothumb/internal/config"
	"github.com/trunov/photothumb/internal/redisholder"
)

// Conn is a Redis Streams broker connection.
type Conn struct {
	holder *redisholder.Holder
	cfg    config.WorkerConfig
	log    *slog.Logger
	closed atomic.Bool
}

// Connect dials redis once. It does not retry; callers own retry policy.
func Connect(ctx context.Context, rcfg config.RedisConfig, cfg config.WorkerConfig, log *slog.Logger) (*Conn, error) {
	h, err := redisholder.Build(ctx, rcfg, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return NewConn(h, cfg, log), nil
}

// NewConn wraps an existing holder.
func NewConn(h *redisholder.Holder, cfg config.WorkerConfig, log *slog.Logger) *Conn {
	return &Conn{holder: h, cfg: cfg, log: log.With("component", "queue")}
}

// Holder exposes the underlying client holder for other redis users.
func (c *Conn) Holder() *redisholder.Holder { return c.holder }

// DeclareQueue creates the stream and its consumer group.
func (c *Conn) DeclareQueue(ctx context.Context, name string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	// Without MkStream, Redis would error out if you try to create a group before any messages exist in the stream.
	err := c.holder.Get().XGroupCreateMkStream(ctx, name, c.cfg.Group, "0").Err()
	// Redis returns BUSYGROUP if the group already exists therefore we check for other errors
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

func (c *Conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.holder.Get().Ping(ctx).Err()
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.holder.Close()
}

var (
	_ Broker       = (*Conn)(nil)
	_ Acknowledger = (*Conn)(nil)
)
