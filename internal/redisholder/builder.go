package redisholder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trunov/photothumb/internal/config"
)

// Build connects to the configured nodes: a cluster client when more than
// one node is listed (falling back to the first reachable single node), a
// plain client otherwise.
func Build(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (*Holder, error) {
	dial := func(ctx context.Context) (redis.UniversalClient, error) {
		return dialAny(ctx, cfg, log)
	}

	cl, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return NewHolder(cl, dial), nil
}

func dialAny(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) (redis.UniversalClient, error) {
	if len(cfg.Addrs()) > 1 {
		cl, err := newClusterClient(ctx, cfg)
		if err == nil {
			return cl, nil
		}
		log.Warn("redis: cluster client failed; using single-node client", "err", err)
	}
	return newClient(ctx, cfg)
}

// Watch pings the client every interval and reconnects on failure until ctx
// is done. Closing the holder is left to its owner.
func (h *Holder) Watch(ctx context.Context, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	log.Info("redis: health loop started", "interval", interval)

	ping := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.Reconnect(pingCtx); err != nil {
			log.Error("redis: reconnect failed", "err", err)
		}
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("redis: health loop stopped", "err", ctx.Err())
			return
		case <-t.C:
			ping()
		}
	}
}

func newClusterClient(ctx context.Context, cfg config.RedisConfig) (*redis.ClusterClient, error) {
	cl := redis.NewClusterClient(&redis.ClusterOptions{
		RouteByLatency: true,
		Password:       cfg.Password,
		Addrs:          cfg.Addrs(),
		DialTimeout:    cfg.DialTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PoolSize:       cfg.PoolSize,
		PoolTimeout:    30 * time.Second,
		MaxRetries:     3,
	})

	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("error pinging redis cluster: %w", err)
	}

	return cl, nil
}

func newClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var stickyErr = errors.New("no nodes defined")

	for _, addr := range cfg.Addrs() {
		cl := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DatabaseID,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
		})

		if err := cl.Ping(ctx).Err(); err != nil {
			_ = cl.Close()
			stickyErr = fmt.Errorf("error pinging redis server %s: %w", addr, err)
			continue
		}

		return cl, nil
	}

	return nil, stickyErr
}
