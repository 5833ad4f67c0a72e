// Package redismanager hands out short-lived Redis leases so that two
// workers do not derive the same original at the same time.
package redismanager

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trunov/photothumb/internal/cache"
)

var (
	// ErrHeld is returned by Acquire when another holder owns the key.
	ErrHeld = errors.New("lease held by another worker")
	// ErrUnavailable wraps redis failures while taking a lease.
	ErrUnavailable = errors.New("lease store unavailable")
)

// Delete only if the caller still owns the lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Manager struct {
	client cache.ClientSource
	prefix string
	ttl    time.Duration
}

// Create Redis lease manager; keys are stored as <prefix>:<key>. ttl is
// the default lease length used by Lock.
func NewManager(client cache.ClientSource, prefix string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Manager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

type Lease struct {
	m     *Manager
	key   string
	token string
}

// Acquire takes key for ttl. The lease expires on its own if the holder
// dies before Release.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := GenerateHash()
	full := m.prefix + ":" + key

	ok, err := m.client.Get().SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire %s: %w", ErrUnavailable, key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &Lease{m: m, key: full, token: token}, nil
}

// Lock acquires key for the default ttl and returns its release func.
func (m *Manager) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	l, err := m.Acquire(ctx, key, m.ttl)
	if err != nil {
		return nil, err
	}
	return l.Release, nil
}

func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.m.client.Get(), []string{l.key}, l.token).Err()
}

// GenerateHash returns a random token.
func GenerateHash() string {
	var in [20]byte
	_, _ = rand.Read(in[:])
	return base64.StdEncoding.EncodeToString(in[:])
}
