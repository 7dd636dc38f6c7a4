// Package snapshot provides the immutable, on-disk page resolver the
// core treats as an external collaborator behind a dual pointer's
// snapshot side. Two implementations are provided: an in-memory fake
// for tests, and a Redis-backed resolver for deployments with an
// external snapshot tier.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/pkg/errors"

	"github.com/aergoio/masstree/pkg/dualptr"
)

// ErrNotFound is wrapped and returned when a snapshot id has no
// backing page.
var ErrNotFound = errors.New("snapshot: page not found")

// Resolver reads immutable snapshot pages by id. The core never
// writes through a Resolver directly: snapshot pages are produced out
// of band (e.g. a checkpoint process) and only ever read here.
type Resolver interface {
	Resolve(ctx context.Context, id dualptr.SnapshotID) ([]byte, error)
	Store(ctx context.Context, id dualptr.SnapshotID, page []byte) error
}

// Memory is an in-memory Resolver fake, used in tests and for running
// the core with no external snapshot tier configured.
type Memory struct {
	mu    sync.RWMutex
	pages map[dualptr.SnapshotID][]byte
}

// NewMemory constructs an empty in-memory resolver.
func NewMemory() *Memory {
	return &Memory{pages: make(map[dualptr.SnapshotID][]byte)}
}

func (m *Memory) Resolve(_ context.Context, id dualptr.SnapshotID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func (m *Memory) Store(_ context.Context, id dualptr.SnapshotID, page []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(page))
	copy(buf, page)
	m.pages[id] = buf
	return nil
}

const (
	defaultPoolSize     = 10
	defaultMinIdleConns = 5
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// RedisConfig configures the Redis-backed resolver.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	Database int
}

// RedisResolver stores each snapshot page under a "snapshot:<id>" key.
// 4096-byte fixed-size pages make this a plain key-value fetch.
type RedisResolver struct {
	client *redisv9.Client
}

// NewRedisResolver dials Redis using cfg, applying conservative
// default timeouts, and verifies connectivity with a Ping before
// returning.
func NewRedisResolver(ctx context.Context, cfg RedisConfig) (*RedisResolver, error) {
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	client := redisv9.NewClient(&redisv9.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     defaultPoolSize,
		MinIdleConns: defaultMinIdleConns,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "snapshot: redis ping failed")
	}
	return &RedisResolver{client: client}, nil
}

func redisKey(id dualptr.SnapshotID) string {
	return fmt.Sprintf("snapshot:%d", uint64(id))
}

func (r *RedisResolver) Resolve(ctx context.Context, id dualptr.SnapshotID) ([]byte, error) {
	b, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "id %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: redis get failed")
	}
	return b, nil
}

func (r *RedisResolver) Store(ctx context.Context, id dualptr.SnapshotID, page []byte) error {
	if err := r.client.Set(ctx, redisKey(id), page, 0).Err(); err != nil {
		return errors.Wrap(err, "snapshot: redis set failed")
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (r *RedisResolver) Close() error {
	return r.client.Close()
}
