// Package dedupe remembers command ids so a re-delivered command is not run
// twice.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL applies when a command carries no TTL of its own.
const DefaultTTL = time.Hour

type Set interface {
	// FirstSeen records id and reports whether it was not already present.
	FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) FirstSeen(_ context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, key)
		}
	}
	if _, ok := m.seen[id]; ok {
		return false, nil
	}
	m.seen[id] = now.Add(ttl)
	return true, nil
}

// Redis shares the set between agent instances running on one host.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return r.client.SetNX(ctx, r.prefix+id, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}
