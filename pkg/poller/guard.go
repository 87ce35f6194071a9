package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard admits at most one in-flight cycle per router. A cycle that cannot
// acquire the guard is skipped, never queued.
type Guard interface {
	// TryAcquire returns ok=false without blocking when the router is busy.
	// ttl bounds how long a crashed holder can keep the router locked.
	TryAcquire(ctx context.Context, routerID string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalGuard guards cycles within one process.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalGuard creates an in-process guard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]time.Time), now: time.Now}
}

// TryAcquire implements Guard.
func (g *LocalGuard) TryAcquire(ctx context.Context, routerID string, ttl time.Duration) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if expiry, busy := g.held[routerID]; busy && now.Before(expiry) {
		return nil, false, nil
	}
	expiry := now.Add(ttl)
	g.held[routerID] = expiry

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.held[routerID].Equal(expiry) {
				delete(g.held, routerID)
			}
		})
	}, true, nil
}

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultRedisKeyPrefix namespaces guard keys.
const DefaultRedisKeyPrefix = "hotspotd:poll:"

// RedisGuard guards cycles across replicas polling the same fleet.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard creates a guard on client.
func NewRedisGuard(client *redis.Client, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisGuard{client: client, prefix: prefix}
}

// TryAcquire implements Guard with SET NX PX and a compare-and-delete release.
func (g *RedisGuard) TryAcquire(ctx context.Context, routerID string, ttl time.Duration) (func(), bool, error) {
	key := g.prefix + routerID
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.client, []string{key}, token).Err()
		})
	}, true, nil
}
