package edge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lmbridge/lmbridge/internal/logx"
)

// CounterStore counts requests per key within a fixed window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryCounters is the in-process CounterStore used when no Redis URL is
// configured.
type MemoryCounters struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

type memBucket struct {
	count   int64
	resetAt time.Time
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{buckets: make(map[string]*memBucket)}
}

func (m *MemoryCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	b, ok := m.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &memBucket{resetAt: now.Add(window)}
		m.buckets[key] = b
	}
	b.count++
	return b.count, nil
}

// RedisCounters shares rate limit windows across edge replicas.
type RedisCounters struct {
	cl *redis.Client
}

func NewRedisCounters(url string) (*RedisCounters, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCounters{cl: redis.NewClient(opt)}, nil
}

func (r *RedisCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := r.cl.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := r.cl.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// RateLimiter enforces a per-credential requests-per-minute budget.
type RateLimiter struct {
	store CounterStore
	rpm   int
}

func NewRateLimiter(store CounterStore, rpm int) *RateLimiter {
	return &RateLimiter{store: store, rpm: rpm}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ratelimit:" + r.Header.Get("Authorization")
		n, err := l.store.Incr(r.Context(), key, time.Minute)
		if err != nil {
			// Fail open; counting problems must not take the API down.
			logx.Log.Warn().Err(err).Msg("rate limit counter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if n > int64(l.rpm) {
			writeAPIError(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
