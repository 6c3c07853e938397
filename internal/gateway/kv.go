// Package gateway implements the Cache & Persistence Gateway (spec
// §4.A): a typed KV cache with TTL, a durable append log with monotonic
// per-topic sequence numbers, and a durable record store. The typed KV
// here mirrors the teacher's dual memory/redis Cache interface
// (data/cache/cache.go) but adds key-level atomicity and an explicit
// Del, since the spec requires rejected/evicted entries to actually
// disappear rather than merely expire.
package gateway

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the typed key-value tier. All writes are atomic at the key
// level (spec §4.A contract).
type KV interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, key string) error
	// Keys returns every key currently present whose name has the given
	// prefix; used by the startup sanity sweep (§4.C).
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Namespace prefixes from spec §4.A.
const (
	PrefixFactorLatest    = "factor:"
	PrefixPrice           = "price:v"
	PrefixCTAZone         = "cta:zone:"
	PrefixBiasComposite   = "bias:composite:latest"
	PrefixBreakerState    = "breaker:state"
	PrefixFlow            = "uw:flow:"
)

// FactorLatestKey builds the "factor:{id}:latest" key.
func FactorLatestKey(factorID string) string { return PrefixFactorLatest + factorID + ":latest" }

// PriceKey builds the "price:v{n}:{symbol}:{bars}:{adj}" key.
func PriceKey(version int, symbol string, bars int, adj string) string {
	return PrefixPrice + strconv.Itoa(version) + ":" + symbol + ":" + strconv.Itoa(bars) + ":" + adj
}

// CTAZoneKey builds the "cta:zone:{symbol}" key.
func CTAZoneKey(symbol string) string { return PrefixCTAZone + symbol }

// FlowKey builds the "uw:flow:{symbol}" key.
func FlowKey(symbol string) string { return PrefixFlow + symbol }

// MemoryKV is an in-process KV used for tests and single-node
// deployments without Redis, mirroring the teacher's `memory` cache type.
type MemoryKV struct {
	mu sync.Mutex
	m  map[string]kvEntry
}

type kvEntry struct {
	val []byte
	exp time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string]kvEntry)}
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := kvEntry{val: append([]byte(nil), value...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	m.m[key] = e
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(m.m, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}

func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for k := range m.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// RedisKV adapts a redis.Client to the KV interface, the production
// tier behind the gateway when a Redis address is configured
// (--redis-addr or BIASENGINE_REDIS_ADDR).
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	return r.client.Keys(ctx, prefix+"*").Result()
}
