// Package composition is the process composition root: it owns no
// business logic of its own, only the wiring that turns the narrow,
// cycle-free interfaces each internal package declares (ingest.Recomputer,
// bias.BreakerProvider, scorer.BreakerMultipliers, scheduler.Puller,
// breaker.Recomputer, scheduler.Recomputer, scheduler.OutcomeReplayer)
// into one running process. Connection pooling and the Records bundle
// are built by gateway/postgres.Manager directly; this file only adds
// the KV tier's Redis-vs-in-memory choice, which has no other natural
// home.
package composition

import (
	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/biasengine/internal/gateway"
)

// RedisConfig configures the gateway KV tier's Redis backend. Addr
// empty means "use the in-process MemoryKV instead" (local dev, tests).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// newRedisKV dials Redis and wraps it as a gateway.KV, or falls back to
// an in-process MemoryKV when no address is configured.
func newRedisKV(config RedisConfig) gateway.KV {
	if config.Addr == "" {
		return gateway.NewMemoryKV()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return gateway.NewRedisKV(client)
}
