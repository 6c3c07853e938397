// Package outcome implements the Outcome Scorer (spec §4.H): a daily
// replay of post-signal price history against each PENDING signal's
// stop/target/invalidation levels. The external price provider is an
// out-of-scope collaborator (spec §1); this package only defines and
// guards the contract, following the teacher's fault-tolerance wrapper
// in infra/breakers/breakers.go (sony/gobreaker) and its provider rate
// limiting in infra/limits.
package outcome

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/gateway"
)

// DailyBar is one day's OHLC price bar.
type DailyBar struct {
	Date  time.Time `json:"date"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// PriceProvider is the external contract for historical daily bars.
// The concrete REST implementation lives in internal/composition and is
// wired in at the composition root.
type PriceProvider interface {
	DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]DailyBar, error)
}

// GuardedProvider wraps a PriceProvider with a fault-tolerance circuit
// breaker, a rate limiter, and a KV-backed fallback cache — distinct
// from the domain Circuit Breaker of internal/breaker, which reacts to
// market events rather than call failures.
type GuardedProvider struct {
	inner   PriceProvider
	breaker *cb.CircuitBreaker
	limiter *rate.Limiter
	cache   gateway.KV
}

const (
	maxRetries     = 3
	retryBaseDelay = 250 * time.Millisecond
)

func NewGuardedProvider(inner PriceProvider, cache gateway.KV) *GuardedProvider {
	settings := cb.Settings{Name: "price-provider"}
	settings.Timeout = 60 * time.Second
	settings.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.1
	}

	return &GuardedProvider{
		inner:   inner,
		breaker: cb.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
		cache:   cache,
	}
}

// DailyBars fetches bars with bounded retries and exponential backoff
// behind the fault-tolerance breaker; on persistent failure it falls
// back to whatever was last cached for the symbol, per spec §5.
func (g *GuardedProvider) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]DailyBar, bool, error) {
	cacheKey := gateway.PriceKey(1, symbol, 0, "bars")

	var bars []DailyBar
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}

		result, err := g.breaker.Execute(func() (interface{}, error) {
			return g.inner.DailyBars(ctx, symbol, from, to)
		})
		if err == nil {
			bars = result.([]DailyBar)
			lastErr = nil
			break
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(retryBaseDelay * time.Duration(1<<attempt)):
		}
	}

	if lastErr != nil {
		cached, ok, cacheErr := g.cache.Get(ctx, cacheKey)
		if cacheErr == nil && ok {
			var fallback []DailyBar
			if err := json.Unmarshal(cached, &fallback); err == nil {
				return fallback, true, nil
			}
		}
		return nil, false, bierrors.Wrap(bierrors.ProviderTimeout, "price provider exhausted retries", lastErr)
	}

	if payload, err := json.Marshal(bars); err == nil {
		if err := g.cache.Put(ctx, cacheKey, payload, 24*time.Hour); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("failed to refresh price fallback cache")
		}
	}
	return bars, false, nil
}
