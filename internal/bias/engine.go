// Package bias implements the Composite Bias Engine (spec §4.D): a
// single-threaded recompute actor that fuses the latest factor
// readings into one five-level market stance, with graceful weight
// redistribution, velocity escalation, manual override arbitration,
// and circuit-breaker clamping. The coalescing trigger channel mirrors
// the teacher's regime detector cadence gate in
// internal/regime/detector.go (ShouldUpdate / cached lastResult), here
// driven by ingestion events instead of a fixed interval.
package bias

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
	"github.com/sawpanic/biasengine/internal/registry"
)

// BreakerProvider is the narrow view of the Circuit Breaker the engine
// needs: its current clamp caps. With no trigger engaged the caps carry
// no ceiling and no floor; a nil provider disables clamping entirely.
type BreakerProvider interface {
	CurrentCaps(ctx context.Context) model.BreakerCaps
}

// velocityLookback is the spec §4.D step-5 window: a factor's reading
// from at least this long ago.
const velocityLookback = 24 * time.Hour

// velocityDropThreshold is the minimum score regression over the
// lookback window that counts toward the velocity vote.
const velocityDropThreshold = 0.3

// velocityTriggerCount is the number of regressing factors needed to
// engage the 1.3x velocity multiplier.
const velocityTriggerCount = 3

const (
	confidenceHighFloor   = 6
	confidenceMediumFloor = 4
)

const maxPersistRetries = 3

// activeFactor is one factor's contribution to the current recompute.
type activeFactor struct {
	id     model.FactorId
	weight float64
	score  float64
}

// Engine runs the recompute algorithm behind a single coalescing
// trigger channel so concurrent ingests never race on the published
// CompositeResult.
type Engine struct {
	registry *registry.Registry
	readings gateway.FactorReadingsRepo
	history  gateway.BiasHistoryRepo
	eventLog gateway.EventLog
	kv       gateway.KV
	breaker  BreakerProvider

	trigger chan struct{}

	mu       sync.Mutex
	override *model.Override
	latest   *model.CompositeResult
}

func NewEngine(reg *registry.Registry, readings gateway.FactorReadingsRepo, history gateway.BiasHistoryRepo, eventLog gateway.EventLog, kv gateway.KV, breaker BreakerProvider) *Engine {
	return &Engine{
		registry: reg,
		readings: readings,
		history:  history,
		eventLog: eventLog,
		kv:       kv,
		breaker:  breaker,
		trigger:  make(chan struct{}, 1),
	}
}

// Restore loads the most recently persisted result and override so a
// restart does not momentarily publish a NEUTRAL/LOW-confidence result
// before the first recompute completes.
func (e *Engine) Restore(ctx context.Context) error {
	result, err := e.history.Latest(ctx)
	if err != nil {
		return bierrors.Wrap(bierrors.GatewayUnavailable, "restore latest composite result", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest = result
	if result != nil {
		e.override = result.Override
	}
	return nil
}

// Trigger enqueues a recompute. Multiple triggers before the actor
// drains the channel coalesce into a single recompute that always
// reads the latest readings, per spec §4.D's "only one pending
// recompute at a time" requirement.
func (e *Engine) Trigger(_ context.Context) {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run is the single recompute actor loop. It must be started exactly
// once; call via the composition root's goroutine, not concurrently.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			if err := e.Recompute(ctx); err != nil {
				log.Error().Err(err).Msg("composite bias recompute failed")
			}
		}
	}
}

// Latest returns the most recently published result, or nil if none
// has been computed yet.
func (e *Engine) Latest() *model.CompositeResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return nil
	}
	clone := *e.latest
	return &clone
}

// SetOverride installs a manual bias override effective until expiresAt.
func (e *Engine) SetOverride(level model.BiasLevel, reason string, expiresAt time.Time) {
	e.mu.Lock()
	e.override = &model.Override{Level: level, Reason: reason, ExpiresAt: expiresAt}
	e.mu.Unlock()
}

// ClearOverride removes any active manual override.
func (e *Engine) ClearOverride() {
	e.mu.Lock()
	e.override = nil
	e.mu.Unlock()
}

// Recompute runs the deterministic algorithm of spec §4.D steps 1-11
// against the current reading set and publishes the result. It is safe
// to call directly (e.g. from a CLI replay command) as well as from
// Run's actor loop, since the only shared mutable state (override,
// latest) is mutex-protected.
func (e *Engine) Recompute(ctx context.Context) error {
	now := time.Now().UTC()
	enabled := e.registry.Enabled()

	var (
		active       []activeFactor
		staleIDs     []model.FactorId
		unverifiable []model.FactorId
	)

	readingByID := make(map[model.FactorId]model.FactorReading, len(enabled))
	for _, meta := range enabled {
		reading, err := e.readings.Latest(ctx, meta.ID)
		if err != nil {
			return bierrors.Wrap(bierrors.GatewayUnavailable, "load latest reading", err)
		}
		if reading == nil {
			staleIDs = append(staleIDs, meta.ID)
			continue
		}
		readingByID[meta.ID] = *reading

		age := now.Sub(reading.FreshnessAnchor())
		if age > meta.StalenessBudget {
			staleIDs = append(staleIDs, meta.ID)
			continue
		}
		if reading.Metadata.TimestampSource == model.TimestampSourceFallback {
			unverifiable = append(unverifiable, meta.ID)
		}
		active = append(active, activeFactor{id: meta.ID, weight: meta.WeightNominal, score: reading.Score})
	}

	var (
		compositeScore float64
		velocity       = 1.0
		normalized     = make(map[model.FactorId]float64)
		confidence     = model.ConfidenceLow
	)

	if len(active) == 0 {
		compositeScore = 0
	} else {
		var totalWeight float64
		for _, f := range active {
			totalWeight += f.weight
		}

		var raw float64
		if totalWeight > 0 {
			for _, f := range active {
				w := f.weight / totalWeight
				normalized[f.id] = w
				raw += w * f.score
			}
		}
		raw = model.Clamp(raw)

		regressed := 0
		cutoff := now.Add(-velocityLookback)
		for _, f := range active {
			prior, err := e.readings.AsOf(ctx, f.id, cutoff)
			if err != nil {
				return bierrors.Wrap(bierrors.GatewayUnavailable, "load velocity baseline", err)
			}
			if prior == nil {
				continue
			}
			if f.score-prior.Score <= -velocityDropThreshold {
				regressed++
			}
		}
		if regressed >= velocityTriggerCount {
			velocity = 1.3
		}

		compositeScore = model.Clamp(raw * velocity)

		switch {
		case len(active) >= confidenceHighFloor:
			confidence = model.ConfidenceHigh
		case len(active) >= confidenceMediumFloor:
			confidence = model.ConfidenceMedium
		default:
			confidence = model.ConfidenceLow
		}
	}

	biasLevel := model.BiasLevelFromScore(compositeScore)

	e.mu.Lock()
	override := e.override
	e.mu.Unlock()

	if override != nil {
		if !override.ExpiresAt.IsZero() && now.After(override.ExpiresAt) {
			e.ClearOverride()
			override = nil
		} else if crossedOppositeLevel(override.Level, biasLevel) {
			log.Info().Str("override_level", override.Level.String()).Str("adjusted_level", biasLevel.String()).
				Msg("manual override auto-cleared: composite crossed opposite level")
			e.ClearOverride()
			override = nil
		} else {
			biasLevel = override.Level
		}
	}

	var caps *model.BreakerCaps
	if e.breaker != nil {
		c := e.breaker.CurrentCaps(ctx)
		caps = &c
		if c.CeilingLevel != nil && biasLevel > *c.CeilingLevel {
			biasLevel = *c.CeilingLevel
		}
		if c.FloorLevel != nil && biasLevel < *c.FloorLevel {
			biasLevel = *c.FloorLevel
		}
	}

	result := model.CompositeResult{
		CompositeScore:      compositeScore,
		BiasLevel:           biasLevel,
		ActiveFactors:        idsOf(active),
		StaleFactors:         staleIDs,
		UnverifiableFactors:  unverifiable,
		NormalizedWeights:    normalized,
		VelocityMultiplier:   velocity,
		Override:             override,
		CircuitBreakerCaps:   caps,
		Confidence:           confidence,
		ComputedAt:           now,
	}

	previous := e.Latest()

	if err := e.persistWithRetry(ctx, result); err != nil {
		if _, emitErr := gateway.AppendOrFail(ctx, e.eventLog, model.TopicAnomaly, anomalyPayload("BIAS_PERSIST_FAILED", err)); emitErr != nil {
			log.Error().Err(emitErr).Msg("failed to emit anomaly after exhausted bias persist retries")
		}
		return err
	}

	e.mu.Lock()
	e.latest = &result
	e.mu.Unlock()

	if err := e.publish(ctx, result, previous); err != nil {
		log.Error().Err(err).Msg("failed to publish bias update")
	}

	return nil
}

func (e *Engine) persistWithRetry(ctx context.Context, result model.CompositeResult) error {
	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < maxPersistRetries; attempt++ {
		if err = e.history.Insert(ctx, result); err == nil {
			payload, marshalErr := json.Marshal(result)
			if marshalErr != nil {
				return marshalErr
			}
			if putErr := e.kv.Put(ctx, gateway.PrefixBiasComposite, payload, 0); putErr != nil {
				err = putErr
			} else {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return bierrors.Wrap(bierrors.GatewayUnavailable, "persist composite result after retries", err)
}

func (e *Engine) publish(ctx context.Context, result model.CompositeResult, previous *model.CompositeResult) error {
	payload, err := json.Marshal(map[string]interface{}{
		"result": result,
		"delta":  levelDelta(previous, result),
	})
	if err != nil {
		return err
	}
	_, err = gateway.AppendOrFail(ctx, e.eventLog, model.TopicBiasComposite, payload)
	return err
}

func levelDelta(previous *model.CompositeResult, current model.CompositeResult) interface{} {
	if previous == nil || previous.BiasLevel == current.BiasLevel {
		return nil
	}
	return map[string]string{"from": previous.BiasLevel.String(), "to": current.BiasLevel.String()}
}

// crossedOppositeLevel reports whether adjusted has crossed a full
// bias level into the direction opposite overrideLevel, the trigger
// for auto-clearing an override per spec §4.D step 8.
func crossedOppositeLevel(overrideLevel, adjusted model.BiasLevel) bool {
	switch {
	case overrideLevel >= model.ToroMinor:
		return adjusted <= model.UrsaMinor
	case overrideLevel <= model.UrsaMinor:
		return adjusted >= model.ToroMinor
	default:
		return false
	}
}

func idsOf(fs []activeFactor) []model.FactorId {
	out := make([]model.FactorId, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.id)
	}
	return out
}

func anomalyPayload(reason string, cause error) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"reason": reason,
		"error":  cause.Error(),
	})
	return payload
}
