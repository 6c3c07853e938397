package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

// Recomputer is the narrow Composite Bias Engine slice the breaker
// needs: any state change must trigger a recompute (spec §4.E).
type Recomputer interface {
	Trigger(ctx context.Context)
}

// resetDelay is the minimum time a breaker must stay engaged before an
// auto-reset at the next market open is permitted.
const resetDelay = 24 * time.Hour

// Machine owns the single process-wide CircuitBreakerState.
type Machine struct {
	rules     *RuleSet
	store     gateway.BreakerStateRepo
	eventLog  gateway.EventLog
	recompute Recomputer

	mu    sync.Mutex
	state model.CircuitBreakerState
}

func NewMachine(rules *RuleSet, store gateway.BreakerStateRepo, eventLog gateway.EventLog, recompute Recomputer) *Machine {
	return &Machine{
		rules:     rules,
		store:     store,
		eventLog:  eventLog,
		recompute: recompute,
		state:     model.CircuitBreakerState{LongScoringMultiplier: 1.0, ShortScoringMultiplier: 1.0},
	}
}

// Restore loads the durably persisted state so a process restart during
// an engaged breaker does not erroneously re-allow long bias.
func (m *Machine) Restore(ctx context.Context) error {
	state, err := m.store.Load(ctx)
	if err != nil {
		return bierrors.Wrap(bierrors.GatewayUnavailable, "restore breaker state", err)
	}
	if state == nil {
		return nil
	}
	m.mu.Lock()
	m.state = *state
	m.mu.Unlock()
	return nil
}

// State returns a snapshot of the current breaker state.
func (m *Machine) State() model.CircuitBreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// CurrentCaps implements bias.BreakerProvider.
func (m *Machine) CurrentCaps(_ context.Context) model.BreakerCaps {
	m.mu.Lock()
	defer m.mu.Unlock()
	// ScoringMultiplier is left at its zero value here: the breaker's
	// long/short scoring multipliers apply to the Signal Scorer (via
	// LongMultiplier/ShortMultiplier), not to the composite clamp.
	return model.BreakerCaps{
		CeilingLevel: m.state.BiasCeiling,
		FloorLevel:   m.state.BiasFloor,
	}
}

// LongMultiplier and ShortMultiplier expose the scorer-facing
// multipliers the Signal Scorer applies (spec §4.F step "circuit
// breaker scoring adjustment").
func (m *Machine) LongMultiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LongScoringMultiplier
}

func (m *Machine) ShortMultiplier() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ShortScoringMultiplier
}

// Engage applies trigger's effect, composing it with whatever other
// triggers are already active, persists the result, and notifies the
// bias engine and subscribers.
func (m *Machine) Engage(ctx context.Context, trigger string) error {
	effect, known := m.rules.Lookup(trigger)
	if !known {
		return bierrors.New(bierrors.ConfigInvalid, "unknown breaker trigger: "+trigger)
	}

	m.mu.Lock()
	if effect.ClearAll {
		m.state = model.CircuitBreakerState{LongScoringMultiplier: 1.0, ShortScoringMultiplier: 1.0}
	} else {
		wasEngaged := len(m.state.ActiveTriggers) > 0
		if !containsTrigger(m.state.ActiveTriggers, trigger) {
			m.state.ActiveTriggers = append(m.state.ActiveTriggers, trigger)
		}
		if !wasEngaged {
			m.state.EngagedAt = time.Now().UTC()
		}
		m.recompose()
	}
	snapshot := m.state.Clone()
	m.mu.Unlock()

	if err := m.store.Save(ctx, snapshot); err != nil {
		return bierrors.Wrap(bierrors.GatewayUnavailable, "persist breaker state", err)
	}

	log.Info().Str("trigger", trigger).Strs("active_triggers", snapshot.ActiveTriggers).Msg("breaker state changed")

	if err := m.publish(ctx, snapshot); err != nil {
		log.Error().Err(err).Msg("failed to publish breaker change event")
	}
	m.recompute.Trigger(ctx)
	return nil
}

// CheckAutoReset clears the breaker if it has been engaged past its
// 24h minimum and the market has just opened, or is a no-op otherwise.
func (m *Machine) CheckAutoReset(ctx context.Context, now time.Time, marketJustOpened bool) error {
	m.mu.Lock()
	engaged := len(m.state.ActiveTriggers) > 0
	dueForReset := engaged && marketJustOpened && now.Sub(m.state.EngagedAt) >= resetDelay
	m.mu.Unlock()

	if !dueForReset {
		return nil
	}
	return m.Engage(ctx, "SPY_RECOVERY")
}

// recompose rebuilds ceiling/floor/multipliers from the full active
// trigger set, applying the composition rule of spec §4.E: strictest
// ceiling (most bearish, i.e. lowest BiasLevel), strictest floor (most
// bearish-protective, i.e. highest BiasLevel), min long multiplier, max
// short multiplier. Caller must hold m.mu.
func (m *Machine) recompose() {
	var (
		ceiling   *model.BiasLevel
		floor     *model.BiasLevel
		longMult  float64
		shortMult float64
		haveLong  bool
		haveShort bool
	)

	for _, trigger := range m.state.ActiveTriggers {
		effect, ok := m.rules.Lookup(trigger)
		if !ok {
			continue
		}
		if effect.Ceiling != nil && (ceiling == nil || *effect.Ceiling < *ceiling) {
			lvl := *effect.Ceiling
			ceiling = &lvl
		}
		if effect.Floor != nil && (floor == nil || *effect.Floor > *floor) {
			lvl := *effect.Floor
			floor = &lvl
		}
		if effect.LongMult > 0 && (!haveLong || effect.LongMult < longMult) {
			longMult, haveLong = effect.LongMult, true
		}
		if effect.ShortMult > 0 && (!haveShort || effect.ShortMult > shortMult) {
			shortMult, haveShort = effect.ShortMult, true
		}
	}
	if !haveLong {
		longMult = 1.0
	}
	if !haveShort {
		shortMult = 1.0
	}

	m.state.BiasCeiling = ceiling
	m.state.BiasFloor = floor
	m.state.LongScoringMultiplier = longMult
	m.state.ShortScoringMultiplier = shortMult
}

func (m *Machine) publish(ctx context.Context, state model.CircuitBreakerState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = gateway.AppendOrFail(ctx, m.eventLog, model.TopicBreakerChanged, payload)
	return err
}

func containsTrigger(triggers []string, trigger string) bool {
	for _, t := range triggers {
		if t == trigger {
			return true
		}
	}
	return false
}
