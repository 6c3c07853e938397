package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

type fakeBreakerStore struct {
	mu    sync.Mutex
	saved *model.CircuitBreakerState
}

func (f *fakeBreakerStore) Save(_ context.Context, state model.CircuitBreakerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := state.Clone()
	f.saved = &clone
	return nil
}

func (f *fakeBreakerStore) Load(_ context.Context) (*model.CircuitBreakerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved, nil
}

type fakeRecomputer struct {
	triggered int
}

func (f *fakeRecomputer) Trigger(_ context.Context) { f.triggered++ }

func newTestMachine() (*Machine, *fakeRecomputer) {
	recompute := &fakeRecomputer{}
	m := NewMachine(DefaultRuleSet(), &fakeBreakerStore{}, gateway.NewMemoryLog(), recompute)
	return m, recompute
}

func TestMachine_Engage_SingleTrigger(t *testing.T) {
	m, recompute := newTestMachine()
	ctx := context.Background()

	if err := m.Engage(ctx, "SPY_DOWN_1PCT"); err != nil {
		t.Fatalf("Engage: %v", err)
	}

	caps := m.CurrentCaps(ctx)
	if caps.CeilingLevel == nil || *caps.CeilingLevel != model.ToroMinor {
		t.Fatalf("expected ceiling TORO_MINOR, got %v", caps.CeilingLevel)
	}
	if caps.FloorLevel != nil {
		t.Fatalf("expected no floor, got %v", caps.FloorLevel)
	}
	if m.LongMultiplier() != 0.90 {
		t.Errorf("expected long multiplier 0.90, got %v", m.LongMultiplier())
	}
	if recompute.triggered != 1 {
		t.Errorf("expected recompute triggered once, got %d", recompute.triggered)
	}
}

func TestMachine_Engage_ComposesStrictestCeilingAndFloor(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	// SPY_DOWN_1PCT ceils at TORO_MINOR; VIX_EXTREME ceils at TORO_MINOR
	// and floors at URSA_MINOR with a stricter long multiplier.
	if err := m.Engage(ctx, "SPY_DOWN_1PCT"); err != nil {
		t.Fatalf("Engage SPY_DOWN_1PCT: %v", err)
	}
	if err := m.Engage(ctx, "VIX_EXTREME"); err != nil {
		t.Fatalf("Engage VIX_EXTREME: %v", err)
	}

	caps := m.CurrentCaps(ctx)
	if caps.FloorLevel == nil || *caps.FloorLevel != model.UrsaMinor {
		t.Fatalf("expected floor URSA_MINOR once VIX_EXTREME is active, got %v", caps.FloorLevel)
	}
	if caps.CeilingLevel == nil || *caps.CeilingLevel != model.ToroMinor {
		t.Fatalf("expected ceiling TORO_MINOR, got %v", caps.CeilingLevel)
	}
	// Strictest (lowest) long multiplier across active triggers wins.
	if m.LongMultiplier() != 0.70 {
		t.Errorf("expected composed long multiplier 0.70, got %v", m.LongMultiplier())
	}
	if m.ShortMultiplier() != 1.30 {
		t.Errorf("expected composed short multiplier 1.30, got %v", m.ShortMultiplier())
	}
}

func TestMachine_Engage_UnknownTrigger(t *testing.T) {
	m, _ := newTestMachine()
	if err := m.Engage(context.Background(), "NOT_A_TRIGGER"); err == nil {
		t.Fatal("expected error for unknown trigger")
	}
}

func TestMachine_Engage_SPYRecoveryClearsEverything(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if err := m.Engage(ctx, "VIX_EXTREME"); err != nil {
		t.Fatalf("Engage VIX_EXTREME: %v", err)
	}
	if err := m.Engage(ctx, "SPY_RECOVERY"); err != nil {
		t.Fatalf("Engage SPY_RECOVERY: %v", err)
	}

	state := m.State()
	if state.IsEngaged() {
		t.Fatalf("expected breaker cleared after SPY_RECOVERY, got active triggers %v", state.ActiveTriggers)
	}
	if m.LongMultiplier() != 1.0 || m.ShortMultiplier() != 1.0 {
		t.Errorf("expected multipliers reset to 1.0, got long=%v short=%v", m.LongMultiplier(), m.ShortMultiplier())
	}
}

func TestMachine_CheckAutoReset(t *testing.T) {
	m, _ := newTestMachine()
	ctx := context.Background()

	if err := m.Engage(ctx, "SPY_DOWN_2PCT"); err != nil {
		t.Fatalf("Engage: %v", err)
	}

	// Not due: market hasn't just opened.
	if err := m.CheckAutoReset(ctx, time.Now(), false); err != nil {
		t.Fatalf("CheckAutoReset: %v", err)
	}
	if !m.State().IsEngaged() {
		t.Fatal("breaker should remain engaged when market hasn't just opened")
	}

	// Not due: resetDelay hasn't elapsed yet, even at market open.
	if err := m.CheckAutoReset(ctx, time.Now(), true); err != nil {
		t.Fatalf("CheckAutoReset: %v", err)
	}
	if !m.State().IsEngaged() {
		t.Fatal("breaker should remain engaged before the 24h reset delay elapses")
	}

	// Due: simulate resetDelay having elapsed via a far-future now.
	future := time.Now().Add(resetDelay + time.Minute)
	if err := m.CheckAutoReset(ctx, future, true); err != nil {
		t.Fatalf("CheckAutoReset: %v", err)
	}
	if m.State().IsEngaged() {
		t.Fatal("breaker should auto-reset once past the delay at market open")
	}
}

func TestDefaultRuleSet_HasSixNamedTriggers(t *testing.T) {
	rs := DefaultRuleSet()
	for _, trigger := range []string{
		"SPY_DOWN_1PCT", "SPY_DOWN_2PCT", "VIX_SPIKE", "VIX_EXTREME", "SPY_UP_2PCT", "SPY_RECOVERY",
	} {
		if _, ok := rs.Lookup(trigger); !ok {
			t.Errorf("expected default rule set to contain %s", trigger)
		}
	}
}
