package scorer

import (
	"context"
	"testing"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

type fakeBreaker struct {
	caps       model.BreakerCaps
	longMult   float64
	shortMult  float64
}

func (f fakeBreaker) CurrentCaps(_ context.Context) model.BreakerCaps { return f.caps }
func (f fakeBreaker) LongMultiplier() float64                        { return f.longMult }
func (f fakeBreaker) ShortMultiplier() float64                       { return f.shortMult }

func neutralBreaker() fakeBreaker {
	return fakeBreaker{longMult: 1.0, shortMult: 1.0}
}

func TestClassifyZone_BullishStack(t *testing.T) {
	cases := []struct {
		name string
		snap SMASnapshot
		want model.CTAZone
	}{
		{"price above all four SMAs", SMASnapshot{Price: 110, SMA20: 100, SMA50: 90, SMA120: 80, SMA200: 70}, model.ZoneMaxLong},
		{"price above three of four", SMASnapshot{Price: 95, SMA20: 100, SMA50: 90, SMA120: 80, SMA200: 70}, model.ZoneRecovery},
		{"price below all four", SMASnapshot{Price: 50, SMA20: 100, SMA50: 90, SMA120: 80, SMA200: 70}, model.ZoneCapitulation},
		{"non-monotonic stack is transition", SMASnapshot{Price: 100, SMA20: 90, SMA50: 100, SMA120: 80, SMA200: 70}, model.ZoneTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyZone(tc.snap)
			if got != tc.want {
				t.Errorf("ClassifyZone(%+v) = %s, want %s", tc.snap, got, tc.want)
			}
		})
	}
}

func TestScorer_Score_LongMaxLongSetup(t *testing.T) {
	kv := gateway.NewMemoryKV()
	s := NewScorer(kv, neutralBreaker())

	candidate := Candidate{
		Symbol:     "AAPL",
		SignalType: "breakout",
		Direction:  model.Long,
		Entry:      110,
		Snapshot:   SMASnapshot{Price: 110, ATR: 2, SMA20: 100, SMA50: 90, SMA120: 80, SMA200: 70},
	}

	signal, outcome, err := s.Score(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if signal.Zone != model.ZoneMaxLong {
		t.Errorf("expected MAX_LONG zone, got %s", signal.Zone)
	}
	if signal.Setup.Stop >= candidate.Entry {
		t.Errorf("expected a protective stop below entry for a long, got %v", signal.Setup.Stop)
	}
	if signal.Setup.T2 <= candidate.Entry {
		t.Errorf("expected T2 above entry for a long, got %v", signal.Setup.T2)
	}
	if outcome.Outcome != model.OutcomePending {
		t.Errorf("expected a PENDING outcome row, got %s", outcome.Outcome)
	}
	if outcome.SignalID != signal.SignalID {
		t.Error("outcome must be keyed to the same signal id it was scored with")
	}
}

func TestScorer_Score_CircuitBreakerDeniesCounterTrendLong(t *testing.T) {
	kv := gateway.NewMemoryKV()
	ceiling := model.UrsaMinor
	breaker := fakeBreaker{
		caps:      model.BreakerCaps{CeilingLevel: &ceiling},
		longMult:  0.90,
		shortMult: 1.10,
	}
	s := NewScorer(kv, breaker)

	candidate := Candidate{
		Symbol:     "AAPL",
		SignalType: "breakout",
		Direction:  model.Long,
		Entry:      110,
		Snapshot:   SMASnapshot{Price: 110, ATR: 2, SMA20: 100, SMA50: 90, SMA120: 80, SMA200: 70},
	}

	signal, _, err := s.Score(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if signal.Confidence != model.SignalConfidenceLow {
		t.Errorf("expected a breaker ceiling below neutral to force low confidence on a long, got %s", signal.Confidence)
	}
}
