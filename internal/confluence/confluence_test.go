package confluence

import (
	"context"
	"testing"
	"time"

	"github.com/sawpanic/biasengine/internal/model"
)

type fakeRepo struct {
	peers   []model.Signal
	updated []model.Signal
}

func (f *fakeRepo) ListActive(_ context.Context, symbol, _ string, _ time.Time) ([]model.Signal, error) {
	var out []model.Signal
	for _, s := range f.peers {
		if s.Symbol == symbol {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateEnrichment(_ context.Context, signalID string, priority int, confidence model.SignalConfidence, setupContext model.SetupContext) error {
	f.updated = append(f.updated, model.Signal{SignalID: signalID, Priority: priority, Confidence: confidence, SetupContext: setupContext})
	return nil
}

func TestMerger_Apply_NoPeersIsNoOp(t *testing.T) {
	repo := &fakeRepo{}
	m := NewMerger(repo)

	signal := &model.Signal{SignalID: "a", Symbol: "SPY", Direction: model.Long, SignalType: "GOLDEN_TOUCH", Priority: 50}
	flagged, err := m.Apply(context.Background(), signal)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if flagged != nil {
		t.Errorf("expected no flagged peers, got %+v", flagged)
	}
	if signal.Priority != 50 {
		t.Errorf("expected priority unchanged at 50, got %d", signal.Priority)
	}
}

func TestMerger_Apply_AlignedBaseBoost(t *testing.T) {
	repo := &fakeRepo{peers: []model.Signal{
		{SignalID: "peer", Symbol: "SPY", Direction: model.Long, SignalType: "PULLBACK_ENTRY"},
	}}
	m := NewMerger(repo)

	signal := &model.Signal{SignalID: "a", Symbol: "SPY", Direction: model.Long, SignalType: "TWO_CLOSE_VOLUME", Priority: 50, Confidence: model.SignalConfidenceMedium}
	if _, err := m.Apply(context.Background(), signal); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if signal.Priority != 75 {
		t.Errorf("expected priority 75 (50+25 base boost), got %d", signal.Priority)
	}
	if signal.Confidence != model.SignalConfidenceMedium {
		t.Errorf("boost of 25 must not reach the HIGH promotion threshold, got %s", signal.Confidence)
	}
	if len(signal.SetupContext.Confluence) != 1 || signal.SetupContext.Confluence[0].Boost != 25 {
		t.Errorf("expected one 25-point aligned-count contribution, got %+v", signal.SetupContext.Confluence)
	}
}

func TestMerger_Apply_ComboBoostPromotesToHigh(t *testing.T) {
	repo := &fakeRepo{peers: []model.Signal{
		{SignalID: "peer", Symbol: "SPY", Direction: model.Long, SignalType: "TRAPPED_SHORTS"},
	}}
	m := NewMerger(repo)

	signal := &model.Signal{SignalID: "a", Symbol: "SPY", Direction: model.Long, SignalType: "GOLDEN_TOUCH", Priority: 50, Confidence: model.SignalConfidenceMedium}
	if _, err := m.Apply(context.Background(), signal); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// base boost (25) + combo boost (40) = 65
	if signal.Priority != 115 {
		t.Errorf("expected priority 115 (50+25+40), got %d", signal.Priority)
	}
	if signal.Confidence != model.SignalConfidenceHigh {
		t.Errorf("expected HIGH confidence once cumulative boost reaches 40+, got %s", signal.Confidence)
	}

	var labels []string
	for _, c := range signal.SetupContext.Confluence {
		labels = append(labels, c.Label)
	}
	found := false
	for _, l := range labels {
		if l == "squeeze into trend" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the GOLDEN_TOUCH+TRAPPED_SHORTS combo label, got %v", labels)
	}
}

func TestMerger_Apply_ConflictingDirectionForcesLowAndFlagsPeers(t *testing.T) {
	repo := &fakeRepo{peers: []model.Signal{
		{SignalID: "peer", Symbol: "SPY", Direction: model.Short, SignalType: "TRAPPED_SHORTS", Confidence: model.SignalConfidenceHigh},
	}}
	m := NewMerger(repo)

	signal := &model.Signal{SignalID: "a", Symbol: "SPY", Direction: model.Long, SignalType: "GOLDEN_TOUCH", Confidence: model.SignalConfidenceHigh}
	flagged, err := m.Apply(context.Background(), signal)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if signal.Confidence != model.SignalConfidenceLow {
		t.Errorf("expected conflicting directions to force LOW confidence, got %s", signal.Confidence)
	}
	if !signal.SetupContext.ConflictingSignals {
		t.Error("expected ConflictingSignals flag to be set")
	}
	if len(flagged) != 1 || flagged[0].SignalID != "peer" {
		t.Fatalf("expected the opposing peer to be returned for re-persistence, got %+v", flagged)
	}
	if flagged[0].Confidence != model.SignalConfidenceLow || !flagged[0].SetupContext.ConflictingSignals {
		t.Errorf("expected flagged peer to carry LOW confidence and the conflict flag, got %+v", flagged[0])
	}
}

func TestMerger_Apply_NilMergerIsNoOp(t *testing.T) {
	var m *Merger
	signal := &model.Signal{SignalID: "a", Symbol: "SPY", Priority: 10}
	flagged, err := m.Apply(context.Background(), signal)
	if err != nil || flagged != nil {
		t.Fatalf("expected a nil merger to be a safe no-op, got flagged=%v err=%v", flagged, err)
	}
	if signal.Priority != 10 {
		t.Error("expected priority unchanged")
	}
}
