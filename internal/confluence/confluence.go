// Package confluence implements the Confluence & Enrichment merge pass
// (spec §4.G): once a signal is scored, it is checked against other
// currently-active signals on the same symbol and its priority/confidence
// is adjusted for alignment or conflict, mirroring the weighted
// multi-source agreement check the teacher's signal-aggregation idiom
// uses before approving a trade action.
package confluence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/biasengine/internal/model"
)

// alignedBaseBoost is added once a symbol carries two or more aligned
// signals (itself plus at least one peer).
const alignedBaseBoost = 25

// highConfidenceThreshold is the cumulative boost at which a signal is
// promoted to HIGH confidence regardless of its own scored confidence.
const highConfidenceThreshold = 40

// lookbackWindow bounds how far back a peer signal on the same symbol is
// still considered "currently active" for confluence purposes; matches
// the CTA zone cache TTL the scorer already uses for this symbol.
const lookbackWindow = 24 * time.Hour

// ComboRule is a named, order-independent pair of signal types that
// carries its own boost and label beyond the generic aligned-count bonus.
type ComboRule struct {
	A, B  string
	Boost int
	Label string
}

// comboRules is the spec §4.G table. GOLDEN_TOUCH (a bullish SMA
// breakout) co-occurring with TRAPPED_SHORTS (a short-squeeze reversal)
// on the same symbol is the textbook "squeeze into trend" setup.
var comboRules = []ComboRule{
	{A: "GOLDEN_TOUCH", B: "TRAPPED_SHORTS", Boost: 40, Label: "squeeze into trend"},
}

func lookupCombo(a, b string) (ComboRule, bool) {
	for _, r := range comboRules {
		if (r.A == a && r.B == b) || (r.A == b && r.B == a) {
			return r, true
		}
	}
	return ComboRule{}, false
}

// Repo is the narrow slice of gateway.SignalsRepo the merge pass is
// built on: a read of other active signals on the symbol, and a
// write-back for conflicting peers. Apply itself only reads; the
// write-back is done by its caller.
type Repo interface {
	ListActive(ctx context.Context, symbol, signalType string, since time.Time) ([]model.Signal, error)
	UpdateEnrichment(ctx context.Context, signalID string, priority int, confidence model.SignalConfidence, setupContext model.SetupContext) error
}

// Merger runs the per-symbol confluence merge of spec §4.G.
type Merger struct {
	repo Repo
}

func NewMerger(repo Repo) *Merger {
	return &Merger{repo: repo}
}

// Apply merges signal against its currently-active peers on the same
// symbol, mutating signal's Priority, Confidence, and
// SetupContext.Confluence/ConflictingSignals in place. It never touches
// entry/stop/target. It returns any conflicting peers whose own
// confidence/setup_context must also be persisted as LOW/flagged; the
// caller owns writing those back (handlers.go does so via the repo it
// already holds, so the merge pass stays storage-agnostic about signal
// itself and only reaches into the repo for peer lookups).
func (m *Merger) Apply(ctx context.Context, signal *model.Signal) ([]model.Signal, error) {
	if m == nil || m.repo == nil {
		return nil, nil
	}

	since := time.Now().UTC().Add(-lookbackWindow)
	peers, err := m.repo.ListActive(ctx, signal.Symbol, "", since)
	if err != nil {
		return nil, fmt.Errorf("confluence: list active signals for %s: %w", signal.Symbol, err)
	}

	var aligned, conflicting []model.Signal
	for _, peer := range peers {
		if peer.SignalID == signal.SignalID {
			continue
		}
		if peer.Direction == signal.Direction {
			aligned = append(aligned, peer)
		} else {
			conflicting = append(conflicting, peer)
		}
	}

	var boost int
	var contributions []model.Confluence

	if len(aligned) >= 1 {
		contributions = append(contributions, model.Confluence{
			SignalType: "ALIGNED_COUNT",
			Label:      fmt.Sprintf("%d aligned signals on %s", len(aligned)+1, signal.Symbol),
			Boost:      alignedBaseBoost,
		})
		boost += alignedBaseBoost
	}

	seenTypes := make(map[string]bool, len(aligned))
	for _, peer := range aligned {
		if seenTypes[peer.SignalType] {
			continue
		}
		seenTypes[peer.SignalType] = true
		if rule, ok := lookupCombo(signal.SignalType, peer.SignalType); ok {
			contributions = append(contributions, model.Confluence{
				SignalType: peer.SignalType,
				Label:      rule.Label,
				Boost:      rule.Boost,
			})
			boost += rule.Boost
		}
	}

	if len(contributions) > 0 {
		signal.Priority += boost
		signal.SetupContext.Confluence = append(signal.SetupContext.Confluence, contributions...)
		if boost >= highConfidenceThreshold {
			signal.Confidence = model.SignalConfidenceHigh
		}
		log.Info().Str("symbol", signal.Symbol).Int("boost", boost).Msg("confluence boost applied")
	}

	if len(conflicting) == 0 {
		return nil, nil
	}

	signal.Confidence = model.SignalConfidenceLow
	signal.SetupContext.ConflictingSignals = true
	log.Warn().Str("symbol", signal.Symbol).Int("conflicting_peers", len(conflicting)).
		Msg("conflicting signal directions on symbol; confidence forced to LOW")

	flagged := make([]model.Signal, 0, len(conflicting))
	for _, peer := range conflicting {
		peer.Confidence = model.SignalConfidenceLow
		peer.SetupContext.ConflictingSignals = true
		flagged = append(flagged, peer)
	}
	return flagged, nil
}
