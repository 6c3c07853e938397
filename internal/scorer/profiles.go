package scorer

import "github.com/sawpanic/biasengine/internal/model"

// RRProfile is the (stop_atr_mult, target_atr_mult) pair a signal_type
// and zone combination resolves to (spec §4.F step 2).
type RRProfile struct {
	StopATRMult   float64
	TargetATRMult float64
}

var defaultRRProfile = RRProfile{StopATRMult: 1.5, TargetATRMult: 3.0}

// rrProfiles is keyed by "signal_type|zone"; a miss falls back to
// defaultRRProfile.
var rrProfiles = map[string]RRProfile{
	"GOLDEN_TOUCH|MAX_LONG":        {StopATRMult: 1.5, TargetATRMult: 3.5},
	"GOLDEN_TOUCH|RECOVERY":        {StopATRMult: 1.25, TargetATRMult: 3.0},
	"PULLBACK_ENTRY|RECOVERY":      {StopATRMult: 1.0, TargetATRMult: 2.5},
	"PULLBACK_ENTRY|DE_LEVERAGING": {StopATRMult: 1.25, TargetATRMult: 2.25},
	"TWO_CLOSE_VOLUME|MAX_LONG":    {StopATRMult: 1.0, TargetATRMult: 2.0},
	"TRAPPED_SHORTS|WATERFALL":     {StopATRMult: 2.0, TargetATRMult: 4.0},
	"TRAPPED_SHORTS|CAPITULATION":  {StopATRMult: 2.25, TargetATRMult: 4.5},
}

// LookupRRProfile resolves the (signal_type, zone) pair, falling back
// to the documented default on miss.
func LookupRRProfile(signalType string, zone model.CTAZone) RRProfile {
	if p, ok := rrProfiles[signalType+"|"+string(zone)]; ok {
		return p
	}
	return defaultRRProfile
}

// EntryWindow computes the valid entry price band for a LONG signal;
// SHORT windows mirror it around entry (spec §6 entry-window table is
// expressed in LONG terms).
func EntryWindow(signalType string, direction model.Direction, entry, atr, sma20, sma50 float64) (low, high float64) {
	var lo, hi float64
	switch signalType {
	case "GOLDEN_TOUCH":
		lo, hi = sma20, sma20+0.75*atr
	case "PULLBACK_ENTRY":
		lo, hi = sma50, sma50+0.75*atr
	case "TWO_CLOSE_VOLUME":
		lo, hi = entry-0.25*atr, entry+1.0*atr
	case "TRAPPED_SHORTS":
		lo, hi = entry-0.5*atr, entry+1.0*atr
	default:
		lo, hi = entry-0.5*atr, entry+0.75*atr
	}

	if direction == model.Short {
		// Reflect the LONG-expressed offsets across entry: the distance
		// above entry becomes the distance below, and vice versa.
		belowEntry := entry - lo
		aboveEntry := hi - entry
		return entry - aboveEntry, entry + belowEntry
	}
	return lo, hi
}

// InvalidationLevel returns the structural invalidation price and its
// human-readable reason (spec §4.F step 6). Types without an explicit
// rule fall back to a wide ATR-based structural level.
func InvalidationLevel(signalType string, direction model.Direction, atr, sma20, sma50, sma120 float64, entry float64) (level float64, reason string) {
	sign := 1.0
	if direction == model.Short {
		sign = -1.0
	}

	switch signalType {
	case "GOLDEN_TOUCH":
		return sma50 - sign*0.25*atr, "sma50 ± 0.25*ATR"
	case "PULLBACK_ENTRY":
		return sma120 - sign*0.25*atr, "sma120 ± 0.25*ATR"
	default:
		return entry - sign*1.5*atr, "entry ± 1.5*ATR (default structural level)"
	}
}

// baseScore is the signal-type component of spec §4.F step 10.
var baseScore = map[string]float64{
	"GOLDEN_TOUCH":      50,
	"PULLBACK_ENTRY":    45,
	"TWO_CLOSE_VOLUME":  40,
	"TRAPPED_SHORTS":    55,
}

const defaultBaseScore = 30

// BaseScore returns the signal-type base component, or a conservative
// default for unrecognized types.
func BaseScore(signalType string) float64 {
	if v, ok := baseScore[signalType]; ok {
		return v
	}
	return defaultBaseScore
}

// zoneBonus rewards a signal whose direction agrees with the zone's
// implied trend strength.
func ZoneBonus(zone model.CTAZone, direction model.Direction) float64 {
	rank, ok := ctaRank[zone]
	if !ok {
		return 0
	}
	// Center rank on DE_LEVERAGING (3) so bullish zones reward LONG and
	// bearish zones reward SHORT symmetrically.
	centered := float64(rank - ctaRank[model.ZoneDeLeveraging])
	if direction == model.Short {
		centered = -centered
	}
	return centered * 5
}

// reversalSignalTypes are exempted from the circuit-breaker confidence
// downgrade of spec §4.F step 11 because their thesis IS the reversal
// the breaker is designed to catch.
var reversalSignalTypes = map[string]bool{
	"TRAPPED_SHORTS": true,
}

// IsReversalSetup reports whether signalType is explicitly exempted.
func IsReversalSetup(signalType string) bool {
	return reversalSignalTypes[signalType]
}
