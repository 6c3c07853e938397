// Package scorer implements the Signal Scorer (spec §4.F): given a
// candidate trade idea and the symbol's current SMA/ATR snapshot, it
// produces a fully enriched Signal with populated setup and
// setup_context. Zone classification follows the teacher's majority
// vote style in internal/regime/detector.go (several independent
// signals combined into one discrete label) rather than a single
// threshold check.
package scorer

import "github.com/sawpanic/biasengine/internal/model"

// CTARank orders CTAZone from most to least bullish, used for sector
// wind and zone-bonus comparisons.
var ctaRank = map[model.CTAZone]int{
	model.ZoneMaxLong:      5,
	model.ZoneRecovery:     4,
	model.ZoneDeLeveraging: 3,
	model.ZoneTransition:   2,
	model.ZoneWaterfall:    1,
	model.ZoneCapitulation: 0,
}

// SMASnapshot carries a symbol's source-provided moving averages and
// ATR; the scorer never computes these itself (price-history
// acquisition is an out-of-scope external collaborator per spec §1).
type SMASnapshot struct {
	Price float64
	ATR   float64
	SMA20  float64
	SMA50  float64
	SMA120 float64
	SMA200 float64
}

// ClassifyZone derives the CTA zone from price vs. the 20/50/120/200
// SMA stack. A cleanly bullish-stacked alignment (sma20 ≥ sma50 ≥
// sma120 ≥ sma200) maps the count of SMAs price sits above onto the
// zone ladder; any other ordering is TRANSITION — the stack itself is
// not trending in one consistent direction.
func ClassifyZone(s SMASnapshot) model.CTAZone {
	if !(s.SMA20 >= s.SMA50 && s.SMA50 >= s.SMA120 && s.SMA120 >= s.SMA200) {
		return model.ZoneTransition
	}

	above := 0
	for _, sma := range []float64{s.SMA20, s.SMA50, s.SMA120, s.SMA200} {
		if s.Price > sma {
			above++
		}
	}

	switch above {
	case 4:
		return model.ZoneMaxLong
	case 3:
		return model.ZoneRecovery
	case 2:
		return model.ZoneDeLeveraging
	case 1:
		return model.ZoneWaterfall
	default:
		return model.ZoneCapitulation
	}
}

// PreferredSMA returns the zone's preferred stop-anchor SMA value and
// name, per spec §4.F step 3 ("MAX_LONG → 20 SMA, RECOVERY → 50 SMA,
// DE_LEVERAGING → 120 SMA"). TRANSITION has no preference.
func PreferredSMA(zone model.CTAZone, s SMASnapshot) (value float64, name string, ok bool) {
	switch zone {
	case model.ZoneMaxLong:
		return s.SMA20, "sma20", true
	case model.ZoneRecovery:
		return s.SMA50, "sma50", true
	case model.ZoneDeLeveraging:
		return s.SMA120, "sma120", true
	case model.ZoneWaterfall, model.ZoneCapitulation:
		return s.SMA200, "sma200", true
	default:
		return 0, "", false
	}
}

// SectorWind classifies a sector ETF's zone against a signal's
// direction.
func SectorWind(sectorZone model.CTAZone, direction model.Direction, known bool) model.SectorWind {
	if !known {
		return model.SectorUnknown
	}
	rank, ok := ctaRank[sectorZone]
	if !ok {
		return model.SectorUnknown
	}
	bullish := rank >= ctaRank[model.ZoneRecovery]
	bearish := rank <= ctaRank[model.ZoneWaterfall]

	switch {
	case direction == model.Long && bullish:
		return model.SectorTailwind
	case direction == model.Long && bearish:
		return model.SectorHeadwind
	case direction == model.Short && bearish:
		return model.SectorTailwind
	case direction == model.Short && bullish:
		return model.SectorHeadwind
	default:
		return model.SectorNeutral
	}
}

// BiasAlignment classifies a signal's direction against the composite
// bias level (spec §4.F step 8).
func BiasAlignment(biasLevel model.BiasLevel, direction model.Direction, known bool) model.BiasAlignment {
	if !known {
		return model.AlignUnknown
	}
	switch {
	case direction == model.Long && biasLevel >= model.ToroMinor:
		return model.AlignAligned
	case direction == model.Short && biasLevel <= model.UrsaMinor:
		return model.AlignAligned
	case direction == model.Long && biasLevel <= model.UrsaMinor:
		return model.AlignCounterTrend
	case direction == model.Short && biasLevel >= model.ToroMinor:
		return model.AlignCounterTrend
	default:
		return model.AlignNeutral
	}
}

// ConvictionMultiplier maps a bias alignment to the reward-distance
// multiplier of spec §4.F step 8.
func ConvictionMultiplier(alignment model.BiasAlignment) float64 {
	switch alignment {
	case model.AlignAligned:
		return 1.2
	case model.AlignCounterTrend:
		return 0.8
	default:
		return 1.0
	}
}
