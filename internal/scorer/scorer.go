package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

// BreakerMultipliers is the narrow circuit-breaker slice the scorer
// needs: the long/short scoring multipliers and whatever ceiling/floor
// would deny a direction outright (spec §4.F step 11).
type BreakerMultipliers interface {
	CurrentCaps(ctx context.Context) model.BreakerCaps
	LongMultiplier() float64
	ShortMultiplier() float64
}

// Candidate is the caller-supplied trade idea; ATR/SMA values are
// source-provided (the external scanner/webhook owns price history
// acquisition, out of scope here per spec §1).
type Candidate struct {
	Symbol       string
	SignalType   string
	Direction    model.Direction
	SignalSource string
	Entry        float64
	Snapshot     SMASnapshot
	RSI          *float64
	ADX          *float64
	SectorSymbol string
}

// Scorer runs the spec §4.F pipeline.
type Scorer struct {
	kv      gateway.KV
	breaker BreakerMultipliers
}

func NewScorer(kv gateway.KV, breaker BreakerMultipliers) *Scorer {
	return &Scorer{kv: kv, breaker: breaker}
}

// Score produces the enriched Signal and its paired PENDING outcome.
func (s *Scorer) Score(ctx context.Context, c Candidate) (model.Signal, model.SignalOutcome, error) {
	now := time.Now().UTC()

	zone := ClassifyZone(c.Snapshot)
	if err := s.kv.Put(ctx, gateway.CTAZoneKey(c.Symbol), []byte(zone), 24*time.Hour); err != nil {
		log.Warn().Err(err).Str("symbol", c.Symbol).Msg("failed to cache classified CTA zone")
	}
	profile := LookupRRProfile(c.SignalType, zone)

	stop, stopAnchor := s.placeStop(c, zone, profile)
	risk := riskDistance(c.Entry, stop, c.Direction)

	t2 := targetFromATR(c.Entry, c.Snapshot.ATR, profile.TargetATRMult, c.Direction)
	t1, reachedSingle := s.placeT1(c, t2, risk)

	entryLow, entryHigh := EntryWindow(c.SignalType, c.Direction, c.Entry, c.Snapshot.ATR, c.Snapshot.SMA20, c.Snapshot.SMA50)
	invalidation, invalidReason := InvalidationLevel(c.SignalType, c.Direction, c.Snapshot.ATR, c.Snapshot.SMA20, c.Snapshot.SMA50, c.Snapshot.SMA120, c.Entry)

	sectorZone, sectorKnown := s.lookupSectorZone(ctx, c.SectorSymbol)
	sectorWind := SectorWind(sectorZone, c.Direction, sectorKnown)

	biasLevel, biasKnown := s.lookupBiasLevel(ctx)
	alignment := BiasAlignment(biasLevel, c.Direction, biasKnown)
	conviction := ConvictionMultiplier(alignment)

	t2 = adjustTargetByConviction(c.Entry, t2, conviction, c.Direction)
	if reachedSingle {
		t1 = t2
	}

	flowConfirmation := s.lookupFlowConfirmation(ctx, c.Symbol, c.Direction)

	rrT1 := rewardOverRisk(c.Entry, t1, risk, c.Direction)
	rrT2 := rewardOverRisk(c.Entry, t2, risk, c.Direction)

	score, confidence := s.computeScore(ctx, c, zone, conviction)

	setup := model.Setup{
		Entry:              c.Entry,
		EntryWindowLow:     entryLow,
		EntryWindowHigh:    entryHigh,
		Stop:               stop,
		T1:                 t1,
		T2:                 t2,
		RRT1:               rrT1,
		RRT2:               rrT2,
		InvalidationLevel:  invalidation,
		InvalidationReason: invalidReason,
	}

	setupContext := model.SetupContext{
		StopAnchor:       stopAnchor,
		RRProfileKey:     c.SignalType + "|" + string(zone),
		SectorWind:       sectorWind,
		BiasAlignment:    alignment,
		FlowConfirmation: flowConfirmation,
	}

	signal := model.Signal{
		SignalID:     deterministicSignalID(c.Symbol, c.SignalType, now),
		Symbol:       c.Symbol,
		Direction:    c.Direction,
		SignalType:   c.SignalType,
		SignalSource: c.SignalSource,
		Setup:        setup,
		SetupContext: setupContext,
		Priority:     int(score),
		Score:        score,
		Confidence:   confidence,
		Zone:         zone,
		CreatedAt:    now,
		Status:       model.StatusActive,
	}

	outcome := model.SignalOutcome{
		SignalID: signal.SignalID,
		Outcome:  model.OutcomePending,
	}

	return signal, outcome, nil
}

// placeStop implements the SMA-anchored stop placement of spec §4.F
// step 3.
func (s *Scorer) placeStop(c Candidate, zone model.CTAZone, profile RRProfile) (stop float64, anchor string) {
	atr := c.Snapshot.ATR
	type candidateStop struct {
		value float64
		name  string
		isPreferred bool
	}

	var candidates []candidateStop
	smas := []struct {
		value float64
		name  string
	}{
		{c.Snapshot.SMA20, "sma20"},
		{c.Snapshot.SMA50, "sma50"},
		{c.Snapshot.SMA120, "sma120"},
		{c.Snapshot.SMA200, "sma200"},
	}

	_, preferredName, hasPreferred := PreferredSMA(zone, c.Snapshot)
	side := "-"
	if c.Direction == model.Short {
		side = "+"
	}

	for _, sma := range smas {
		onProtectiveSide := (c.Direction == model.Long && sma.value < c.Entry) || (c.Direction == model.Short && sma.value > c.Entry)
		if !onProtectiveSide {
			continue
		}
		var candidateStopPrice float64
		if c.Direction == model.Long {
			candidateStopPrice = sma.value - 0.25*atr
		} else {
			candidateStopPrice = sma.value + 0.25*atr
		}
		risk := riskDistance(c.Entry, candidateStopPrice, c.Direction)
		if risk < 0.5*atr || risk > 3.0*atr {
			continue
		}
		candidates = append(candidates, candidateStop{
			value:       candidateStopPrice,
			name:        sma.name,
			isPreferred: hasPreferred && sma.name == preferredName,
		})
	}

	for _, cand := range candidates {
		if cand.isPreferred {
			return cand.value, fmt.Sprintf("%s %s 0.25*ATR (zone-preferred)", cand.name, side)
		}
	}

	if len(candidates) > 0 {
		best := candidates[0]
		bestDist := riskDistance(c.Entry, best.value, c.Direction)
		for _, cand := range candidates[1:] {
			dist := riskDistance(c.Entry, cand.value, c.Direction)
			if dist < bestDist {
				best, bestDist = cand, dist
			}
		}
		return best.value, fmt.Sprintf("%s %s 0.25*ATR (closest qualifying)", best.name, side)
	}

	if c.Direction == model.Long {
		return c.Entry - profile.StopATRMult*atr, fmt.Sprintf("%.2f*ATR (fallback)", profile.StopATRMult)
	}
	return c.Entry + profile.StopATRMult*atr, fmt.Sprintf("%.2f*ATR (fallback)", profile.StopATRMult)
}

func riskDistance(entry, stop float64, direction model.Direction) float64 {
	if direction == model.Long {
		return entry - stop
	}
	return stop - entry
}

func targetFromATR(entry, atr, mult float64, direction model.Direction) float64 {
	if direction == model.Long {
		return entry + mult*atr
	}
	return entry - mult*atr
}

// placeT1 implements spec §4.F step 4's T1 placement and single-target
// collapse rule.
func (s *Scorer) placeT1(c Candidate, t2, risk float64) (t1 float64, collapseToT2 bool) {
	reward := t2 - c.Entry
	if c.Direction == model.Short {
		reward = c.Entry - t2
	}

	halfRewardT1 := c.Entry + 0.5*reward
	if c.Direction == model.Short {
		halfRewardT1 = c.Entry - 0.5*reward
	}

	candidate := halfRewardT1
	for _, sma := range []float64{c.Snapshot.SMA20, c.Snapshot.SMA50, c.Snapshot.SMA120, c.Snapshot.SMA200} {
		if c.Direction == model.Long && sma > c.Entry && sma < t2 && sma < candidate {
			candidate = sma
		}
		if c.Direction == model.Short && sma < c.Entry && sma > t2 && sma > candidate {
			candidate = sma
		}
	}

	t1Reward := candidate - c.Entry
	if c.Direction == model.Short {
		t1Reward = c.Entry - candidate
	}
	if t1Reward < 0.75*risk {
		return t2, true
	}
	return candidate, false
}

func rewardOverRisk(entry, target, risk float64, direction model.Direction) float64 {
	if risk == 0 {
		return 0
	}
	reward := target - entry
	if direction == model.Short {
		reward = entry - target
	}
	return reward / risk
}

func adjustTargetByConviction(entry, t2, conviction float64, direction model.Direction) float64 {
	reward := t2 - entry
	if direction == model.Short {
		reward = entry - t2
	}
	adjusted := reward * conviction
	if adjusted < 0 {
		adjusted = 0
	}
	if direction == model.Long {
		return entry + adjusted
	}
	return entry - adjusted
}

func (s *Scorer) lookupSectorZone(ctx context.Context, sectorSymbol string) (model.CTAZone, bool) {
	if sectorSymbol == "" {
		return "", false
	}
	raw, ok, err := s.kv.Get(ctx, gateway.CTAZoneKey(sectorSymbol))
	if err != nil || !ok {
		return "", false
	}
	return model.CTAZone(raw), true
}

func (s *Scorer) lookupBiasLevel(ctx context.Context) (model.BiasLevel, bool) {
	raw, ok, err := s.kv.Get(ctx, gateway.PrefixBiasComposite)
	if err != nil || !ok {
		return model.Neutral, false
	}
	var result model.CompositeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return model.Neutral, false
	}
	return result.BiasLevel, true
}

func (s *Scorer) lookupFlowConfirmation(ctx context.Context, symbol string, direction model.Direction) string {
	raw, ok, err := s.kv.Get(ctx, gateway.FlowKey(symbol))
	if err != nil || !ok {
		return ""
	}
	var flow struct {
		Bullish bool `json:"bullish"`
	}
	if err := json.Unmarshal(raw, &flow); err != nil {
		return ""
	}
	aligned := (direction == model.Long && flow.Bullish) || (direction == model.Short && !flow.Bullish)
	if aligned {
		return "confirmation"
	}
	return "conflict"
}

// computeScore implements spec §4.F step 10 (scoring) and step 11
// (circuit-breaker confidence downgrade). RSI and ADX each contribute
// only when present — RSI is never backfilled from ADX.
func (s *Scorer) computeScore(ctx context.Context, c Candidate, zone model.CTAZone, conviction float64) (float64, model.SignalConfidence) {
	score := BaseScore(c.SignalType)
	score += ZoneBonus(zone, c.Direction)

	if c.RSI != nil {
		switch {
		case c.Direction == model.Long && *c.RSI < 30:
			score += 10
		case c.Direction == model.Short && *c.RSI > 70:
			score += 10
		}
	}
	if c.ADX != nil && *c.ADX > 25 {
		score += 5
	}

	score *= conviction

	var breakerLong, breakerShort = 1.0, 1.0
	var caps model.BreakerCaps
	if s.breaker != nil {
		breakerLong = s.breaker.LongMultiplier()
		breakerShort = s.breaker.ShortMultiplier()
		caps = s.breaker.CurrentCaps(ctx)
	}
	if c.Direction == model.Long {
		score *= breakerLong
	} else {
		score *= breakerShort
	}

	confidence := confidenceFromScore(score)

	denyLong := c.Direction == model.Long && caps.CeilingLevel != nil && *caps.CeilingLevel <= model.Neutral
	denyShort := c.Direction == model.Short && caps.FloorLevel != nil && *caps.FloorLevel >= model.Neutral
	if (denyLong || denyShort) && !IsReversalSetup(c.SignalType) {
		confidence = model.SignalConfidenceLow
	}

	return score, confidence
}

func confidenceFromScore(score float64) model.SignalConfidence {
	switch {
	case score >= 70:
		return model.SignalConfidenceHigh
	case score >= 40:
		return model.SignalConfidenceMedium
	default:
		return model.SignalConfidenceLow
	}
}

// deterministicSignalID builds the "symbol|type|bucketed_timestamp|
// microseconds" id of spec §3, using a uuid fragment in place of a raw
// microsecond counter to guarantee uniqueness under concurrent scoring
// of the same symbol/type/minute.
func deterministicSignalID(symbol, signalType string, createdAt time.Time) string {
	bucket := createdAt.Truncate(time.Minute).Unix()
	return fmt.Sprintf("%s|%s|%d|%s", symbol, signalType, bucket, uuid.New().String()[:8])
}
