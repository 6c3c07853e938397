package model

import "time"

// Direction of a candidate trade.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// CTAZone is a symbol-level regime derived from price vs. its 20/50/120/200 SMA.
type CTAZone string

const (
	ZoneMaxLong       CTAZone = "MAX_LONG"
	ZoneRecovery      CTAZone = "RECOVERY"
	ZoneDeLeveraging  CTAZone = "DE_LEVERAGING"
	ZoneWaterfall     CTAZone = "WATERFALL"
	ZoneCapitulation  CTAZone = "CAPITULATION"
	ZoneTransition    CTAZone = "TRANSITION"
)

// SectorWind classifies the sector ETF's zone vs. the signal's direction.
type SectorWind string

const (
	SectorTailwind SectorWind = "TAILWIND"
	SectorHeadwind SectorWind = "HEADWIND"
	SectorNeutral  SectorWind = "NEUTRAL"
	SectorUnknown  SectorWind = "UNKNOWN"
)

// BiasAlignment classifies a signal's direction against the composite bias.
type BiasAlignment string

const (
	AlignAligned     BiasAlignment = "ALIGNED"
	AlignCounterTrend BiasAlignment = "COUNTER_TREND"
	AlignNeutral     BiasAlignment = "NEUTRAL"
	AlignUnknown     BiasAlignment = "UNKNOWN"
)

// SignalStatus tracks the mutable lifecycle field of an otherwise
// immutable Signal.
type SignalStatus string

const (
	StatusActive    SignalStatus = "ACTIVE"
	StatusDismissed SignalStatus = "DISMISSED"
)

// Setup holds the fully-populated trade parameters the scorer derives.
type Setup struct {
	Entry              float64 `json:"entry"`
	EntryWindowLow     float64 `json:"entry_window_low"`
	EntryWindowHigh    float64 `json:"entry_window_high"`
	Stop               float64 `json:"stop"`
	T1                 float64 `json:"t1"`
	T2                 float64 `json:"t2"`
	RRT1               float64 `json:"rr_t1"`
	RRT2               float64 `json:"rr_t2"`
	InvalidationLevel  float64 `json:"invalidation_level"`
	InvalidationReason string  `json:"invalidation_reason"`
}

// Confluence records one co-occurring signal's contribution to a merge.
type Confluence struct {
	SignalType string `json:"signal_type"`
	Label      string `json:"label"`
	Boost      int    `json:"boost"`
}

// SetupContext carries the scorer's enrichment/provenance alongside Setup.
type SetupContext struct {
	StopAnchor           string        `json:"stop_anchor"`
	RRProfileKey         string        `json:"rr_profile_key"`
	SectorWind           SectorWind    `json:"sector_wind"`
	BiasAlignment        BiasAlignment `json:"bias_alignment"`
	Confluence           []Confluence  `json:"confluence,omitempty"`
	FlowConfirmation     string        `json:"flow_confirmation,omitempty"`
	ZoneUpgradeContext   string        `json:"zone_upgrade_context,omitempty"`
	ZoneDowngradeContext string        `json:"zone_downgrade_context,omitempty"`
	ConflictingSignals   bool          `json:"conflicting_signals,omitempty"`
}

// Confidence of a signal (distinct from CompositeResult's Confidence,
// kept as its own type because the value sets diverge in intent).
type SignalConfidence string

const (
	SignalConfidenceLow    SignalConfidence = "LOW"
	SignalConfidenceMedium SignalConfidence = "MEDIUM"
	SignalConfidenceHigh   SignalConfidence = "HIGH"
)

// Signal is a candidate trade, immutable except for Status.
type Signal struct {
	SignalID     string           `json:"signal_id" db:"signal_id"`
	Symbol       string           `json:"symbol" db:"symbol"`
	Direction    Direction        `json:"direction" db:"direction"`
	SignalType   string           `json:"signal_type" db:"signal_type"`
	SignalSource string           `json:"signal_source" db:"signal_source"`
	Setup        Setup            `json:"setup" db:"setup"`
	SetupContext SetupContext     `json:"setup_context" db:"setup_context"`
	Priority     int              `json:"priority" db:"priority"`
	Score        float64          `json:"score" db:"score"`
	Confidence   SignalConfidence `json:"confidence" db:"confidence"`
	Zone         CTAZone          `json:"zone" db:"zone"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	Status       SignalStatus     `json:"status" db:"status"`
}

// Outcome is the terminal classification of a Signal's price history replay.
type Outcome string

const (
	OutcomePending     Outcome = "PENDING"
	OutcomeHitT1       Outcome = "HIT_T1"
	OutcomeHitT2       Outcome = "HIT_T2"
	OutcomeStoppedOut  Outcome = "STOPPED_OUT"
	OutcomeInvalidated Outcome = "INVALIDATED"
	OutcomeExpired     Outcome = "EXPIRED"
)

// SignalOutcome is one-to-one with Signal.
type SignalOutcome struct {
	SignalID              string    `json:"signal_id" db:"signal_id"`
	Outcome               Outcome   `json:"outcome" db:"outcome"`
	OutcomeAt             time.Time `json:"outcome_at" db:"outcome_at"`
	OutcomePrice          float64   `json:"outcome_price" db:"outcome_price"`
	MaxFavorableExcursion float64   `json:"max_favorable_excursion" db:"max_favorable_excursion"`
	MaxAdverseExcursion   float64   `json:"max_adverse_excursion" db:"max_adverse_excursion"`
	DaysToOutcome         int       `json:"days_to_outcome" db:"days_to_outcome"`
	ReachedT1             bool      `json:"reached_t1" db:"reached_t1"`
}

// SubscriptionEvent is the envelope published on the broadcast fabric.
type SubscriptionEvent struct {
	Topic    string      `json:"topic"`
	Sequence uint64      `json:"sequence"`
	Payload  interface{} `json:"payload"`
}

// Well-known broadcast topics.
const (
	TopicBiasComposite   = "bias.composite"
	TopicSignalNew       = "signal.new"
	TopicSignalOutcome   = "signal.outcome"
	TopicBreakerChanged  = "breaker.changed"
	TopicAnomaly         = "anomaly"
	TopicSystemHeartbeat = "system.heartbeat"
)
