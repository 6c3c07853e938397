// Package model defines the shared data types that flow between the
// ingestion, bias, breaker, scorer and broadcast components. Types here
// are intentionally dumb: validation and transition logic lives in the
// owning component, not on the struct.
package model

import "time"

// FactorId is a closed symbolic handle fixed at boot from the Factor
// Registry (credit_spreads, vix_term, tick_breadth, ...).
type FactorId string

// Source identifies who produced a FactorReading.
type Source string

const (
	SourceScheduledPull Source = "SCHEDULED_PULL"
	SourceWebhook       Source = "WEBHOOK"
	SourceManual        Source = "MANUAL"
	SourceFallbackCache Source = "FALLBACK_CACHE"
)

// TimestampSource flags whether a reading's freshness can be trusted.
type TimestampSource string

const (
	TimestampSourceEvent      TimestampSource = "SOURCE_EVENT"
	TimestampSourceFallback   TimestampSource = "INGESTION_FALLBACK"
)

// BiasLevel is the five-level macro stance scale.
type BiasLevel int

const (
	UrsaMajor BiasLevel = iota
	UrsaMinor
	Neutral
	ToroMinor
	ToroMajor
)

func (b BiasLevel) String() string {
	switch b {
	case UrsaMajor:
		return "URSA_MAJOR"
	case UrsaMinor:
		return "URSA_MINOR"
	case Neutral:
		return "NEUTRAL"
	case ToroMinor:
		return "TORO_MINOR"
	case ToroMajor:
		return "TORO_MAJOR"
	default:
		return "UNKNOWN"
	}
}

// BiasLevelFromScore maps a clamped [-1,1] score to a level using the
// fixed bands from the spec: ≥0.60 TORO_MAJOR; ≥0.20 TORO_MINOR;
// ≥-0.19 NEUTRAL; ≥-0.59 URSA_MINOR; else URSA_MAJOR.
func BiasLevelFromScore(score float64) BiasLevel {
	switch {
	case score >= 0.60:
		return ToroMajor
	case score >= 0.20:
		return ToroMinor
	case score >= -0.19:
		return Neutral
	case score >= -0.59:
		return UrsaMinor
	default:
		return UrsaMajor
	}
}

// Metadata carries the two freshness-sensitive flags plus an opaque
// producer payload that rides through the pipeline unchanged.
type Metadata struct {
	TimestampSource TimestampSource        `json:"timestamp_source"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// FactorReading is an immutable, append-only snapshot of a single
// factor's state at a point in time.
type FactorReading struct {
	FactorId    FactorId               `json:"factor_id" db:"factor_id"`
	Score       float64                `json:"score" db:"score"`
	SignalLabel BiasLevel              `json:"signal_label" db:"signal_label"`
	Detail      string                 `json:"detail" db:"detail"`
	Source      Source                 `json:"source" db:"source"`
	ObservedAt  time.Time              `json:"observed_at" db:"observed_at"`
	IngestedAt  time.Time              `json:"ingested_at" db:"ingested_at"`
	Raw         map[string]interface{} `json:"raw,omitempty" db:"raw"`
	Metadata    Metadata               `json:"metadata" db:"metadata"`
	ProducerID  string                 `json:"producer_id" db:"producer_id"`
}

// FreshnessAnchor returns the timestamp that freshness decisions must
// use: event time when verifiable, ingestion time as a documented
// fallback otherwise (§9 Design Notes).
func (r FactorReading) FreshnessAnchor() time.Time {
	if r.Metadata.TimestampSource == TimestampSourceFallback {
		return r.IngestedAt
	}
	return r.ObservedAt
}

// Clamp restricts a score to [-1, 1].
func Clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
