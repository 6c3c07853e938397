package gateway

import (
	"context"
	"time"

	"github.com/sawpanic/biasengine/internal/model"
)

// TimeRange bounds a query window, mirroring the teacher's
// persistence.TimeRange used across its repos.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// FactorReadingsRepo persists the append-only factor_readings table.
type FactorReadingsRepo interface {
	Insert(ctx context.Context, reading model.FactorReading) error
	ListByFactor(ctx context.Context, id model.FactorId, tr TimeRange, limit int) ([]model.FactorReading, error)
	Latest(ctx context.Context, id model.FactorId) (*model.FactorReading, error)
	// AsOf returns the most recent reading for id observed at or before
	// cutoff — used by the velocity detector (spec §4.D step 5) to find
	// a factor's reading from ≥24h earlier.
	AsOf(ctx context.Context, id model.FactorId, cutoff time.Time) (*model.FactorReading, error)
}

// BiasHistoryRepo persists bias_composite_history.
type BiasHistoryRepo interface {
	Insert(ctx context.Context, result model.CompositeResult) error
	Latest(ctx context.Context) (*model.CompositeResult, error)
	ListRange(ctx context.Context, tr TimeRange) ([]model.CompositeResult, error)
}

// BreakerStateRepo persists the single breaker_state row durably so it
// survives a process restart (spec §4.E).
type BreakerStateRepo interface {
	Save(ctx context.Context, state model.CircuitBreakerState) error
	Load(ctx context.Context) (*model.CircuitBreakerState, error)
}

// SignalsRepo persists signals, keyed by the deterministic SignalID.
type SignalsRepo interface {
	// Insert is idempotent: a duplicate signal_id is a no-op that
	// returns the original row (spec §7 DUPLICATE_SIGNAL_ID).
	Insert(ctx context.Context, signal model.Signal) (model.Signal, error)
	Get(ctx context.Context, signalID string) (*model.Signal, error)
	ListActive(ctx context.Context, symbol, signalType string, since time.Time) ([]model.Signal, error)
	SetStatus(ctx context.Context, signalID string, status model.SignalStatus) error
	// UpdateEnrichment persists the confluence pass's priority/confidence/
	// setup_context adjustments (spec §4.G) without touching any other field.
	UpdateEnrichment(ctx context.Context, signalID string, priority int, confidence model.SignalConfidence, setupContext model.SetupContext) error
}

// SignalOutcomesRepo persists the one-to-one outcome row per signal.
type SignalOutcomesRepo interface {
	Insert(ctx context.Context, outcome model.SignalOutcome) error
	Get(ctx context.Context, signalID string) (*model.SignalOutcome, error)
	Update(ctx context.Context, outcome model.SignalOutcome) error
	ListPending(ctx context.Context, olderThan time.Duration) ([]model.SignalOutcome, error)
	// HitRates aggregates terminal outcomes grouped by (signal_type, zone)
	// for the §6 "Read: outcomes hit-rates" endpoint.
	HitRates(ctx context.Context, tr TimeRange) ([]HitRateRow, error)
}

// HitRateRow is one (signal_type, zone) aggregate bucket.
type HitRateRow struct {
	SignalType string  `json:"signal_type" db:"signal_type"`
	Zone       string  `json:"zone" db:"zone"`
	Total      int64   `json:"total" db:"total"`
	Wins       int64   `json:"wins" db:"wins"`
	HitRate    float64 `json:"hit_rate" db:"hit_rate"`
}

// Records bundles the durable record-store repositories behind one
// handle, the way the teacher wires TradesRepo/RegimeRepo/PremoveRepo
// off a shared *sqlx.DB.
type Records struct {
	Factors   FactorReadingsRepo
	Bias      BiasHistoryRepo
	Breaker   BreakerStateRepo
	Signals   SignalsRepo
	Outcomes  SignalOutcomesRepo
}
