package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

// breakerStateRepo persists the single circuit-breaker state row. A
// process restart during a bearish regime that cannot restore this row
// would erroneously re-allow long bias, so Save always upserts the
// singleton row id=1.
type breakerStateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewBreakerStateRepo(db *sqlx.DB, timeout time.Duration) gateway.BreakerStateRepo {
	return &breakerStateRepo{db: db, timeout: timeout}
}

func (r *breakerStateRepo) Save(ctx context.Context, state model.CircuitBreakerState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	triggersJSON, err := json.Marshal(state.ActiveTriggers)
	if err != nil {
		return fmt.Errorf("marshal active triggers: %w", err)
	}

	var ceiling, floor sql.NullInt64
	if state.BiasCeiling != nil {
		ceiling = sql.NullInt64{Int64: int64(*state.BiasCeiling), Valid: true}
	}
	if state.BiasFloor != nil {
		floor = sql.NullInt64{Int64: int64(*state.BiasFloor), Valid: true}
	}

	query := `
		INSERT INTO breaker_state (id, active_triggers, bias_ceiling, bias_floor, long_mult, short_mult, engaged_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			active_triggers = EXCLUDED.active_triggers,
			bias_ceiling = EXCLUDED.bias_ceiling,
			bias_floor = EXCLUDED.bias_floor,
			long_mult = EXCLUDED.long_mult,
			short_mult = EXCLUDED.short_mult,
			engaged_at = EXCLUDED.engaged_at`

	_, err = r.db.ExecContext(ctx, query, triggersJSON, ceiling, floor,
		state.LongScoringMultiplier, state.ShortScoringMultiplier, state.EngagedAt)
	if err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	return nil
}

func (r *breakerStateRepo) Load(ctx context.Context) (*model.CircuitBreakerState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT active_triggers, bias_ceiling, bias_floor, long_mult, short_mult, engaged_at FROM breaker_state WHERE id = 1`

	var (
		triggersJSON []byte
		ceiling, floor sql.NullInt64
		longMult, shortMult float64
		engagedAt time.Time
	)
	err := r.db.QueryRowxContext(ctx, query).Scan(&triggersJSON, &ceiling, &floor, &longMult, &shortMult, &engagedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load breaker state: %w", err)
	}

	state := &model.CircuitBreakerState{
		LongScoringMultiplier:  longMult,
		ShortScoringMultiplier: shortMult,
		EngagedAt:              engagedAt,
	}
	_ = json.Unmarshal(triggersJSON, &state.ActiveTriggers)
	if ceiling.Valid {
		lvl := model.BiasLevel(ceiling.Int64)
		state.BiasCeiling = &lvl
	}
	if floor.Valid {
		lvl := model.BiasLevel(floor.Int64)
		state.BiasFloor = &lvl
	}
	return state, nil
}
