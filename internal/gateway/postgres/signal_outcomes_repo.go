package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

type signalOutcomesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewSignalOutcomesRepo(db *sqlx.DB, timeout time.Duration) gateway.SignalOutcomesRepo {
	return &signalOutcomesRepo{db: db, timeout: timeout}
}

func (r *signalOutcomesRepo) Insert(ctx context.Context, outcome model.SignalOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO signal_outcomes
		(signal_id, outcome, outcome_at, outcome_price, max_favorable_excursion,
		 max_adverse_excursion, days_to_outcome, reached_t1)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := r.db.ExecContext(ctx, query,
		outcome.SignalID, string(outcome.Outcome), outcome.OutcomeAt, outcome.OutcomePrice,
		outcome.MaxFavorableExcursion, outcome.MaxAdverseExcursion, outcome.DaysToOutcome, outcome.ReachedT1)
	if err != nil {
		return fmt.Errorf("insert signal outcome: %w", err)
	}
	return nil
}

func (r *signalOutcomesRepo) Get(ctx context.Context, signalID string) (*model.SignalOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT signal_id, outcome, outcome_at, outcome_price, max_favorable_excursion,
		       max_adverse_excursion, days_to_outcome, reached_t1
		FROM signal_outcomes WHERE signal_id = $1`

	var o model.SignalOutcome
	var outcomeStr string
	err := r.db.QueryRowxContext(ctx, query, signalID).Scan(
		&o.SignalID, &outcomeStr, &o.OutcomeAt, &o.OutcomePrice,
		&o.MaxFavorableExcursion, &o.MaxAdverseExcursion, &o.DaysToOutcome, &o.ReachedT1)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signal outcome: %w", err)
	}
	o.Outcome = model.Outcome(outcomeStr)
	return &o, nil
}

func (r *signalOutcomesRepo) Update(ctx context.Context, outcome model.SignalOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signal_outcomes SET
			outcome = $1, outcome_at = $2, outcome_price = $3,
			max_favorable_excursion = $4, max_adverse_excursion = $5,
			days_to_outcome = $6, reached_t1 = $7
		WHERE signal_id = $8`

	_, err := r.db.ExecContext(ctx, query,
		string(outcome.Outcome), outcome.OutcomeAt, outcome.OutcomePrice,
		outcome.MaxFavorableExcursion, outcome.MaxAdverseExcursion,
		outcome.DaysToOutcome, outcome.ReachedT1, outcome.SignalID)
	if err != nil {
		return fmt.Errorf("update signal outcome: %w", err)
	}
	return nil
}

func (r *signalOutcomesRepo) ListPending(ctx context.Context, olderThan time.Duration) ([]model.SignalOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT so.signal_id, so.outcome, so.outcome_at, so.outcome_price,
		       so.max_favorable_excursion, so.max_adverse_excursion, so.days_to_outcome, so.reached_t1
		FROM signal_outcomes so
		JOIN signals s ON s.signal_id = so.signal_id
		WHERE so.outcome = 'PENDING' AND s.created_at <= $1`

	cutoff := time.Now().Add(-olderThan)
	rows, err := r.db.QueryxContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.SignalOutcome
	for rows.Next() {
		var o model.SignalOutcome
		var outcomeStr string
		if err := rows.Scan(&o.SignalID, &outcomeStr, &o.OutcomeAt, &o.OutcomePrice,
			&o.MaxFavorableExcursion, &o.MaxAdverseExcursion, &o.DaysToOutcome, &o.ReachedT1); err != nil {
			return nil, fmt.Errorf("scan pending outcome: %w", err)
		}
		o.Outcome = model.Outcome(outcomeStr)
		out = append(out, o)
	}
	return out, nil
}

func (r *signalOutcomesRepo) HitRates(ctx context.Context, tr gateway.TimeRange) ([]gateway.HitRateRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT s.signal_type, s.zone,
		       COUNT(*) AS total,
		       SUM(CASE WHEN so.outcome IN ('HIT_T1','HIT_T2') THEN 1 ELSE 0 END) AS wins
		FROM signal_outcomes so
		JOIN signals s ON s.signal_id = so.signal_id
		WHERE so.outcome NOT IN ('PENDING') AND s.created_at >= $1 AND s.created_at <= $2
		GROUP BY s.signal_type, s.zone
		ORDER BY s.signal_type, s.zone`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("hit rates: %w", err)
	}
	defer rows.Close()

	var out []gateway.HitRateRow
	for rows.Next() {
		var row gateway.HitRateRow
		if err := rows.Scan(&row.SignalType, &row.Zone, &row.Total, &row.Wins); err != nil {
			return nil, fmt.Errorf("scan hit rate row: %w", err)
		}
		if row.Total > 0 {
			row.HitRate = float64(row.Wins) / float64(row.Total)
		}
		out = append(out, row)
	}
	return out, nil
}
