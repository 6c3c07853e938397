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

type biasHistoryRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewBiasHistoryRepo(db *sqlx.DB, timeout time.Duration) gateway.BiasHistoryRepo {
	return &biasHistoryRepo{db: db, timeout: timeout}
}

func (r *biasHistoryRepo) Insert(ctx context.Context, result model.CompositeResult) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	weightsJSON, err := json.Marshal(result.NormalizedWeights)
	if err != nil {
		return fmt.Errorf("marshal normalized weights: %w", err)
	}
	activeJSON, _ := json.Marshal(result.ActiveFactors)
	staleJSON, _ := json.Marshal(result.StaleFactors)
	unverifiableJSON, _ := json.Marshal(result.UnverifiableFactors)
	overrideJSON, _ := json.Marshal(result.Override)
	capsJSON, _ := json.Marshal(result.CircuitBreakerCaps)

	query := `
		INSERT INTO bias_composite_history
		(computed_at, composite_score, bias_level, active_factors, stale_factors,
		 unverifiable_factors, normalized_weights, velocity_multiplier, override,
		 circuit_breaker_caps, confidence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = r.db.ExecContext(ctx, query,
		result.ComputedAt, result.CompositeScore, int(result.BiasLevel),
		activeJSON, staleJSON, unverifiableJSON, weightsJSON,
		result.VelocityMultiplier, overrideJSON, capsJSON, string(result.Confidence))
	if err != nil {
		return fmt.Errorf("insert bias history: %w", err)
	}
	return nil
}

func (r *biasHistoryRepo) Latest(ctx context.Context) (*model.CompositeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT computed_at, composite_score, bias_level, active_factors, stale_factors,
		       unverifiable_factors, normalized_weights, velocity_multiplier, override,
		       circuit_breaker_caps, confidence
		FROM bias_composite_history
		ORDER BY computed_at DESC
		LIMIT 1`

	result, err := r.scanOne(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest bias history: %w", err)
	}
	return result, nil
}

func (r *biasHistoryRepo) ListRange(ctx context.Context, tr gateway.TimeRange) ([]model.CompositeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT computed_at, composite_score, bias_level, active_factors, stale_factors,
		       unverifiable_factors, normalized_weights, velocity_multiplier, override,
		       circuit_breaker_caps, confidence
		FROM bias_composite_history
		WHERE computed_at >= $1 AND computed_at <= $2
		ORDER BY computed_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("list bias history: %w", err)
	}
	defer rows.Close()

	var out []model.CompositeResult
	for rows.Next() {
		result, err := r.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bias history: %w", err)
		}
		out = append(out, *result)
	}
	return out, nil
}

// rowScanner abstracts *sqlx.Row and *sqlx.Rows so scanOne serves both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *biasHistoryRepo) scanOne(row rowScanner) (*model.CompositeResult, error) {
	var (
		computedAt         time.Time
		score              float64
		biasLevel          int
		activeJSON         []byte
		staleJSON          []byte
		unverifiableJSON   []byte
		weightsJSON        []byte
		velocity           float64
		overrideJSON       []byte
		capsJSON           []byte
		confidence         string
	)
	if err := row.Scan(&computedAt, &score, &biasLevel, &activeJSON, &staleJSON,
		&unverifiableJSON, &weightsJSON, &velocity, &overrideJSON, &capsJSON, &confidence); err != nil {
		return nil, err
	}

	result := &model.CompositeResult{
		ComputedAt:          computedAt,
		CompositeScore:      score,
		BiasLevel:           model.BiasLevel(biasLevel),
		VelocityMultiplier:  velocity,
		Confidence:          model.Confidence(confidence),
	}
	_ = json.Unmarshal(activeJSON, &result.ActiveFactors)
	_ = json.Unmarshal(staleJSON, &result.StaleFactors)
	_ = json.Unmarshal(unverifiableJSON, &result.UnverifiableFactors)
	_ = json.Unmarshal(weightsJSON, &result.NormalizedWeights)
	if len(overrideJSON) > 0 && string(overrideJSON) != "null" {
		var ov model.Override
		if err := json.Unmarshal(overrideJSON, &ov); err == nil {
			result.Override = &ov
		}
	}
	if len(capsJSON) > 0 && string(capsJSON) != "null" {
		var caps model.BreakerCaps
		if err := json.Unmarshal(capsJSON, &caps); err == nil {
			result.CircuitBreakerCaps = &caps
		}
	}
	return result, nil
}
