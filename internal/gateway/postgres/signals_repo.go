package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) gateway.SignalsRepo {
	return &signalsRepo{db: db, timeout: timeout}
}

// Insert is idempotent on signal_id (spec §7 DUPLICATE_SIGNAL_ID): a
// second insert of the same id is a no-op that returns the row already
// on file, never overwriting it.
func (r *signalsRepo) Insert(ctx context.Context, signal model.Signal) (model.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	setupJSON, err := json.Marshal(signal.Setup)
	if err != nil {
		return model.Signal{}, fmt.Errorf("marshal setup: %w", err)
	}
	contextJSON, err := json.Marshal(signal.SetupContext)
	if err != nil {
		return model.Signal{}, fmt.Errorf("marshal setup_context: %w", err)
	}

	query := `
		INSERT INTO signals
		(signal_id, symbol, direction, signal_type, signal_source, setup, setup_context,
		 priority, score, confidence, zone, created_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (signal_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		signal.SignalID, signal.Symbol, string(signal.Direction), signal.SignalType, signal.SignalSource,
		setupJSON, contextJSON, signal.Priority, signal.Score, string(signal.Confidence),
		string(signal.Zone), signal.CreatedAt, string(signal.Status))
	if err != nil {
		return model.Signal{}, fmt.Errorf("insert signal: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		existing, err := r.Get(ctx, signal.SignalID)
		if err != nil {
			return model.Signal{}, err
		}
		if existing == nil {
			return model.Signal{}, fmt.Errorf("signal %s: conflict but no existing row found", signal.SignalID)
		}
		return *existing, nil
	}
	return signal, nil
}

func (r *signalsRepo) Get(ctx context.Context, signalID string) (*model.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT signal_id, symbol, direction, signal_type, signal_source, setup, setup_context,
		       priority, score, confidence, zone, created_at, status
		FROM signals WHERE signal_id = $1`

	var (
		setupJSON, contextJSON []byte
		s                      model.Signal
		direction, confidence, zone, status string
	)
	err := r.db.QueryRowxContext(ctx, query, signalID).Scan(
		&s.SignalID, &s.Symbol, &direction, &s.SignalType, &s.SignalSource,
		&setupJSON, &contextJSON, &s.Priority, &s.Score, &confidence, &zone, &s.CreatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}

	s.Direction = model.Direction(direction)
	s.Confidence = model.SignalConfidence(confidence)
	s.Zone = model.CTAZone(zone)
	s.Status = model.SignalStatus(status)
	if err := json.Unmarshal(setupJSON, &s.Setup); err != nil {
		return nil, fmt.Errorf("unmarshal setup: %w", err)
	}
	if err := json.Unmarshal(contextJSON, &s.SetupContext); err != nil {
		return nil, fmt.Errorf("unmarshal setup_context: %w", err)
	}
	return &s, nil
}

func (r *signalsRepo) ListActive(ctx context.Context, symbol, signalType string, since time.Time) ([]model.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT signal_id FROM signals
		WHERE status = 'ACTIVE'
		  AND ($1 = '' OR symbol = $1)
		  AND ($2 = '' OR signal_type = $2)
		  AND created_at >= $3
		ORDER BY created_at DESC`

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, symbol, signalType, since); err != nil {
		return nil, fmt.Errorf("list active signal ids: %w", err)
	}

	out := make([]model.Signal, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *signalsRepo) SetStatus(ctx context.Context, signalID string, status model.SignalStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `UPDATE signals SET status = $1 WHERE signal_id = $2`, string(status), signalID)
	if err != nil {
		return fmt.Errorf("set signal status: %w", err)
	}
	return nil
}

func (r *signalsRepo) UpdateEnrichment(ctx context.Context, signalID string, priority int, confidence model.SignalConfidence, setupContext model.SetupContext) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	contextJSON, err := json.Marshal(setupContext)
	if err != nil {
		return fmt.Errorf("marshal setup_context: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE signals SET priority = $1, confidence = $2, setup_context = $3
		WHERE signal_id = $4`,
		priority, string(confidence), contextJSON, signalID)
	if err != nil {
		return fmt.Errorf("update signal enrichment: %w", err)
	}
	return nil
}
