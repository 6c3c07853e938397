// Package postgres implements the durable record-store repositories
// behind sqlx + lib/pq, the same stack and error-wrapping idiom the
// teacher uses in internal/persistence/postgres.
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

type factorReadingsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFactorReadingsRepo creates a Postgres-backed FactorReadingsRepo.
func NewFactorReadingsRepo(db *sqlx.DB, timeout time.Duration) gateway.FactorReadingsRepo {
	return &factorReadingsRepo{db: db, timeout: timeout}
}

type factorReadingRow struct {
	FactorID    string    `db:"factor_id"`
	Score       float64   `db:"score"`
	SignalLabel int       `db:"signal_label"`
	Detail      string    `db:"detail"`
	Source      string    `db:"source"`
	ObservedAt  time.Time `db:"observed_at"`
	IngestedAt  time.Time `db:"ingested_at"`
	Raw         []byte    `db:"raw"`
	TSSource    string    `db:"ts_source"`
	Meta        []byte    `db:"meta_extra"`
	ProducerID  string    `db:"producer_id"`
}

func toRow(r model.FactorReading) (factorReadingRow, error) {
	raw, err := json.Marshal(r.Raw)
	if err != nil {
		return factorReadingRow{}, fmt.Errorf("marshal raw: %w", err)
	}
	meta, err := json.Marshal(r.Metadata.Extra)
	if err != nil {
		return factorReadingRow{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return factorReadingRow{
		FactorID:    string(r.FactorId),
		Score:       r.Score,
		SignalLabel: int(r.SignalLabel),
		Detail:      r.Detail,
		Source:      string(r.Source),
		ObservedAt:  r.ObservedAt,
		IngestedAt:  r.IngestedAt,
		Raw:         raw,
		TSSource:    string(r.Metadata.TimestampSource),
		Meta:        meta,
		ProducerID:  r.ProducerID,
	}, nil
}

func fromRow(row factorReadingRow) (model.FactorReading, error) {
	var raw map[string]interface{}
	if len(row.Raw) > 0 {
		if err := json.Unmarshal(row.Raw, &raw); err != nil {
			return model.FactorReading{}, fmt.Errorf("unmarshal raw: %w", err)
		}
	}
	var extra map[string]interface{}
	if len(row.Meta) > 0 {
		if err := json.Unmarshal(row.Meta, &extra); err != nil {
			return model.FactorReading{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return model.FactorReading{
		FactorId:    model.FactorId(row.FactorID),
		Score:       row.Score,
		SignalLabel: model.BiasLevel(row.SignalLabel),
		Detail:      row.Detail,
		Source:      model.Source(row.Source),
		ObservedAt:  row.ObservedAt,
		IngestedAt:  row.IngestedAt,
		Raw:         raw,
		Metadata: model.Metadata{
			TimestampSource: model.TimestampSource(row.TSSource),
			Extra:           extra,
		},
		ProducerID: row.ProducerID,
	}, nil
}

func (r *factorReadingsRepo) Insert(ctx context.Context, reading model.FactorReading) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row, err := toRow(reading)
	if err != nil {
		return fmt.Errorf("encode factor reading: %w", err)
	}

	query := `
		INSERT INTO factor_readings
		(factor_id, score, signal_label, detail, source, observed_at, ingested_at, raw, ts_source, meta_extra, producer_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = r.db.ExecContext(ctx, query,
		row.FactorID, row.Score, row.SignalLabel, row.Detail, row.Source,
		row.ObservedAt, row.IngestedAt, row.Raw, row.TSSource, row.Meta, row.ProducerID)
	if err != nil {
		return fmt.Errorf("insert factor reading: %w", err)
	}
	return nil
}

func (r *factorReadingsRepo) ListByFactor(ctx context.Context, id model.FactorId, tr gateway.TimeRange, limit int) ([]model.FactorReading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT factor_id, score, signal_label, detail, source, observed_at, ingested_at, raw, ts_source, meta_extra, producer_id
		FROM factor_readings
		WHERE factor_id = $1 AND observed_at >= $2 AND observed_at <= $3
		ORDER BY observed_at DESC
		LIMIT $4`

	rows, err := r.db.QueryxContext(ctx, query, string(id), tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("list factor readings: %w", err)
	}
	defer rows.Close()

	var out []model.FactorReading
	for rows.Next() {
		var row factorReadingRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan factor reading: %w", err)
		}
		reading, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, reading)
	}
	return out, nil
}

func (r *factorReadingsRepo) Latest(ctx context.Context, id model.FactorId) (*model.FactorReading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT factor_id, score, signal_label, detail, source, observed_at, ingested_at, raw, ts_source, meta_extra, producer_id
		FROM factor_readings
		WHERE factor_id = $1
		ORDER BY ingested_at DESC
		LIMIT 1`

	var row factorReadingRow
	if err := r.db.GetContext(ctx, &row, query, string(id)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest factor reading: %w", err)
	}
	reading, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

func (r *factorReadingsRepo) AsOf(ctx context.Context, id model.FactorId, cutoff time.Time) (*model.FactorReading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT factor_id, score, signal_label, detail, source, observed_at, ingested_at, raw, ts_source, meta_extra, producer_id
		FROM factor_readings
		WHERE factor_id = $1 AND observed_at <= $2
		ORDER BY observed_at DESC
		LIMIT 1`

	var row factorReadingRow
	if err := r.db.GetContext(ctx, &row, query, string(id), cutoff); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("factor reading as-of: %w", err)
	}
	reading, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &reading, nil
}
