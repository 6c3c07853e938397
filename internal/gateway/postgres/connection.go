package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" sql driver

	"github.com/sawpanic/biasengine/internal/gateway"
)

// Config holds database connection configuration for the record store.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    5 * time.Second,
	}
}

// Manager owns the *sqlx.DB connection and wires the concrete
// gateway.Records implementation over it.
type Manager struct {
	db      *sqlx.DB
	config  Config
	records *gateway.Records
}

// Connect opens the database, verifies connectivity, and builds the
// Records bundle. An unreachable database at boot is fatal — a market
// bias engine with no durable record store cannot honor the spec's
// "never silently drop validated writes" contract.
func Connect(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	records := &gateway.Records{
		Factors:  NewFactorReadingsRepo(db, config.QueryTimeout),
		Bias:     NewBiasHistoryRepo(db, config.QueryTimeout),
		Breaker:  NewBreakerStateRepo(db, config.QueryTimeout),
		Signals:  NewSignalsRepo(db, config.QueryTimeout),
		Outcomes: NewSignalOutcomesRepo(db, config.QueryTimeout),
	}

	return &Manager{db: db, config: config, records: records}, nil
}

// Records returns the wired record-store repositories.
func (m *Manager) Records() *gateway.Records { return m.records }

// DB exposes the underlying connection for migrations or ad-hoc admin
// queries.
func (m *Manager) DB() *sqlx.DB { return m.db }

// Ping reports whether the database is currently reachable.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
