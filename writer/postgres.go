package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"depthflow/logger"
	"depthflow/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS metric_samples (
	id         BIGSERIAL PRIMARY KEY,
	symbol     TEXT NOT NULL,
	window_end TIMESTAMPTZ NOT NULL,
	metric     TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_samples_series
	ON metric_samples (symbol, metric, window_end);

CREATE TABLE IF NOT EXISTS vol_estimates (
	id                BIGSERIAL PRIMARY KEY,
	symbol            TEXT NOT NULL,
	window_start      TIMESTAMPTZ NOT NULL,
	window_end        TIMESTAMPTZ NOT NULL,
	realized_variance DOUBLE PRECISION NOT NULL,
	annualized        DOUBLE PRECISION NOT NULL,
	sample_count      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vol_estimates_series
	ON vol_estimates (symbol, window_end);

CREATE TABLE IF NOT EXISTS book_snapshots (
	id          BIGSERIAL PRIMARY KEY,
	symbol      TEXT NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	sequence_id BIGINT NOT NULL,
	side        TEXT NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	level       INTEGER NOT NULL,
	stale       BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_book_snapshots_series
	ON book_snapshots (symbol, captured_at);
`

// PostgresStore persists the append-only metric and snapshot history.
type PostgresStore struct {
	db  *sqlx.DB
	log *logger.Log
}

// NewPostgresStore connects, verifies the connection and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("postgres_store").Info("postgres store initialized")

	return &PostgresStore{db: db, log: log}, nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) WriteSamples(ctx context.Context, samples []models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO metric_samples (symbol, window_end, metric, value)
		VALUES (:symbol, :window_end, :metric, :value)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("insert sample %s/%s: %w", s.Symbol, s.Metric, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) WriteVols(ctx context.Context, vols []models.VolatilityEstimate) error {
	if len(vols) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO vol_estimates (symbol, window_start, window_end, realized_variance, annualized, sample_count)
		VALUES (:symbol, :window_start, :window_end, :realized_variance, :annualized, :sample_count)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range vols {
		if _, err := stmt.ExecContext(ctx, v); err != nil {
			return fmt.Errorf("insert vol estimate %s: %w", v.Symbol, err)
		}
	}
	return tx.Commit()
}

// WriteBookSnapshot stores one row per remaining price level, both sides.
func (p *PostgresStore) WriteBookSnapshot(ctx context.Context, snap models.OrderBookSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const insert = `
		INSERT INTO book_snapshots (symbol, captured_at, sequence_id, side, price, quantity, level, stale)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	for i, l := range snap.Bids {
		if _, err := tx.ExecContext(ctx, insert,
			snap.Symbol, snap.Timestamp, snap.SequenceID, models.SideBid, l.Price, l.Quantity, i+1, snap.Stale); err != nil {
			return fmt.Errorf("insert bid level: %w", err)
		}
	}
	for i, l := range snap.Asks {
		if _, err := tx.ExecContext(ctx, insert,
			snap.Symbol, snap.Timestamp, snap.SequenceID, models.SideAsk, l.Price, l.Quantity, i+1, snap.Stale); err != nil {
			return fmt.Errorf("insert ask level: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) MetricSeries(ctx context.Context, symbol, metric string, from, to time.Time) ([]models.MetricSample, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var out []models.MetricSample
	err := p.db.SelectContext(ctx, &out, `
		SELECT symbol, window_end, metric, value
		FROM metric_samples
		WHERE symbol = $1 AND metric = $2 AND window_end BETWEEN $3 AND $4
		ORDER BY window_end`,
		symbol, metric, from, to)
	if err != nil {
		return nil, fmt.Errorf("select metric series: %w", err)
	}
	return out, nil
}
