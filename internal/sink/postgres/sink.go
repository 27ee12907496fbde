// Package postgres persists crawled records to a Postgres table and
// derives the resume checkpoint from the highest page already stored.
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/emsaltools/emsal-crawler/internal/crawler"
)

// pgxIface is the slice of pgxpool.Pool the sink uses, carved out so
// tests can drive it with pgxmock.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// validTableName rejects anything that could not be a bare SQL
// identifier; the table name is interpolated, not bound.
var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Sink writes records to one table. It implements RecordSink and
// CheckpointStore.
type Sink struct {
	db     pgxIface
	table  string
	logger *zap.Logger
}

// New connects a pool and ensures the table exists.
func New(ctx context.Context, dsn, table string, logger *zap.Logger) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: connect: %w", err)
	}
	s, err := NewWithPool(ctx, pool, table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a Sink on an existing pool or a test double.
func NewWithPool(ctx context.Context, db pgxIface, table string, logger *zap.Logger) (*Sink, error) {
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("postgres sink: invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{db: db, table: table, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			court_name TEXT NOT NULL,
			case_number TEXT NOT NULL,
			decision_number TEXT NOT NULL,
			decision_date TEXT NOT NULL,
			status TEXT NOT NULL,
			explanation TEXT NOT NULL,
			page INT NOT NULL,
			crawled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (case_number, decision_number)
		)`, s.table))
	if err != nil {
		return fmt.Errorf("postgres sink: ensure schema: %w", err)
	}
	return nil
}

// Write inserts the batch. ModeCreate empties the table first; resumed
// runs use ModeAppend, where the unique key makes re-crawled records
// idempotent.
func (s *Sink) Write(ctx context.Context, records []crawler.Record, mode crawler.WriteMode) error {
	if mode == crawler.ModeCreate {
		if _, err := s.db.Exec(ctx, fmt.Sprintf("TRUNCATE %s", s.table)); err != nil {
			return fmt.Errorf("postgres sink: truncate: %w", err)
		}
	}
	for _, rec := range records {
		_, err := s.db.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (court_name, case_number, decision_number, decision_date, status, explanation, page)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (case_number, decision_number) DO NOTHING`, s.table),
			rec.Court, rec.CaseNumber, rec.DecisionNumber, rec.DecisionDate, rec.Status, rec.Explanation, rec.Page)
		if err != nil {
			return fmt.Errorf("postgres sink: insert %s/%s: %w", rec.CaseNumber, rec.DecisionNumber, err)
		}
	}
	s.logger.Debug("records written", zap.String("table", s.table), zap.Int("count", len(records)))
	return nil
}

// Load reports the highest persisted page as the resume checkpoint.
func (s *Sink) Load(ctx context.Context) (int, error) {
	var page int
	row := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COALESCE(MAX(page), 0) FROM %s", s.table))
	if err := row.Scan(&page); err != nil {
		return 0, fmt.Errorf("postgres sink: load checkpoint: %w", err)
	}
	return page, nil
}

// Save is a no-op: the rows themselves are the checkpoint.
func (s *Sink) Save(_ context.Context, _ int) error { return nil }

// Close releases the pool.
func (s *Sink) Close(_ context.Context) error {
	s.db.Close()
	return nil
}
