package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps the ledger in PostgreSQL. It is the backend to use
// when several processes run against the same destination.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to dsn and creates the ledger tables if needed.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 8
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to PostgreSQL ledger", "component", "ledger")
	return &PostgresStore{pool: pool}, nil
}

const selectEntry = `
	SELECT unit_id, status, completed_outputs, last_attempt, error, holder, attempts, version
	FROM asset_sync_ledger`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e           Entry
		status      string
		lastAttempt *time.Time
	)
	if err := row.Scan(&e.UnitID, &status, &e.CompletedOutputs, &lastAttempt, &e.Error, &e.Holder, &e.Attempts, &e.Version); err != nil {
		return nil, err
	}
	e.Status = Status(status)
	if lastAttempt != nil {
		e.LastAttempt = lastAttempt.UTC()
	}
	return &e, nil
}

func (s *PostgresStore) Get(ctx context.Context, unitID string) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, selectEntry+` WHERE unit_id = $1`, unitID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// Apply writes the entry and its history row in one transaction. The
// version predicate on the UPDATE makes concurrent writers lose cleanly.
func (s *PostgresStore) Apply(ctx context.Context, prevVersion uint64, rec Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	e := rec.Entry
	outputs := e.CompletedOutputs
	if outputs == nil {
		outputs = []string{}
	}
	var lastAttempt *time.Time
	if !e.LastAttempt.IsZero() {
		lastAttempt = &e.LastAttempt
	}

	var query string
	if prevVersion == 0 {
		query = `
			INSERT INTO asset_sync_ledger
				(unit_id, status, completed_outputs, last_attempt, error, holder, attempts, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (unit_id) DO NOTHING`
	} else {
		query = `
			UPDATE asset_sync_ledger
			SET status = $2, completed_outputs = $3, last_attempt = $4, error = $5,
				holder = $6, attempts = $7, version = $8, updated_at = NOW()
			WHERE unit_id = $1 AND version = $9`
	}
	args := []any{e.UnitID, string(e.Status), outputs, lastAttempt, e.Error, e.Holder, e.Attempts, e.Version}
	if prevVersion != 0 {
		args = append(args, prevVersion)
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrVersionConflict
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO asset_sync_ledger_history (recorded_at, transition, unit_id, entry)
		VALUES ($1, $2, $3, $4)`,
		rec.RecordedAt, string(rec.Transition), e.UnitID, data,
	); err != nil {
		return fmt.Errorf("write history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, selectEntry+` ORDER BY unit_id`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) History(ctx context.Context, fn func(Record) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, recorded_at, transition, entry
		FROM asset_sync_ledger_history
		ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec        Record
			seq        int64
			transition string
			data       []byte
		)
		if err := rows.Scan(&seq, &rec.RecordedAt, &transition, &data); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		if err := json.Unmarshal(data, &rec.Entry); err != nil {
			return fmt.Errorf("parse history entry: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Transition = Transition(transition)
		rec.RecordedAt = rec.RecordedAt.UTC()
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
