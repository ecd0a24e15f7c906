// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Append(ctx, entry)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecaption/internal/transcript"
)

var _ transcript.Store = (*Store)(nil)

const ddlCaptionEntries = `
CREATE TABLE IF NOT EXISTS caption_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    segment_id  TEXT         NOT NULL DEFAULT '',
    seq         BIGINT       NOT NULL,
    text        TEXT         NOT NULL,
    raw_text    TEXT         NOT NULL DEFAULT '',
    start_ns    BIGINT       NOT NULL,
    end_ns      BIGINT       NOT NULL,
    notice      BOOLEAN      NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_caption_entries_session_start
    ON caption_entries (session_id, start_ns, seq);
`

// Migrate creates the caption_entries table if it does not exist. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCaptionEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store keeps caption history in PostgreSQL. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings the server and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [transcript.Store].
func (s *Store) Append(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO caption_entries
		    (session_id, segment_id, seq, text, raw_text, start_ns, end_ns, notice, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.SegmentID,
		int64(e.Seq),
		e.Text,
		e.RawText,
		e.Start.Nanoseconds(),
		e.End.Nanoseconds(),
		e.Notice,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// List implements [transcript.Store].
func (s *Store) List(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT session_id, segment_id, seq, text, raw_text, start_ns, end_ns, notice, created_at
		FROM   caption_entries
		WHERE  session_id = $1
		ORDER  BY start_ns, seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, transcript.ErrSessionNotFound
	}
	return entries, nil
}

// Delete implements [transcript.Store].
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM caption_entries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("transcript store: delete: %w", err)
	}
	return nil
}

func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e              transcript.Entry
			seq            int64
			startNS, endNS int64
		)
		if err := row.Scan(
			&e.SessionID,
			&e.SegmentID,
			&seq,
			&e.Text,
			&e.RawText,
			&startNS,
			&endNS,
			&e.Notice,
			&e.CreatedAt,
		); err != nil {
			return transcript.Entry{}, err
		}
		e.Seq = uint64(seq)
		e.Start = time.Duration(startNS)
		e.End = time.Duration(endNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	return entries, nil
}
