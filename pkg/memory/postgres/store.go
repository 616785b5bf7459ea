package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medilearn/livevoice/pkg/memory"
)

var _ memory.SessionStore = (*Store)(nil)

// Store is the PostgreSQL-backed session archive. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it
// and runs [Migrate].
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

// Ping implements [memory.SessionStore].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [memory.SessionStore]. It waits for in-flight queries.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// WriteStatus implements [memory.SessionStore]. The row for the session is
// upserted; started_at keeps its first value.
func (s *Store) WriteStatus(ctx context.Context, st memory.SessionStatus) error {
	const q = `
		INSERT INTO sessions
		    (session_id, state, persona, provider, started_at, updated_at, entries, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
		    state      = EXCLUDED.state,
		    updated_at = EXCLUDED.updated_at,
		    entries    = EXCLUDED.entries,
		    error      = EXCLUDED.error`

	_, err := s.pool.Exec(ctx, q,
		st.SessionID,
		st.State,
		st.Persona,
		st.Provider,
		st.StartedAt,
		st.UpdatedAt,
		st.Entries,
		st.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres store: write status: %w", err)
	}
	return nil
}

// Status implements [memory.SessionStore].
func (s *Store) Status(ctx context.Context, sessionID string) (memory.SessionStatus, bool, error) {
	const q = `
		SELECT session_id, state, persona, provider, started_at, updated_at, entries, error
		FROM   sessions
		WHERE  session_id = $1`

	var st memory.SessionStatus
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&st.SessionID,
		&st.State,
		&st.Persona,
		&st.Provider,
		&st.StartedAt,
		&st.UpdatedAt,
		&st.Entries,
		&st.Error,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.SessionStatus{}, false, nil
	}
	if err != nil {
		return memory.SessionStatus{}, false, fmt.Errorf("postgres store: status: %w", err)
	}
	return st, true, nil
}
