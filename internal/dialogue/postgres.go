package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS dialogue_sessions (
	user_id     TEXT PRIMARY KEY,
	last_active TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS dialogue_turns (
	user_id TEXT NOT NULL REFERENCES dialogue_sessions (user_id) ON DELETE CASCADE,
	seq     BIGINT GENERATED ALWAYS AS IDENTITY,
	kind    TEXT NOT NULL,
	payload JSONB NOT NULL,
	PRIMARY KEY (user_id, seq)
);
CREATE INDEX IF NOT EXISTS dialogue_sessions_last_active_idx ON dialogue_sessions (last_active);
`

// PostgresStore persists dialogues in PostgreSQL so sessions survive
// restarts and can be shared by several replicas.
type PostgresStore struct {
	db     DB
	window int
	idle   time.Duration
	now    func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresWindow sets the number of retained non-system turns.
func WithPostgresWindow(n int) PostgresOption {
	return func(s *PostgresStore) { s.window = n }
}

// WithPostgresIdleTimeout expires sessions not touched for d.
func WithPostgresIdleTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) { s.idle = d }
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, window: DefaultWindow, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// EnsureSchema creates the dialogue tables if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create dialogue schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) cutoff(now time.Time) time.Time {
	if s.idle <= 0 {
		return time.Time{}
	}
	return now.Add(-s.idle)
}

// Append inserts turns and trims the window in one transaction guarded by
// a per-user advisory lock.
func (s *PostgresStore) Append(ctx context.Context, userID string, turns ...Turn) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("lock dialogue %q: %w", userID, err)
	}

	now := s.now()
	if cutoff := s.cutoff(now); !cutoff.IsZero() {
		if _, err = tx.Exec(ctx,
			`DELETE FROM dialogue_sessions WHERE user_id = $1 AND last_active < $2`, userID, cutoff); err != nil {
			return fmt.Errorf("expire dialogue %q: %w", userID, err)
		}
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO dialogue_sessions (user_id, last_active) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET last_active = EXCLUDED.last_active`, userID, now); err != nil {
		return fmt.Errorf("touch dialogue %q: %w", userID, err)
	}

	for _, t := range turns {
		if t.At.IsZero() {
			t.At = now
		}
		payload, mErr := json.Marshal(t)
		if mErr != nil {
			err = fmt.Errorf("encode turn: %w", mErr)
			return err
		}
		if _, err = tx.Exec(ctx,
			`INSERT INTO dialogue_turns (user_id, kind, payload) VALUES ($1, $2, $3)`,
			userID, string(t.Kind), payload); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if err = s.trimTx(ctx, tx, userID); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) trimTx(ctx context.Context, tx pgx.Tx, userID string) error {
	rows, err := tx.Query(ctx,
		`SELECT seq, kind FROM dialogue_turns WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return fmt.Errorf("list turns: %w", err)
	}
	type row struct {
		Seq  int64
		Kind string
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByPos[row])
	if err != nil {
		return fmt.Errorf("scan turns: %w", err)
	}

	kinds := make([]Kind, len(list))
	for i, r := range list {
		kinds[i] = Kind(r.Kind)
	}
	start := trimStart(kinds, s.window)
	if start >= len(list) {
		// Keep only the system turn, if any.
		_, err = tx.Exec(ctx,
			`DELETE FROM dialogue_turns WHERE user_id = $1 AND kind <> $2`, userID, string(KindSystem))
	} else {
		_, err = tx.Exec(ctx,
			`DELETE FROM dialogue_turns WHERE user_id = $1 AND seq < $2 AND kind <> $3`,
			userID, list[start].Seq, string(KindSystem))
	}
	if err != nil {
		return fmt.Errorf("trim turns: %w", err)
	}
	return nil
}

// History returns the user's turns in insertion order.
func (s *PostgresStore) History(ctx context.Context, userID string) ([]Turn, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.payload FROM dialogue_turns t
		JOIN dialogue_sessions s USING (user_id)
		WHERE t.user_id = $1 AND s.last_active >= $2
		ORDER BY t.seq`, userID, s.cutoff(s.now()))
	if err != nil {
		return nil, fmt.Errorf("load dialogue %q: %w", userID, err)
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("scan dialogue %q: %w", userID, err)
	}

	turns := make([]Turn, 0, len(payloads))
	for _, p := range payloads {
		var t Turn
		if err := json.Unmarshal(p, &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Reset removes the user's session and its turns.
func (s *PostgresStore) Reset(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM dialogue_sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("reset dialogue %q: %w", userID, err)
	}
	return nil
}

// Exists reports whether the user has a live session.
func (s *PostgresStore) Exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dialogue_sessions WHERE user_id = $1 AND last_active >= $2)`,
		userID, s.cutoff(s.now())).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("check dialogue %q: %w", userID, err)
	}
	return exists, nil
}

// Sweep deletes sessions idle at now.
func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := s.cutoff(now)
	if cutoff.IsZero() {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM dialogue_sessions WHERE last_active < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep dialogues: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
