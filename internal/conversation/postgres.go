package conversation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps conversation logs in PostgreSQL with the same
// semantics as FileStore. Writers to one scope are serialized with a
// transaction-scoped advisory lock.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_entries (
			id BIGSERIAL PRIMARY KEY,
			scope_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			dedup_hash BYTEA,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`ALTER TABLE conversation_entries ADD COLUMN IF NOT EXISTS dedup_hash BYTEA;`,
		`DROP INDEX IF EXISTS idx_conversation_entries_dedup;`,
		`ALTER TABLE conversation_entries DROP COLUMN IF EXISTS dedup_key;`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_entries_scope_seq ON conversation_entries (scope_key, seq);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversation_entries_dedup_hash ON conversation_entries (scope_key, dedup_hash);`,
		`CREATE TABLE IF NOT EXISTS conversation_counters (
			scope_key TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 0
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, scope Scope, text string, opts AppendOptions) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	key := scope.Key()
	stored := ComposeText(text, opts)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return false, fmt.Errorf("lock scope %s: %w", key, err)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_entries WHERE scope_key=$1`, key,
	).Scan(&seq); err != nil {
		return false, fmt.Errorf("next seq %s: %w", key, err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO conversation_entries (scope_key, seq, text, dedup_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (scope_key, dedup_hash) DO NOTHING`,
		key, seq, stored, dedupHash(stored), s.now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert entry %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var count int
	if err := tx.QueryRow(ctx,
		`INSERT INTO conversation_counters (scope_key, count) VALUES ($1, 1)
		 ON CONFLICT (scope_key) DO UPDATE SET count = conversation_counters.count + 1
		 RETURNING count`, key,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("bump counter %s: %w", key, err)
	}

	limit := opts.MaxContextLength
	if limit > 0 && count >= limit {
		if _, err := tx.Exec(ctx, `UPDATE conversation_counters SET count = 0 WHERE scope_key=$1`, key); err != nil {
			return false, fmt.Errorf("reset counter %s: %w", key, err)
		}
		if opts.TrimOnRotate && seq > limit {
			drop := seq - limit
			if _, err := tx.Exec(ctx,
				`DELETE FROM conversation_entries WHERE scope_key=$1 AND seq <= $2`, key, drop,
			); err != nil {
				return false, fmt.Errorf("trim %s: %w", key, err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE conversation_entries SET seq = seq - $2 WHERE scope_key=$1`, key, drop,
			); err != nil {
				return false, fmt.Errorf("renumber %s: %w", key, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit append %s: %w", key, err)
	}
	return true, nil
}

// dedupHash is the fixed-size digest of DedupKey that the unique index
// covers; btree entries cannot hold arbitrarily long message text.
func dedupHash(text string) []byte {
	sum := sha256.Sum256([]byte(DedupKey(text)))
	return sum[:]
}

func (s *PostgresStore) Read(ctx context.Context, scope Scope) ([]Entry, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT seq, text, created_at FROM conversation_entries WHERE scope_key=$1 ORDER BY seq`,
		scope.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 32)
	for rows.Next() {
		var (
			e  Entry
			at time.Time
		)
		if err := rows.Scan(&e.Seq, &e.Text, &at); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		e.Timestamp = timestamp(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Clear(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	key := scope.Key()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock scope %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversation_entries WHERE scope_key=$1`, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversation_counters WHERE scope_key=$1`, key); err != nil {
			return fmt.Errorf("clear counter %s: %w", key, err)
		}
		return nil
	})
}

func (s *PostgresStore) Count(ctx context.Context, scope Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM conversation_counters WHERE scope_key=$1`, scope.Key(),
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
