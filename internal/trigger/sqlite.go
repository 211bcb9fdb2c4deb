package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLedger persists processed ids so restarts do not replay messages.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger at %s: %w", path, err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_messages (
			message_id TEXT PRIMARY KEY,
			seen_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_processed_messages_seen_at ON processed_messages(seen_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func (l *SQLiteLedger) MarkIfNew(ctx context.Context, id string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (message_id, seen_at) VALUES (?, ?)`,
		id, l.now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("mark message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message %s: %w", id, err)
	}
	return n == 1, nil
}

// Prune forgets ids seen before now-retention.
func (l *SQLiteLedger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).Unix()
	res, err := l.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

// StartJanitor prunes ids older than retention, once per retention period,
// until ctx ends.
func (l *SQLiteLedger) StartJanitor(ctx context.Context, retention time.Duration) {
	if retention <= 0 {
		retention = time.Hour
	}
	ticker := time.NewTicker(retention)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = l.Prune(ctx, retention)
			}
		}
	}()
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }
