package trigger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryLedgerMarkIfNew(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	fresh, _ := l.MarkIfNew(ctx, "a")
	if !fresh {
		t.Fatalf("MarkIfNew(a) = false on first sight")
	}
	fresh, _ = l.MarkIfNew(ctx, "a")
	if fresh {
		t.Fatalf("MarkIfNew(a) = true on second sight")
	}
	l.Reset()
	fresh, _ = l.MarkIfNew(ctx, "a")
	if !fresh {
		t.Fatalf("MarkIfNew(a) = false after Reset")
	}
}

func TestMemoryLedgerJanitorClears(t *testing.T) {
	l := NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = l.MarkIfNew(ctx, "a")
	l.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for l.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not clear ledger")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSQLiteLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := OpenSQLiteLedger(path)
	if err != nil {
		t.Fatalf("OpenSQLiteLedger() error = %v", err)
	}
	fresh, err := l.MarkIfNew(ctx, "m1")
	if err != nil || !fresh {
		t.Fatalf("MarkIfNew() = %v, %v, want true, nil", fresh, err)
	}
	_ = l.Close()

	l, err = OpenSQLiteLedger(path)
	if err != nil {
		t.Fatalf("OpenSQLiteLedger() reopen error = %v", err)
	}
	defer l.Close()
	fresh, err = l.MarkIfNew(ctx, "m1")
	if err != nil || fresh {
		t.Fatalf("MarkIfNew() after reopen = %v, %v, want false, nil", fresh, err)
	}
}

func TestSQLiteLedgerPrune(t *testing.T) {
	l, err := OpenSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteLedger() error = %v", err)
	}
	defer l.Close()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	_, _ = l.MarkIfNew(ctx, "old")
	now = now.Add(2 * time.Hour)
	_, _ = l.MarkIfNew(ctx, "new")

	n, err := l.Prune(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Prune() = %d, want 1", n)
	}
	if fresh, _ := l.MarkIfNew(ctx, "old"); !fresh {
		t.Fatalf("MarkIfNew(old) = false after prune")
	}
	if fresh, _ := l.MarkIfNew(ctx, "new"); fresh {
		t.Fatalf("MarkIfNew(new) = true, want kept")
	}
}
