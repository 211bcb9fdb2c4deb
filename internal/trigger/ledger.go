package trigger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps processed ids in memory. StartJanitor forgets all of
// them periodically.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

func (l *MemoryLedger) MarkIfNew(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[id]; ok {
		return false, nil
	}
	l.seen[id] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

func (l *MemoryLedger) Reset() {
	l.mu.Lock()
	l.seen = make(map[string]struct{})
	l.mu.Unlock()
}

func (l *MemoryLedger) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Reset()
			}
		}
	}()
}

func (l *MemoryLedger) Close() error { return nil }
