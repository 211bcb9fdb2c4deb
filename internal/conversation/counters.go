package conversation

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/fsutil"
)

// countsFile is the on-disk shape of the update counters:
// {"group": {"<g>": n}, "user": {"<g>": {"<u>": n}}}.
type countsFile struct {
	Group map[string]int            `json:"group"`
	User  map[string]map[string]int `json:"user"`
}

// counterFile owns context_counts.json. It is shared by every scope, so it
// has its own lock independent of the per-scope locks.
type counterFile struct {
	mu     sync.Mutex
	path   string
	counts countsFile
}

func openCounterFile(path string, logger zerolog.Logger) (*counterFile, error) {
	c := &counterFile{path: path}
	if _, err := fsutil.ReadJSON(path, &c.counts); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("update counters unreadable, starting from zero")
		c.counts = countsFile{}
	}
	if c.counts.Group == nil {
		c.counts.Group = map[string]int{}
	}
	if c.counts.User == nil {
		c.counts.User = map[string]map[string]int{}
	}
	return c, nil
}

func (c *counterFile) get(scope Scope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope.IsUser() {
		return c.counts.User[scope.GroupID][scope.UserID]
	}
	return c.counts.Group[scope.GroupID]
}

// increment bumps the scope's counter and resets it to zero once it reaches
// limit. rotated reports whether the reset happened.
func (c *counterFile) increment(scope Scope, limit int) (count int, rotated bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.lookup(scope)
	count = prev + 1
	if limit > 0 && count >= limit {
		count = 0
		rotated = true
	}
	c.store(scope, count)
	if err := fsutil.WriteJSONAtomic(c.path, c.counts); err != nil {
		c.store(scope, prev)
		return prev, false, fmt.Errorf("persist update counter: %w", err)
	}
	return count, rotated, nil
}

func (c *counterFile) reset(scope Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookup(scope) == 0 {
		return nil
	}
	c.store(scope, 0)
	if err := fsutil.WriteJSONAtomic(c.path, c.counts); err != nil {
		return fmt.Errorf("persist update counter: %w", err)
	}
	return nil
}

func (c *counterFile) lookup(scope Scope) int {
	if scope.IsUser() {
		return c.counts.User[scope.GroupID][scope.UserID]
	}
	return c.counts.Group[scope.GroupID]
}

func (c *counterFile) store(scope Scope, n int) {
	if !scope.IsUser() {
		c.counts.Group[scope.GroupID] = n
		return
	}
	users := c.counts.User[scope.GroupID]
	if users == nil {
		users = map[string]int{}
		c.counts.User[scope.GroupID] = users
	}
	users[scope.UserID] = n
}
