package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/fsutil"
)

// FileLayout names where FileStore keeps its files.
type FileLayout struct {
	GroupDir     string
	UserDir      string
	CountersFile string
}

// FileStore keeps one JSON array per scope. Writes go through a temp file
// and an atomic rename, so a log on disk is always complete.
type FileStore struct {
	layout   FileLayout
	counters *counterFile
	logger   zerolog.Logger
	now      func() time.Time
	write    func(path string, v any) error

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewFileStore(layout FileLayout, logger zerolog.Logger) (*FileStore, error) {
	for _, dir := range []string{layout.GroupDir, layout.UserDir} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	counters, err := openCounterFile(layout.CountersFile, logger)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		layout:   layout,
		counters: counters,
		logger:   logger,
		now:      time.Now,
		write:    fsutil.WriteJSONAtomic,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// path maps a scope to its log file. User logs live in one directory per
// group; ids never contain a path separator, so distinct scopes never share
// a file.
func (s *FileStore) path(scope Scope) string {
	if scope.IsUser() {
		return filepath.Join(s.layout.UserDir, scope.GroupID, fmt.Sprintf("%s_user_context.json", scope.UserID))
	}
	return filepath.Join(s.layout.GroupDir, fmt.Sprintf("%s_group_context.json", scope.GroupID))
}

func (s *FileStore) lock(scope Scope) func() {
	key := scope.Key()
	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *FileStore) Append(ctx context.Context, scope Scope, text string, opts AppendOptions) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := s.lock(scope)
	defer unlock()

	path := s.path(scope)
	entries, err := s.load(path)
	if err != nil {
		return false, err
	}

	stored := ComposeText(text, opts)
	if containsDuplicate(entries, DedupKey(stored)) {
		return false, nil
	}
	entries = append(entries, Entry{
		Seq:       nextSeq(entries),
		Text:      stored,
		Timestamp: timestamp(s.now()),
	})
	if err := s.write(path, entries); err != nil {
		return false, fmt.Errorf("append %s: %w", scope, err)
	}

	_, rotated, err := s.counters.increment(scope, opts.MaxContextLength)
	if err != nil {
		return true, err
	}
	if rotated && opts.TrimOnRotate && len(entries) > opts.MaxContextLength {
		if err := s.write(path, trimTail(entries, opts.MaxContextLength)); err != nil {
			return true, fmt.Errorf("trim %s: %w", scope, err)
		}
		s.logger.Debug().Str("scope", scope.Key()).Int("kept", opts.MaxContextLength).Msg("conversation log trimmed")
	}
	return true, nil
}

func (s *FileStore) Read(ctx context.Context, scope Scope) ([]Entry, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lock(scope)
	defer unlock()
	return s.load(s.path(scope))
}

func (s *FileStore) Clear(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lock(scope)
	defer unlock()
	if err := s.write(s.path(scope), []Entry{}); err != nil {
		return fmt.Errorf("clear %s: %w", scope, err)
	}
	return s.counters.reset(scope)
}

func (s *FileStore) Count(_ context.Context, scope Scope) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	return s.counters.get(scope), nil
}

func (s *FileStore) Close() error { return nil }

// load reads a log. Malformed content is logged and treated as empty;
// only I/O failures are returned.
func (s *FileStore) load(path string) ([]Entry, error) {
	var entries []Entry
	if _, err := fsutil.ReadJSON(path, &entries); err != nil {
		if isDecodeError(err) {
			s.logger.Warn().Err(err).Str("path", path).Msg("conversation log malformed, treating as empty")
			return []Entry{}, nil
		}
		return nil, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func isDecodeError(err error) bool {
	return errors.Is(err, fsutil.ErrDecodeFailed)
}
