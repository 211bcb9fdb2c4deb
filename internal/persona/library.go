// Package persona manages the named system prompts a group can select.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ent0n29/chorus/internal/fsutil"
)

var (
	ErrNotFound    = errors.New("persona: not found")
	ErrExists      = errors.New("persona: already exists")
	ErrInvalidName = errors.New("persona: invalid name")
)

// DefaultPrompt is used whenever a group's persona cannot be read.
const DefaultPrompt = "You are a friendly member of this group chat. Reply briefly and naturally, " +
	"in the language the others are using. Separate multiple messages with [SEP] and " +
	"mention someone with [@name]."

const fileExt = ".txt"

// Library stores personas as <dir>/<name>.txt.
type Library struct {
	mu  sync.RWMutex
	dir string
}

func NewLibrary(dir string) (*Library, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	return &Library{dir: dir}, nil
}

func (l *Library) Dir() string { return l.dir }

func (l *Library) Get(name string) (string, error) {
	path, err := l.path(name)
	if err != nil {
		return "", err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	text, ok, err := fsutil.ReadText(path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return text, nil
}

func (l *Library) Exists(name string) bool {
	path, err := l.path(name)
	if err != nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Add creates a persona. It fails with ErrExists rather than overwrite.
func (l *Library) Add(name, text string) error {
	path, err := l.path(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	return fsutil.WriteTextAtomic(path, text)
}

func (l *Library) Delete(name string) error {
	path, err := l.path(name)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete persona %s: %w", name, err)
	}
	return nil
}

// List returns persona names in lexical order.
func (l *Library) List() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	items, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(item.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

func (l *Library) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.dir, name+fileExt), nil
}

func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "" || name != strings.TrimSpace(name):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
