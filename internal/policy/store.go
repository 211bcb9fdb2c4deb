// Package policy holds the per-group reply policy: enablement, reply
// probability, persona selection and the reply cooldown.
package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/conversation"
	"github.com/ent0n29/chorus/internal/fsutil"
)

var ErrInvalidProbability = errors.New("policy: probability must be within [0,1]")

// SettingsProvider yields the current runtime settings.
type SettingsProvider interface {
	Current() config.Settings
}

// PersonaChecker reports whether a persona can be selected.
type PersonaChecker interface {
	Exists(name string) bool
}

// LogClearer truncates conversation logs.
type LogClearer interface {
	Clear(ctx context.Context, scope conversation.Scope) error
}

// GroupPolicy is the effective policy of one group.
type GroupPolicy struct {
	Enabled          bool      `json:"enabled"`
	ReplyProbability float64   `json:"reply_probability"`
	Persona          string    `json:"persona"`
	LastReplyAt      time.Time `json:"last_reply_at,omitempty"`
}

// GroupStatus is one row of Snapshot.
type GroupStatus struct {
	GroupID string `json:"group_id"`
	GroupPolicy
	InCooldown bool `json:"in_cooldown"`
}

type groupRecord struct {
	Enabled          *bool    `json:"enabled,omitempty"`
	ReplyProbability *float64 `json:"reply_probability,omitempty"`
	Persona          string   `json:"persona,omitempty"`
}

type groupsFile struct {
	DefaultReplyProbability *float64               `json:"default_reply_probability,omitempty"`
	Groups                  map[string]groupRecord `json:"groups"`
}

// Store persists group policy in a single JSON file. Cooldown timestamps
// are process-local and never written.
type Store struct {
	mu       sync.Mutex
	path     string
	data     groupsFile
	settings SettingsProvider
	personas PersonaChecker
	logs     LogClearer
	logger   zerolog.Logger
	now      func() time.Time

	cooldownMu sync.Mutex
	lastReply  map[string]time.Time
}

func NewStore(path string, settings SettingsProvider, personas PersonaChecker, logs LogClearer, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:      path,
		settings:  settings,
		personas:  personas,
		logs:      logs,
		logger:    logger,
		now:       time.Now,
		lastReply: make(map[string]time.Time),
	}
	found, err := fsutil.ReadJSON(path, &s.data)
	if err != nil {
		if !errors.Is(err, fsutil.ErrDecodeFailed) {
			return nil, err
		}
		logger.Warn().Err(err).Str("path", path).Msg("group policy file malformed, starting from defaults")
		s.data = groupsFile{}
		found = false
	}
	if s.data.Groups == nil {
		s.data.Groups = make(map[string]groupRecord)
	}
	if !found || s.data.DefaultReplyProbability == nil {
		p := settings.Current().DefaultReplyProbability
		s.data.DefaultReplyProbability = &p
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) IsEnabled(group string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Groups[group]
	if !ok || rec.Enabled == nil {
		return true
	}
	return *rec.Enabled
}

func (s *Store) SetEnabled(group string, enabled bool) error {
	return s.update(group, func(rec *groupRecord) {
		rec.Enabled = &enabled
	})
}

// ReplyProbability resolves the group's value, then the stored default,
// then 1.0.
func (s *Store) ReplyProbability(group string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.data.Groups[group]; ok && rec.ReplyProbability != nil {
		return *rec.ReplyProbability
	}
	if s.data.DefaultReplyProbability != nil {
		return *s.data.DefaultReplyProbability
	}
	return 1.0
}

func (s *Store) SetReplyProbability(group string, p float64) error {
	if err := checkProbability(p); err != nil {
		return err
	}
	return s.update(group, func(rec *groupRecord) {
		rec.ReplyProbability = &p
	})
}

func (s *Store) DefaultReplyProbability() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.DefaultReplyProbability != nil {
		return *s.data.DefaultReplyProbability
	}
	return 1.0
}

func (s *Store) SetDefaultReplyProbability(p float64) error {
	if err := checkProbability(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.data.DefaultReplyProbability
	s.data.DefaultReplyProbability = &p
	if err := s.persistLocked(); err != nil {
		s.data.DefaultReplyProbability = prev
		return err
	}
	return nil
}

// Persona returns the group's persona name, or the configured default.
func (s *Store) Persona(group string) string {
	s.mu.Lock()
	rec := s.data.Groups[group]
	s.mu.Unlock()
	if rec.Persona != "" {
		return rec.Persona
	}
	return s.settings.Current().DefaultPersona
}

// SetPersona selects a persona for the group. It reports false, and
// changes nothing, when the persona does not exist.
func (s *Store) SetPersona(group, name string) (bool, error) {
	if s.personas != nil && !s.personas.Exists(name) {
		return false, nil
	}
	if err := s.update(group, func(rec *groupRecord) {
		rec.Persona = name
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ClearGroup drops every per-group setting and truncates the group log.
func (s *Store) ClearGroup(ctx context.Context, group string) error {
	s.mu.Lock()
	prev, had := s.data.Groups[group]
	delete(s.data.Groups, group)
	if err := s.persistLocked(); err != nil {
		if had {
			s.data.Groups[group] = prev
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.cooldownMu.Lock()
	delete(s.lastReply, group)
	s.cooldownMu.Unlock()

	if s.logs != nil {
		if err := s.logs.Clear(ctx, conversation.GroupScope(group)); err != nil {
			return fmt.Errorf("clear group log: %w", err)
		}
	}
	return nil
}

// InCooldown reports whether the group replied within the cooldown window.
func (s *Store) InCooldown(group string) bool {
	window := s.settings.Current().Cooldown
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	last, ok := s.lastReply[group]
	if !ok {
		return false
	}
	return s.now().Sub(last) < window
}

func (s *Store) RecordReply(group string) {
	s.cooldownMu.Lock()
	s.lastReply[group] = s.now()
	s.cooldownMu.Unlock()
}

// Policy returns the effective policy of a group.
func (s *Store) Policy(group string) GroupPolicy {
	s.cooldownMu.Lock()
	last := s.lastReply[group]
	s.cooldownMu.Unlock()
	return GroupPolicy{
		Enabled:          s.IsEnabled(group),
		ReplyProbability: s.ReplyProbability(group),
		Persona:          s.Persona(group),
		LastReplyAt:      last,
	}
}

// Snapshot lists every group that has stored policy or recent replies,
// ordered by group id.
func (s *Store) Snapshot() []GroupStatus {
	ids := make(map[string]struct{})
	s.mu.Lock()
	for id := range s.data.Groups {
		ids[id] = struct{}{}
	}
	s.mu.Unlock()
	s.cooldownMu.Lock()
	for id := range s.lastReply {
		ids[id] = struct{}{}
	}
	s.cooldownMu.Unlock()

	out := make([]GroupStatus, 0, len(ids))
	for id := range ids {
		out = append(out, GroupStatus{
			GroupID:     id,
			GroupPolicy: s.Policy(id),
			InCooldown:  s.InCooldown(id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func (s *Store) update(group string, mutate func(*groupRecord)) error {
	if group == "" {
		return errors.New("policy: empty group id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.data.Groups[group]
	next := prev
	mutate(&next)
	s.data.Groups[group] = next
	if err := s.persistLocked(); err != nil {
		if had {
			s.data.Groups[group] = prev
		} else {
			delete(s.data.Groups, group)
		}
		return err
	}
	return nil
}

func (s *Store) persistLocked() error {
	if err := fsutil.WriteJSONAtomic(s.path, s.data); err != nil {
		return fmt.Errorf("persist group policy: %w", err)
	}
	return nil
}

func checkProbability(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidProbability, p)
	}
	return nil
}
