// Package conversation keeps the bounded chat history for each group and
// for each (group, user) pair.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidScope = errors.New("conversation: invalid scope")

// quoteMarker opens the annotation appended to quoted messages. Everything
// from the marker on is ignored when comparing entries for duplicates.
const quoteMarker = " [quoting: "

// Entry is one line of a conversation log. Entries are never edited after
// they are written.
type Entry struct {
	Seq       int    `json:"seq"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Scope addresses a log: the group log when UserID is empty, otherwise the
// per-user log inside that group.
type Scope struct {
	GroupID string
	UserID  string
}

func GroupScope(groupID string) Scope { return Scope{GroupID: groupID} }

func UserScope(groupID, userID string) Scope { return Scope{GroupID: groupID, UserID: userID} }

func (s Scope) IsUser() bool { return s.UserID != "" }

// Kind is "group" or "user".
func (s Scope) Kind() string {
	if s.IsUser() {
		return "user"
	}
	return "group"
}

// Key is a stable identifier used for locks and database rows.
func (s Scope) Key() string {
	if s.IsUser() {
		return "user/" + s.GroupID + "/" + s.UserID
	}
	return "group/" + s.GroupID
}

func (s Scope) String() string { return s.Key() }

// Validate rejects ids that are empty or could escape the data directory.
func (s Scope) Validate() error {
	if err := validateID(s.GroupID); err != nil {
		return fmt.Errorf("%w: group id: %v", ErrInvalidScope, err)
	}
	if s.UserID != "" {
		if err := validateID(s.UserID); err != nil {
			return fmt.Errorf("%w: user id: %v", ErrInvalidScope, err)
		}
	}
	return nil
}

func validateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errors.New("empty")
	case id != strings.TrimSpace(id):
		return errors.New("surrounding whitespace")
	case strings.ContainsAny(id, `/\`) || strings.Contains(id, ".."):
		return errors.New("path characters")
	}
	return nil
}

// AppendOptions shape how a message is written and when the log rotates.
type AppendOptions struct {
	// FromAssistant prefixes the text with "<AssistantName>(AI): ".
	FromAssistant bool
	AssistantName string

	Quoted       string
	QuotedSender string

	// MaxContextLength is the rotation threshold for the scope's update
	// counter. Zero disables rotation.
	MaxContextLength int
	// TrimOnRotate drops all but the last MaxContextLength entries when
	// the counter rotates.
	TrimOnRotate bool
}

// Store persists conversation logs.
type Store interface {
	// Append adds text to the scope's log. It reports false when an entry
	// with the same text already exists and nothing was written.
	Append(ctx context.Context, scope Scope, text string, opts AppendOptions) (bool, error)
	// Read returns the whole log in sequence order. A missing or unreadable
	// log is empty.
	Read(ctx context.Context, scope Scope) ([]Entry, error)
	Clear(ctx context.Context, scope Scope) error
	// Count returns the scope's update counter.
	Count(ctx context.Context, scope Scope) (int, error)
	Close() error
}

// ComposeText renders the stored form of a message.
func ComposeText(text string, opts AppendOptions) string {
	if opts.FromAssistant {
		name := strings.TrimSpace(opts.AssistantName)
		if name == "" {
			name = "Assistant"
		}
		text = name + "(AI): " + text
	}
	if opts.Quoted != "" && opts.QuotedSender != "" {
		text = text + quoteMarker + `"` + opts.Quoted + `" from ` + opts.QuotedSender + "]"
	}
	return text
}

// DedupKey is the semantic identity of a stored text: the part before the
// quote annotation, trimmed and lower-cased.
func DedupKey(text string) string {
	if i := strings.Index(text, quoteMarker); i >= 0 {
		text = text[:i]
	}
	return strings.ToLower(strings.TrimSpace(text))
}

func containsDuplicate(entries []Entry, key string) bool {
	for _, e := range entries {
		if DedupKey(e.Text) == key {
			return true
		}
	}
	return false
}

func nextSeq(entries []Entry) int {
	if len(entries) == 0 {
		return 1
	}
	return entries[len(entries)-1].Seq + 1
}

// trimTail keeps the last limit entries and renumbers them from 1.
func trimTail(entries []Entry, limit int) []Entry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	kept := append([]Entry(nil), entries[len(entries)-limit:]...)
	for i := range kept {
		kept[i].Seq = i + 1
	}
	return kept
}

func timestamp(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
