package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/conversation"
)

type staticSettings struct{ s config.Settings }

func (s staticSettings) Current() config.Settings { return s.s }

type fakePersonas map[string]bool

func (f fakePersonas) Exists(name string) bool { return f[name] }

type recordingClearer struct{ cleared []conversation.Scope }

func (r *recordingClearer) Clear(_ context.Context, scope conversation.Scope) error {
	r.cleared = append(r.cleared, scope)
	return nil
}

func newTestStore(t *testing.T, path string) (*Store, *recordingClearer) {
	t.Helper()
	settings := config.DefaultSettings()
	settings.DefaultReplyProbability = 0.25
	settings.DefaultPersona = "default"
	clearer := &recordingClearer{}
	store, err := NewStore(path, staticSettings{settings}, fakePersonas{"cat": true}, clearer, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, clearer
}

func TestStoreDefaults(t *testing.T) {
	store, _ := newTestStore(t, filepath.Join(t.TempDir(), "groups.json"))

	if !store.IsEnabled("1") {
		t.Fatalf("IsEnabled() = false, want true by default")
	}
	if got := store.ReplyProbability("1"); got != 0.25 {
		t.Fatalf("ReplyProbability() = %v, want seeded default 0.25", got)
	}
	if got := store.Persona("1"); got != "default" {
		t.Fatalf("Persona() = %q, want default", got)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.json")
	store, _ := newTestStore(t, path)

	if err := store.SetEnabled("1", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if err := store.SetReplyProbability("1", 0.5); err != nil {
		t.Fatalf("SetReplyProbability() error = %v", err)
	}
	if err := store.SetDefaultReplyProbability(0.75); err != nil {
		t.Fatalf("SetDefaultReplyProbability() error = %v", err)
	}
	ok, err := store.SetPersona("1", "cat")
	if err != nil || !ok {
		t.Fatalf("SetPersona() = %v, %v, want true, nil", ok, err)
	}

	reopened, _ := newTestStore(t, path)
	if reopened.IsEnabled("1") {
		t.Fatalf("IsEnabled() = true after reopen, want false")
	}
	if got := reopened.ReplyProbability("1"); got != 0.5 {
		t.Fatalf("ReplyProbability() = %v, want 0.5", got)
	}
	if got := reopened.ReplyProbability("2"); got != 0.75 {
		t.Fatalf("ReplyProbability(other) = %v, want stored default 0.75", got)
	}
	if got := reopened.Persona("1"); got != "cat" {
		t.Fatalf("Persona() = %q, want cat", got)
	}
}

func TestStoreSetPersonaUnknown(t *testing.T) {
	store, _ := newTestStore(t, filepath.Join(t.TempDir(), "groups.json"))
	ok, err := store.SetPersona("1", "dragon")
	if err != nil {
		t.Fatalf("SetPersona() error = %v", err)
	}
	if ok {
		t.Fatalf("SetPersona() = true, want false for unknown persona")
	}
	if got := store.Persona("1"); got != "default" {
		t.Fatalf("Persona() = %q, want unchanged default", got)
	}
}

func TestStoreRejectsInvalidProbability(t *testing.T) {
	store, _ := newTestStore(t, filepath.Join(t.TempDir(), "groups.json"))
	for _, p := range []float64{-0.1, 1.5} {
		if err := store.SetReplyProbability("1", p); !errors.Is(err, ErrInvalidProbability) {
			t.Fatalf("SetReplyProbability(%v) error = %v, want ErrInvalidProbability", p, err)
		}
	}
}

func TestStoreFallsBackToOneWithoutDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.json")
	if err := os.WriteFile(path, []byte(`{"groups":{}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, _ := newTestStore(t, path)
	// An existing file without a default is seeded from settings.
	if got := store.ReplyProbability("1"); got != 0.25 {
		t.Fatalf("ReplyProbability() = %v, want 0.25", got)
	}
	store.data.DefaultReplyProbability = nil
	if got := store.ReplyProbability("1"); got != 1.0 {
		t.Fatalf("ReplyProbability() = %v, want 1.0", got)
	}
}

func TestStoreMalformedFileStartsFromDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, _ := newTestStore(t, path)
	if !store.IsEnabled("1") {
		t.Fatalf("IsEnabled() = false, want true")
	}
}

func TestStoreCooldown(t *testing.T) {
	store, _ := newTestStore(t, filepath.Join(t.TempDir(), "groups.json"))
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if store.InCooldown("1") {
		t.Fatalf("InCooldown() = true before any reply")
	}
	store.RecordReply("1")
	now = now.Add(2 * time.Second)
	if !store.InCooldown("1") {
		t.Fatalf("InCooldown() = false within window")
	}
	if store.InCooldown("2") {
		t.Fatalf("InCooldown(other) = true, want false")
	}
	now = now.Add(1500 * time.Millisecond)
	if store.InCooldown("1") {
		t.Fatalf("InCooldown() = true after window")
	}
}

func TestStoreClearGroup(t *testing.T) {
	store, clearer := newTestStore(t, filepath.Join(t.TempDir(), "groups.json"))
	_ = store.SetEnabled("1", false)
	_ = store.SetReplyProbability("1", 0.1)
	store.RecordReply("1")

	if err := store.ClearGroup(context.Background(), "1"); err != nil {
		t.Fatalf("ClearGroup() error = %v", err)
	}
	if !store.IsEnabled("1") || store.ReplyProbability("1") != 0.25 {
		t.Fatalf("policy not reset: %+v", store.Policy("1"))
	}
	if store.InCooldown("1") {
		t.Fatalf("InCooldown() = true after ClearGroup")
	}
	if len(clearer.cleared) != 1 || clearer.cleared[0] != conversation.GroupScope("1") {
		t.Fatalf("cleared = %+v, want group scope 1", clearer.cleared)
	}
}

func TestStoreSnapshot(t *testing.T) {
	store, _ := newTestStore(t, filepath.Join(t.TempDir(), "groups.json"))
	_ = store.SetEnabled("b", false)
	store.RecordReply("a")

	snap := store.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}
	if snap[0].GroupID != "a" || !snap[0].InCooldown {
		t.Fatalf("snap[0] = %+v", snap[0])
	}
	if snap[1].GroupID != "b" || snap[1].Enabled {
		t.Fatalf("snap[1] = %+v", snap[1])
	}
}
