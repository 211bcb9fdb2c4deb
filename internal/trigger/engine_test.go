package trigger

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/conversation"
)

type fakePolicy struct {
	probability float64
	cooldown    bool
}

func (f *fakePolicy) ReplyProbability(string) float64 { return f.probability }
func (f *fakePolicy) InCooldown(string) bool          { return f.cooldown }

func newTestEngine(t *testing.T, p *fakePolicy) (*Engine, conversation.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := conversation.NewFileStore(conversation.FileLayout{
		GroupDir:     filepath.Join(root, "group_chat"),
		UserDir:      filepath.Join(root, "user_chat"),
		CountersFile: filepath.Join(root, "context_counts.json"),
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return NewEngine(NewMemoryLedger(), store, p, zerolog.Nop()), store
}

// countingStore keeps only append counts; the probability tests run
// thousands of evaluations.
type countingStore struct {
	mu      sync.Mutex
	appends map[string]int
}

func (c *countingStore) Append(_ context.Context, scope conversation.Scope, _ string, _ conversation.AppendOptions) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appends == nil {
		c.appends = map[string]int{}
	}
	c.appends[scope.Kind()]++
	return true, nil
}

func (c *countingStore) Read(context.Context, conversation.Scope) ([]conversation.Entry, error) {
	return nil, nil
}

func (c *countingStore) Clear(context.Context, conversation.Scope) error { return nil }

func (c *countingStore) Count(context.Context, conversation.Scope) (int, error) { return 0, nil }

func (c *countingStore) Close() error { return nil }

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.Keywords = []string{"Lina"}
	s.MaxContextLength = 100
	return s
}

func msg(id, text string) Message {
	return Message{ID: id, GroupID: "g1", UserID: "u1", SenderName: "Bob", Text: "Bob(u1): " + text}
}

func TestEvaluateProbabilityZeroNeverTriggers(t *testing.T) {
	store := &countingStore{}
	engine := NewEngine(NewMemoryLedger(), store, &fakePolicy{probability: 0}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		d, err := engine.Evaluate(ctx, msg("m"+strconv.Itoa(i), "plain chatter"), testSettings())
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if d.Triggered {
			t.Fatalf("Evaluate() triggered with p=0 at %d", i)
		}
	}
	if store.appends["group"] != 10000 || store.appends["user"] != 0 {
		t.Fatalf("appends = %v, want 10000 group and 0 user", store.appends)
	}
}

func TestEvaluateProbabilityOneAlwaysTriggers(t *testing.T) {
	store := &countingStore{}
	engine := NewEngine(NewMemoryLedger(), store, &fakePolicy{probability: 1}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 10000; i++ {
		d, err := engine.Evaluate(ctx, msg("m"+strconv.Itoa(i), "plain chatter"), testSettings())
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if !d.ShouldReply() {
			t.Fatalf("Evaluate() = %+v with p=1 at %d", d, i)
		}
	}
	if store.appends["user"] != 10000 {
		t.Fatalf("user appends = %d, want 10000", store.appends["user"])
	}
}

func TestEvaluateKeywordTriggers(t *testing.T) {
	engine, store := newTestEngine(t, &fakePolicy{probability: 0})
	ctx := context.Background()

	d, err := engine.Evaluate(ctx, msg("1", "hey LINA, you there?"), testSettings())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.ShouldReply() || d.Reason != ReasonKeyword {
		t.Fatalf("Evaluate() = %+v, want keyword trigger", d)
	}
	user, _ := store.Read(ctx, conversation.UserScope("g1", "u1"))
	if len(user) != 1 {
		t.Fatalf("len(user log) = %d, want 1", len(user))
	}
}

func TestEvaluateIgnoresKeywordInSenderName(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePolicy{probability: 0})
	m := Message{ID: "1", GroupID: "g1", UserID: "u1", SenderName: "Lina", Text: "Lina(u1): good morning"}

	d, err := engine.Evaluate(context.Background(), m, testSettings())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Triggered {
		t.Fatalf("Evaluate() = %+v, want no trigger from sender name", d)
	}
}

func TestEvaluateCooldownSuppressesButRecordsGroup(t *testing.T) {
	engine, store := newTestEngine(t, &fakePolicy{probability: 1, cooldown: true})
	ctx := context.Background()

	d, err := engine.Evaluate(ctx, msg("1", "anyone?"), testSettings())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Triggered || !d.Suppressed || d.ShouldReply() {
		t.Fatalf("Evaluate() = %+v, want suppressed", d)
	}
	group, _ := store.Read(ctx, conversation.GroupScope("g1"))
	if len(group) != 1 {
		t.Fatalf("len(group log) = %d, want 1", len(group))
	}
	user, _ := store.Read(ctx, conversation.UserScope("g1", "u1"))
	if len(user) != 0 {
		t.Fatalf("len(user log) = %d, want 0", len(user))
	}
}

func TestEvaluateDuplicateStopsProcessing(t *testing.T) {
	engine, store := newTestEngine(t, &fakePolicy{probability: 1})
	ctx := context.Background()

	if _, err := engine.Evaluate(ctx, msg("same", "first"), testSettings()); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	d, err := engine.Evaluate(ctx, msg("same", "second text"), testSettings())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Duplicate || d.Triggered {
		t.Fatalf("Evaluate() = %+v, want duplicate", d)
	}
	group, _ := store.Read(ctx, conversation.GroupScope("g1"))
	if len(group) != 1 {
		t.Fatalf("len(group log) = %d, want 1", len(group))
	}
}

func TestEvaluateUsesInjectedRand(t *testing.T) {
	engine, _ := newTestEngine(t, &fakePolicy{probability: 0.5})
	engine.WithRand(func() float64 { return 0.49 })
	d, _ := engine.Evaluate(context.Background(), msg("1", "hi"), testSettings())
	if !d.Triggered || d.Reason != ReasonProbability {
		t.Fatalf("Evaluate() = %+v, want probability trigger", d)
	}
	engine.WithRand(func() float64 { return 0.5 })
	d, _ = engine.Evaluate(context.Background(), msg("2", "hello"), testSettings())
	if d.Triggered {
		t.Fatalf("Evaluate() = %+v, want no trigger at rand == p", d)
	}
}

func TestContainsKeyword(t *testing.T) {
	tests := []struct {
		text, sender string
		want         bool
	}{
		{text: "Bob(1): ask lina", sender: "Bob", want: true},
		{text: "Lina(1): hello", sender: "Lina", want: false},
		{text: "Lina(1): hello lina", sender: "Lina", want: true},
		{text: "Bob(1): nothing", sender: "Bob", want: false},
	}
	for _, tt := range tests {
		if got := ContainsKeyword(tt.text, tt.sender, []string{"Lina"}); got != tt.want {
			t.Fatalf("ContainsKeyword(%q, %q) = %v, want %v", tt.text, tt.sender, got, tt.want)
		}
	}
}
