package reply

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, name, _ string) (string, bool, error) {
	id, ok := m[name]
	return id, ok, nil
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("roster unavailable")
}

func TestCleanAndProcessExample(t *testing.T) {
	raw := "Name(AI): hello [SEP] [@Alice] how are you"
	got := Process(context.Background(), Clean(raw), "g", mapResolver{"Alice": "42"})
	want := []Part{
		{Text("hello")},
		{Mention("42"), Text("how are you")},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Process() = %+v, want %+v", got, want)
	}
}

func TestProcessUnresolvedMention(t *testing.T) {
	got := Process(context.Background(), "hi [@Ghost] there", "g", mapResolver{})
	want := []Part{{Text("hi"), Text("@Ghost "), Text("there")}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Process() = %+v, want %+v", got, want)
	}
}

func TestProcessResolverErrorIsNotFound(t *testing.T) {
	got := Process(context.Background(), "[@Bob]", "g", failingResolver{})
	want := []Part{{Text("@Bob ")}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Process() = %+v, want %+v", got, want)
	}
}

func TestProcessDropsEmptyParts(t *testing.T) {
	got := Process(context.Background(), " [SEP] one [SEP][SEP]  ", "g", nil)
	want := []Part{{Text("one")}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Process() = %+v, want %+v", got, want)
	}
	if got := Process(context.Background(), "   ", "g", nil); len(got) != 0 {
		t.Fatalf("Process(blank) = %+v, want none", got)
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "prefix", in: "Lina(AI): hi", want: "hi"},
		{name: "prefix only first line", in: "hi\nLina(AI): again", want: "hi\nLina(AI): again"},
		{name: "thinking", in: "a<thinking>\nplan\n</thinking>b", want: "ab"},
		{name: "two thinking blocks", in: "<thinking>x</thinking>a<thinking>y</thinking>b", want: "ab"},
		{name: "code fence", in: "see ```go\nfmt.Println()\n``` done", want: "see  done"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Fatalf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRosterResolver(t *testing.T) {
	r := NewRosterResolver("g", []Member{
		{UserID: "1", Nickname: "alice", Card: "Alice in Chains"},
		{UserID: "2", Nickname: "bob"},
	})
	ctx := context.Background()
	cases := []struct {
		name, group, wantID string
		wantOK              bool
	}{
		{"Alice in Chains", "g", "1", true},
		{"alice", "g", "1", true},
		{"bob", "g", "2", true},
		{"Bob", "g", "", false},
		{"bob", "other", "", false},
	}
	for _, tc := range cases {
		id, ok, err := r.Resolve(ctx, tc.name, tc.group)
		if err != nil || id != tc.wantID || ok != tc.wantOK {
			t.Fatalf("Resolve(%q, %q) = %q, %v, %v", tc.name, tc.group, id, ok, err)
		}
	}
}

func TestPartPlainText(t *testing.T) {
	p := Part{Mention("42"), Text("how are you")}
	if got := p.PlainText(); got != "@42 how are you" {
		t.Fatalf("PlainText() = %q", got)
	}
}
