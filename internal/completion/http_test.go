package completion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordedCall struct {
	Model string
	Body  map[string]any
	Auth  string
	Path  string
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []recordedCall
	reply func(n int, model string, w http.ResponseWriter)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	model, _ := body["model"].(string)

	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Model: model, Body: body, Auth: r.Header.Get("Authorization"), Path: r.URL.Path})
	n := len(f.calls)
	f.mu.Unlock()

	f.reply(n, model, w)
}

func (f *fakeAPI) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

type countingObserver struct {
	mu        sync.Mutex
	attempts  []string
	fallbacks int
}

func (o *countingObserver) ObserveCompletionAttempt(model, outcome string) {
	o.mu.Lock()
	o.attempts = append(o.attempts, model+":"+outcome)
	o.mu.Unlock()
}

func (o *countingObserver) ObserveFallbackReply() {
	o.mu.Lock()
	o.fallbacks++
	o.mu.Unlock()
}

func newTestCompleter(t *testing.T, api *fakeAPI) (*HTTPCompleter, *[]time.Duration, *countingObserver) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	obs := &countingObserver{}
	c := NewHTTPCompleter(Config{APIURL: srv.URL, APIKey: "k-test", Timeout: 5 * time.Second, Logger: zerolog.Nop(), Observer: obs})
	waits := &[]time.Duration{}
	c.wait = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	return c, waits, obs
}

func writeChoice(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"choices":[{"message":{"content":`+quote(text)+`}}]}`)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func testPolicy() RetryPolicy {
	return RetryPolicy{Model: "A", FallbackModels: []string{"B"}, MaxRetries: 2, RetryDelay: 100 * time.Millisecond}
}

func TestCompleteFallsBackToSecondModel(t *testing.T) {
	api := &fakeAPI{reply: func(n int, model string, w http.ResponseWriter) {
		if model == "A" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"code":500,"message":"No candidates returned"}}`)
			return
		}
		writeChoice(w, "ok")
	}}
	c, waits, obs := newTestCompleter(t, api)

	res := c.Complete(context.Background(), Request{Prompt: "hi", Policy: testPolicy()})
	if res.Text != "ok" || res.Fallback {
		t.Fatalf("Complete() = %+v, want ok", res)
	}
	if res.Attempts != 2 || res.Model != "B" {
		t.Fatalf("Complete() attempts/model = %d/%s, want 2/B", res.Attempts, res.Model)
	}
	if len(api.recorded()) != 2 || api.recorded()[0].Model != "A" || api.recorded()[1].Model != "B" {
		t.Fatalf("calls = %+v", api.recorded())
	}
	if len(*waits) != 1 || (*waits)[0] != 100*time.Millisecond {
		t.Fatalf("waits = %v, want [100ms]", *waits)
	}
	if len(obs.attempts) != 2 || obs.attempts[0] != "A:api_error" || obs.attempts[1] != "B:success" {
		t.Fatalf("observed = %v", obs.attempts)
	}
}

func TestCompleteExhaustedReturnsFallbackReply(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, _ string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	}}
	c, waits, obs := newTestCompleter(t, api)

	res := c.Complete(context.Background(), Request{Prompt: "hi", Policy: testPolicy()})
	if !res.Fallback || res.Text != FallbackReply {
		t.Fatalf("Complete() = %+v, want FallbackReply", res)
	}
	if len(api.recorded()) != 3 {
		t.Fatalf("len(calls) = %d, want 3", len(api.recorded()))
	}
	// models[2] does not exist, so the third attempt reuses the primary.
	if api.recorded()[2].Model != "A" {
		t.Fatalf("third attempt model = %s, want A", api.recorded()[2].Model)
	}
	if len(*waits) != 2 {
		t.Fatalf("waits = %v, want 2 waits (none after the last attempt)", *waits)
	}
	if obs.fallbacks != 1 {
		t.Fatalf("fallbacks = %d, want 1", obs.fallbacks)
	}
}

func TestCompleteRateLimitDoublesDelay(t *testing.T) {
	api := &fakeAPI{reply: func(n int, _ string, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
			return
		}
		writeChoice(w, "fine")
	}}
	c, waits, _ := newTestCompleter(t, api)

	res := c.Complete(context.Background(), Request{Prompt: "hi", Policy: testPolicy()})
	if res.Text != "fine" {
		t.Fatalf("Complete() = %+v", res)
	}
	if len(*waits) != 1 || (*waits)[0] != 200*time.Millisecond {
		t.Fatalf("waits = %v, want [200ms]", *waits)
	}
}

func TestCompleteEmptyChoicesIsSoftFailure(t *testing.T) {
	api := &fakeAPI{reply: func(n int, _ string, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"choices":[]}`)
			return
		}
		writeChoice(w, "second")
	}}
	c, _, _ := newTestCompleter(t, api)

	res := c.Complete(context.Background(), Request{Prompt: "hi", Policy: testPolicy()})
	if res.Text != "second" || res.Attempts != 2 {
		t.Fatalf("Complete() = %+v", res)
	}
}

func TestCompleteZeroRetriesMakesOneAttempt(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, _ string, w http.ResponseWriter) {
		_, _ = io.WriteString(w, "not json")
	}}
	c, waits, _ := newTestCompleter(t, api)
	policy := testPolicy()
	policy.MaxRetries = 0

	res := c.Complete(context.Background(), Request{Prompt: "hi", Policy: policy})
	if !res.Fallback || len(api.recorded()) != 1 || len(*waits) != 0 {
		t.Fatalf("Complete() = %+v, calls = %d, waits = %v", res, len(api.recorded()), *waits)
	}
}

func TestCompleteRequestBody(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, _ string, w http.ResponseWriter) { writeChoice(w, "x") }}
	c, _, _ := newTestCompleter(t, api)
	img := []byte{0xff, 0xd8, 0xff}

	c.Complete(context.Background(), Request{Prompt: "look", Image: img, Policy: testPolicy()})

	call := api.recorded()[0]
	if call.Auth != "Bearer k-test" {
		t.Fatalf("Authorization = %q", call.Auth)
	}
	if call.Path != "/chat/completions" {
		t.Fatalf("path = %q, want /chat/completions", call.Path)
	}
	for key, want := range map[string]float64{
		"temperature":       0.99,
		"top_p":             0.95,
		"frequency_penalty": 0.1,
		"presence_penalty":  0.1,
		"max_tokens":        2000,
	} {
		if got, _ := call.Body[key].(float64); got != want {
			t.Fatalf("%s = %v, want %v", key, got, want)
		}
	}
	messages := call.Body["messages"].([]any)
	msg := messages[0].(map[string]any)
	if msg["role"] != "user" {
		t.Fatalf("role = %v, want user", msg["role"])
	}
	content := msg["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("len(content) = %d, want 2", len(content))
	}
	text := content[0].(map[string]any)
	if text["type"] != "text" || text["text"] != "look" {
		t.Fatalf("content[0] = %v", text)
	}
	image := content[1].(map[string]any)
	url := image["image_url"].(map[string]any)["url"]
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img)
	if image["type"] != "image_url" || url != want {
		t.Fatalf("content[1] = %v", image)
	}
}

func TestCompleteErrorInsideOKBodyIsAPIError(t *testing.T) {
	api := &fakeAPI{reply: func(n int, _ string, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"error":{"code":"overloaded","message":"try later"}}`)
			return
		}
		writeChoice(w, "after")
	}}
	c, _, obs := newTestCompleter(t, api)

	res := c.Complete(context.Background(), Request{Prompt: "hi", Policy: testPolicy()})
	if res.Text != "after" || res.Attempts != 2 {
		t.Fatalf("Complete() = %+v", res)
	}
	if obs.attempts[0] != "A:api_error" {
		t.Fatalf("observed = %v, want A:api_error first", obs.attempts)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://api.openai.com/v1/chat/completions", want: "https://api.openai.com/v1/"},
		{in: "https://api.openai.com/v1/chat/completions/", want: "https://api.openai.com/v1/"},
		{in: " https://gateway.local/v1 ", want: "https://gateway.local/v1/"},
		{in: "http://127.0.0.1:8080", want: "http://127.0.0.1:8080/"},
	}
	for _, tt := range tests {
		if got := BaseURL(tt.in); got != tt.want {
			t.Fatalf("BaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompleteCancelledWaitReturnsFallback(t *testing.T) {
	api := &fakeAPI{reply: func(_ int, _ string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	}}
	c, _, _ := newTestCompleter(t, api)
	c.wait = func(ctx context.Context, _ time.Duration) error { return context.Canceled }

	res := c.Complete(context.Background(), Request{Prompt: "hi", Policy: testPolicy()})
	if !res.Fallback || len(api.recorded()) != 1 {
		t.Fatalf("Complete() = %+v, calls = %d", res, len(api.recorded()))
	}
}

func TestNewCompleterModes(t *testing.T) {
	if c, err := NewCompleter(Config{Mode: "auto"}); err != nil {
		t.Fatalf("NewCompleter(auto) error = %v", err)
	} else if _, ok := c.(*MockCompleter); !ok {
		t.Fatalf("NewCompleter(auto) without key = %T, want *MockCompleter", c)
	}
	if c, err := NewCompleter(Config{Mode: "auto", APIURL: "http://x", APIKey: "k"}); err != nil {
		t.Fatalf("NewCompleter(auto) error = %v", err)
	} else if _, ok := c.(*HTTPCompleter); !ok {
		t.Fatalf("NewCompleter(auto) with key = %T, want *HTTPCompleter", c)
	}
	if _, err := NewCompleter(Config{Mode: "http"}); err == nil {
		t.Fatalf("NewCompleter(http) without url expected error")
	}
	if _, err := NewCompleter(Config{Mode: "grpc"}); err == nil {
		t.Fatalf("NewCompleter(grpc) expected error")
	}
}

func TestMockCompleterEchoesCurrentMessage(t *testing.T) {
	res := NewMockCompleter().Complete(context.Background(), Request{Prompt: "persona\n\n1 [t]: x\n\nBob(1): hello", Policy: testPolicy()})
	if res.Text != "I heard you: Bob(1): hello" || res.Model != "A" {
		t.Fatalf("Complete() = %+v", res)
	}
}
