// Package completion talks to an OpenAI-compatible chat completions
// endpoint with per-attempt model fallback.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FallbackReply is returned when every attempt failed.
const FallbackReply = "Sorry, I'm having some trouble right now. Please try again later."

// RetryPolicy selects models and pacing for one Complete call.
type RetryPolicy struct {
	Model          string
	FallbackModels []string
	MaxRetries     int
	RetryDelay     time.Duration
}

// Models is the primary model followed by the fallbacks.
func (p RetryPolicy) Models() []string {
	out := make([]string, 0, 1+len(p.FallbackModels))
	out = append(out, p.Model)
	out = append(out, p.FallbackModels...)
	return out
}

// ModelForAttempt picks models[i], or the primary once the list runs out.
func (p RetryPolicy) ModelForAttempt(i int) string {
	models := p.Models()
	if i >= 0 && i < len(models) && models[i] != "" {
		return models[i]
	}
	return models[0]
}

type Request struct {
	Prompt string
	// Image is raw JPEG bytes; nil when the message carried no image.
	Image  []byte
	Policy RetryPolicy
}

type Result struct {
	Text     string
	Model    string
	Attempts int
	// Fallback is true when Text is FallbackReply.
	Fallback bool
}

// Completer never fails: exhausted retries yield FallbackReply.
type Completer interface {
	Complete(ctx context.Context, req Request) Result
}

// AttemptObserver receives one call per attempt and per fallback reply.
type AttemptObserver interface {
	ObserveCompletionAttempt(model, outcome string)
	ObserveFallbackReply()
}

// Config controls completer construction.
type Config struct {
	Mode     string
	APIURL   string
	APIKey   string
	Timeout  time.Duration
	Logger   zerolog.Logger
	Observer AttemptObserver
}

func NewCompleter(cfg Config) (Completer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" && strings.TrimSpace(cfg.APIURL) != "" {
			return NewHTTPCompleter(cfg), nil
		}
		cfg.Logger.Warn().Msg("no completion API key configured, using mock completer")
		return NewMockCompleter(), nil
	case "http":
		if strings.TrimSpace(cfg.APIURL) == "" {
			return nil, errors.New("completion API url is required for http mode")
		}
		return NewHTTPCompleter(cfg), nil
	case "mock":
		return NewMockCompleter(), nil
	default:
		return nil, fmt.Errorf("unsupported completion mode %q", cfg.Mode)
	}
}
