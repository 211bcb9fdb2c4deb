package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockCompleter provides deterministic local replies when no API is configured.
type MockCompleter struct{}

func NewMockCompleter() *MockCompleter { return &MockCompleter{} }

func (c *MockCompleter) Complete(ctx context.Context, req Request) Result {
	model := req.Policy.ModelForAttempt(0)
	if ctx.Err() != nil {
		return Result{Text: FallbackReply, Model: model, Attempts: 1, Fallback: true}
	}
	return Result{Text: buildMockReply(req), Model: model, Attempts: 1}
}

// buildMockReply echoes the last prompt line, which is the current message.
func buildMockReply(req Request) string {
	prompt := strings.TrimSpace(req.Prompt)
	last := prompt
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		last = strings.TrimSpace(prompt[i+1:])
	}
	if last == "" {
		return "I am listening."
	}
	if len(req.Image) > 0 {
		return fmt.Sprintf("I heard you: %s (and saw your picture)", last)
	}
	return fmt.Sprintf("I heard you: %s", last)
}
