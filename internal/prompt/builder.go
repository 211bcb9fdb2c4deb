// Package prompt assembles the completion prompt from a persona, the group
// history and the current message.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/conversation"
	"github.com/ent0n29/chorus/internal/persona"
)

type PersonaSource interface {
	Get(name string) (string, error)
}

type HistoryReader interface {
	Read(ctx context.Context, scope conversation.Scope) ([]conversation.Entry, error)
}

type Builder struct {
	personas PersonaSource
	history  HistoryReader
	logger   zerolog.Logger
}

func NewBuilder(personas PersonaSource, history HistoryReader, logger zerolog.Logger) *Builder {
	return &Builder{personas: personas, history: history, logger: logger}
}

// Build returns persona, history and current message separated by blank
// lines. An unreadable persona falls back to persona.DefaultPrompt.
func (b *Builder) Build(ctx context.Context, groupID, personaName, current string) (string, error) {
	text, err := b.personas.Get(personaName)
	if err != nil || strings.TrimSpace(text) == "" {
		b.logger.Warn().Err(err).Str("persona", personaName).Msg("persona unavailable, using built-in default")
		text = persona.DefaultPrompt
	}

	entries, err := b.history.Read(ctx, conversation.GroupScope(groupID))
	if err != nil {
		return "", fmt.Errorf("read group history: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteString("\n\n")
	sb.WriteString(FormatHistory(entries))
	sb.WriteString("\n\n")
	sb.WriteString(current)
	return sb.String(), nil
}

// FormatHistory renders one "<seq> [<timestamp>]: <text>" line per entry.
func FormatHistory(entries []conversation.Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%d [%s]: %s", e.Seq, e.Timestamp, e.Text))
	}
	return strings.Join(lines, "\n")
}
