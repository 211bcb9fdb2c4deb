package conversation

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// NewStore creates a postgres-backed store when configured, otherwise the
// file store under the given layout.
func NewStore(ctx context.Context, databaseURL string, layout FileLayout, logger zerolog.Logger) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewFileStore(layout, logger)
	}
	return NewPostgresStore(ctx, databaseURL)
}
