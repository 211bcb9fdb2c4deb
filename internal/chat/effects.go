package chat

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/protocol"
)

// decorate adds the optional image and poke, each gated by its own roll.
func (h *Handler) decorate(out *Effects, ev protocol.InboundEvent, s config.Settings, logger zerolog.Logger) {
	if s.DecorationsDir != "" && h.rand() < s.ImageProbability {
		path, err := pickDecoration(s.DecorationsDir, h.rand)
		if err != nil {
			logger.Warn().Err(err).Str("dir", s.DecorationsDir).Msg("decoration image unavailable")
		} else if path != "" {
			out.Image = &protocol.ImageEffect{Path: path}
		}
	}
	if h.rand() < s.PokeProbability {
		out.Poke = &protocol.PokeEffect{UserID: ev.Sender.UserID}
	}
}

func pickDecoration(dir string, rnd func() float64) (string, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	files := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type().IsRegular() && !strings.HasPrefix(item.Name(), ".") {
			files = append(files, item.Name())
		}
	}
	if len(files) == 0 {
		return "", nil
	}
	idx := int(rnd() * float64(len(files)))
	if idx >= len(files) {
		idx = len(files) - 1
	}
	return filepath.Join(dir, files[idx]), nil
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
