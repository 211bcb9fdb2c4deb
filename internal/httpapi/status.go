package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	Modes  Modes         `json:"modes"`
	Model  string        `json:"model"`
	Muted  bool          `json:"muted"`
	Checks []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	settings := s.settings.Current()
	checks := make([]statusCheck, 0, 8)
	checks = append(checks, s.completionChecks()...)

	switch s.modes.Store {
	case "postgres":
		checks = append(checks, statusCheck{
			ID:     "conversation_store",
			Status: "ok",
			Label:  "Conversation logs",
			Detail: "postgres",
		})
	default:
		checks = append(checks, statusCheck{
			ID:     "conversation_store",
			Status: "ok",
			Label:  "Conversation logs",
			Detail: fmt.Sprintf("json files under %s", s.cfg.DataDir),
		})
	}

	switch s.modes.Ledger {
	case "sqlite":
		checks = append(checks, statusCheck{
			ID:     "dedup_ledger",
			Status: "ok",
			Label:  "Processed-message ledger",
			Detail: "sqlite " + s.cfg.LedgerSQLitePath,
		})
	default:
		checks = append(checks, statusCheck{
			ID:     "dedup_ledger",
			Status: "warn",
			Label:  "Processed-message ledger",
			Detail: "in-memory only",
			Fix:    "Set LEDGER_SQLITE_PATH to keep dedup state across restarts.",
		})
	}

	if _, err := os.Stat(s.settings.Path()); err != nil {
		checks = append(checks, statusCheck{
			ID:     "settings_file",
			Status: "warn",
			Label:  "Settings file",
			Detail: "not found, running with defaults",
			Fix:    "Create " + s.settings.Path() + " or set SETTINGS_FILE.",
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "settings_file",
			Status: "ok",
			Label:  "Settings file",
			Detail: s.settings.Path(),
		})
	}

	if !s.personas.Exists(settings.DefaultPersona) {
		checks = append(checks, statusCheck{
			ID:     "default_persona",
			Status: "warn",
			Label:  "Default persona",
			Detail: settings.DefaultPersona + " is missing, built-in prompt in use",
			Fix:    "PUT /v1/personas/" + settings.DefaultPersona + " with a persona text.",
		})
	} else {
		checks = append(checks, statusCheck{
			ID:     "default_persona",
			Status: "ok",
			Label:  "Default persona",
			Detail: settings.DefaultPersona,
		})
	}

	if settings.Muted {
		checks = append(checks, statusCheck{
			ID:     "muted",
			Status: "warn",
			Label:  "Global mute",
			Detail: "replies are disabled for every group",
			Fix:    "Set muted: false in the settings file and reload.",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		Modes:  s.modes,
		Model:  settings.Model,
		Muted:  settings.Muted,
		Checks: checks,
	})
}

func (s *Server) completionChecks() []statusCheck {
	mode := strings.ToLower(strings.TrimSpace(s.modes.Completion))
	switch mode {
	case "http":
		if strings.TrimSpace(s.cfg.CompletionAPIKey) == "" {
			return []statusCheck{{
				ID:     "completion",
				Status: "error",
				Label:  "Completion API",
				Detail: "COMPLETION_API_KEY is not set",
				Fix:    "Set COMPLETION_API_KEY or switch to COMPLETION_MODE=mock.",
			}}
		}
		return []statusCheck{{
			ID:     "completion",
			Status: "ok",
			Label:  "Completion API",
			Detail: s.cfg.CompletionAPIURL,
		}}
	case "mock":
		return []statusCheck{{
			ID:     "completion",
			Status: "warn",
			Label:  "Completion API is mock",
			Detail: "replies echo the incoming message",
			Fix:    "Set COMPLETION_API_KEY and COMPLETION_MODE=http.",
		}}
	default:
		return []statusCheck{{
			ID:     "completion",
			Status: "warn",
			Label:  "Completion API",
			Detail: "unknown mode " + mode,
		}}
	}
}
