package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/chorus/internal/conversation"
	"github.com/ent0n29/chorus/internal/persona"
	"github.com/ent0n29/chorus/internal/policy"
)

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type probabilityRequest struct {
	Probability *float64 `json:"probability"`
}

type personaRequest struct {
	Persona string `json:"persona"`
}

type personaTextRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"default_reply_probability": s.policy.DefaultReplyProbability(),
		"groups":                    s.policy.Snapshot(),
	})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	s.respondGroup(w, id)
}

func (s *Server) respondGroup(w http.ResponseWriter, id string) {
	respondJSON(w, http.StatusOK, policy.GroupStatus{
		GroupID:     id,
		GroupPolicy: s.policy.Policy(id),
		InCooldown:  s.policy.InCooldown(id),
	})
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	if err := s.policy.SetEnabled(id, *req.Enabled); err != nil {
		respondError(w, http.StatusInternalServerError, "persist_failed", err.Error())
		return
	}
	s.respondGroup(w, id)
}

func (s *Server) handleSetProbability(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	p, ok := decodeProbability(w, r)
	if !ok {
		return
	}
	if err := s.policy.SetReplyProbability(id, p); err != nil {
		respondPolicyError(w, err)
		return
	}
	s.respondGroup(w, id)
}

func (s *Server) handleSetDefaultProbability(w http.ResponseWriter, r *http.Request) {
	p, ok := decodeProbability(w, r)
	if !ok {
		return
	}
	if err := s.policy.SetDefaultReplyProbability(p); err != nil {
		respondPolicyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"default_reply_probability": s.policy.DefaultReplyProbability(),
	})
}

func (s *Server) handleSetPersona(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	var req personaRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	name := strings.TrimSpace(req.Persona)
	if name == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "persona is required")
		return
	}
	found, err := s.policy.SetPersona(id, name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "persist_failed", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "persona_not_found", "persona "+name+" does not exist")
		return
	}
	s.respondGroup(w, id)
}

func (s *Server) handleClearGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := groupParam(w, r)
	if !ok {
		return
	}
	if err := s.policy.ClearGroup(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "clear_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	entries, err := s.store.Read(r.Context(), scope)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	count, err := s.store.Count(r.Context(), scope)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scope":   scope.Key(),
		"count":   count,
		"entries": entries,
	})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	if err := s.store.Clear(r.Context(), scope); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	names, err := s.personas.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"personas": names})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	text, err := s.personas.Get(name)
	if err != nil {
		respondPersonaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"name": name, "text": text})
}

func (s *Server) handleAddPersona(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req personaTextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if err := s.personas.Add(name, req.Text); err != nil {
		respondPersonaError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"name": name})
}

func (s *Server) handleDeletePersona(w http.ResponseWriter, r *http.Request) {
	if err := s.personas.Delete(chi.URLParam(r, "name")); err != nil {
		respondPersonaError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReloadSettings(w http.ResponseWriter, _ *http.Request) {
	next, err := s.settings.Reload()
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.settings.Path()).Msg("settings reload rejected")
		respondError(w, http.StatusUnprocessableEntity, "invalid_settings", err.Error())
		return
	}
	s.logger.Info().Str("path", s.settings.Path()).Str("model", next.Model).Msg("settings reloaded")
	respondJSON(w, http.StatusOK, map[string]any{
		"model":                     next.Model,
		"fallback_models":           next.FallbackModels,
		"max_retries":               next.MaxRetries,
		"max_context_length":        next.MaxContextLength,
		"muted":                     next.Muted,
		"default_reply_probability": next.DefaultReplyProbability,
	})
}

func groupParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := conversation.GroupScope(id).Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_group", err.Error())
		return "", false
	}
	return id, true
}

func scopeParam(w http.ResponseWriter, r *http.Request) (conversation.Scope, bool) {
	scope := conversation.UserScope(chi.URLParam(r, "id"), r.URL.Query().Get("user_id"))
	if err := scope.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return conversation.Scope{}, false
	}
	return scope, true
}

func decodeProbability(w http.ResponseWriter, r *http.Request) (float64, bool) {
	var req probabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return 0, false
	}
	if req.Probability == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "probability is required")
		return 0, false
	}
	return *req.Probability, true
}

func respondPolicyError(w http.ResponseWriter, err error) {
	if errors.Is(err, policy.ErrInvalidProbability) {
		respondError(w, http.StatusBadRequest, "invalid_probability", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "persist_failed", err.Error())
}

func respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrInvalidScope) {
		respondError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "store_failed", err.Error())
}

func respondPersonaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persona.ErrInvalidName):
		respondError(w, http.StatusBadRequest, "invalid_persona_name", err.Error())
	case errors.Is(err, persona.ErrNotFound):
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
	case errors.Is(err, persona.ErrExists):
		respondError(w, http.StatusConflict, "persona_exists", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "persona_failed", err.Error())
	}
}
