package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/conversation"
	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/persona"
	"github.com/ent0n29/chorus/internal/policy"
	"github.com/ent0n29/chorus/internal/protocol"
)

// EventHandler runs one inbound event through the chat pipeline.
type EventHandler interface {
	Handle(ctx context.Context, ev protocol.InboundEvent) (protocol.Effects, error)
}

// Modes describes which backends were selected at startup.
type Modes struct {
	Completion string `json:"completion"`
	Store      string `json:"store"`
	Ledger     string `json:"ledger"`
}

// Deps wires a Server.
type Deps struct {
	Config   config.Config
	Handler  EventHandler
	Policy   *policy.Store
	Personas *persona.Library
	Store    conversation.Store
	Settings *config.SettingsSource
	Metrics  *observability.Metrics
	Modes    Modes
	Logger   zerolog.Logger
}

type Server struct {
	cfg      config.Config
	handler  EventHandler
	policy   *policy.Store
	personas *persona.Library
	store    conversation.Store
	settings *config.SettingsSource
	metrics  *observability.Metrics
	modes    Modes
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	cfg := deps.Config
	return &Server{
		cfg:      cfg,
		handler:  deps.Handler,
		policy:   deps.Policy,
		personas: deps.Personas,
		store:    deps.Store,
		settings: deps.Settings,
		metrics:  deps.Metrics,
		modes:    deps.Modes,
		logger:   deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Host adapters are not browsers and usually omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/events", s.handleEvent)
	r.Get("/v1/events/ws", s.handleEventsWS)

	r.Route("/v1/groups", func(r chi.Router) {
		r.Get("/", s.handleListGroups)
		r.Get("/{id}", s.handleGetGroup)
		r.Delete("/{id}", s.handleClearGroup)
		r.Put("/{id}/enabled", s.handleSetEnabled)
		r.Put("/{id}/probability", s.handleSetProbability)
		r.Put("/{id}/persona", s.handleSetPersona)
		r.Get("/{id}/context", s.handleGetContext)
		r.Delete("/{id}/context", s.handleClearContext)
	})
	r.Put("/v1/settings/default-probability", s.handleSetDefaultProbability)
	r.Post("/v1/settings/reload", s.handleReloadSettings)

	r.Get("/v1/personas", s.handleListPersonas)
	r.Get("/v1/personas/{name}", s.handleGetPersona)
	r.Put("/v1/personas/{name}", s.handleAddPersona)
	r.Delete("/v1/personas/{name}", s.handleDeletePersona)

	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"modes":  s.modes,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"modes":  s.modes,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev protocol.InboundEvent
	if err := decodeJSON(r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	effects, err := s.handler.Handle(r.Context(), ev)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidEvent) {
			respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "handle_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, effects)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.handler == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event handler not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.InboundEvent, 64)
	outbound := make(chan any, 64)

	// Events from one connection are handled one at a time, in order.
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for ev := range inbound {
			effects, err := s.handler.Handle(ctx, ev)
			var msg any = protocol.EffectsFrame{Type: protocol.TypeEffects, Effects: effects}
			if err != nil {
				msg = protocol.ErrorEvent{
					Type:    protocol.TypeErrorEvent,
					EventID: ev.DedupID(),
					Code:    "handle_failed",
					Source:  "chat",
					Detail:  err.Error(),
				}
			}
			select {
			case <-ctx.Done():
				return
			case outbound <- msg:
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.WSMessages.WithLabelValues("outbound", "drop_full").Inc()
			}
			continue
		}

		frame, ok := parsed.(protocol.InboundFrame)
		if !ok {
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(frame.Type)).Inc()
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- frame.Event:
		}
	}

	close(inbound)
	<-workerDone
	cancel()
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.InboundFrame:
		return m.Type, true
	case protocol.EffectsFrame:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
