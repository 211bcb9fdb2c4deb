// Package chat runs one inbound group event through observation, trigger
// decision, prompt assembly, completion and reply post-processing.
package chat

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/completion"
	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/conversation"
	"github.com/ent0n29/chorus/internal/observability"
	"github.com/ent0n29/chorus/internal/prompt"
	"github.com/ent0n29/chorus/internal/protocol"
	"github.com/ent0n29/chorus/internal/reply"
	"github.com/ent0n29/chorus/internal/trigger"
)

// Effects is what the host should do for one event.
type Effects = protocol.Effects

// Skip and outcome reasons reported in Effects.Reason.
const (
	ReasonNotGroup   = "not_group"
	ReasonSelf       = "self"
	ReasonMuted      = "muted"
	ReasonDisabled   = "disabled"
	ReasonError      = "error"
	ReasonEmptyReply = "empty_reply"
	ReasonReplied    = "replied"
)

type SettingsProvider interface {
	Current() config.Settings
}

// Policy is the slice of the policy store the handler needs.
type Policy interface {
	IsEnabled(group string) bool
	Persona(group string) string
	RecordReply(group string)
}

type Evaluator interface {
	Evaluate(ctx context.Context, msg trigger.Message, settings config.Settings) (trigger.Decision, error)
}

type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Observer receives pipeline metrics. *observability.Metrics satisfies it.
type Observer interface {
	ObserveEvent(outcome string)
	ObserveTrigger(reason string)
	ObserveStage(stage string, d time.Duration)
	ObserveReplyLatency(d time.Duration)
}

// Deps wires a Handler.
type Deps struct {
	Settings  SettingsProvider
	SelfID    string
	Policy    Policy
	Trigger   Evaluator
	Store     conversation.Store
	Prompts   *prompt.Builder
	Completer completion.Completer
	Images    ImageFetcher
	// Resolver overrides the roster shipped with each event.
	Resolver reply.Resolver
	Observer Observer
	Logger   zerolog.Logger
}

type Handler struct {
	deps Deps
	rand func() float64
	now  func() time.Time
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, rand: rand.Float64, now: time.Now}
}

// Handle processes one event. Failures after validation are logged and
// degrade to an effects value without a reply; only invalid events error.
func (h *Handler) Handle(ctx context.Context, ev protocol.InboundEvent) (Effects, error) {
	if err := ev.Validate(); err != nil {
		return Effects{}, err
	}
	start := h.now()
	s := h.deps.Settings.Current()

	eventID := ev.DedupID()
	if eventID == "" {
		eventID = uuid.NewString()
	}
	out := Effects{EventID: eventID}
	logger := h.deps.Logger.With().Str("event_id", eventID).Str("group_id", ev.GroupID).Logger()

	if reason := h.skipReason(ev, s); reason != "" {
		out.Reason = reason
		h.observeEvent(reason)
		return out, nil
	}

	text := protocol.Normalize(ev)
	msg := trigger.Message{
		ID:         eventID,
		GroupID:    ev.GroupID,
		UserID:     ev.Sender.UserID,
		SenderName: ev.Sender.DisplayName(),
		Text:       text,
	}
	if ev.Quote != nil {
		msg.Quoted = ev.Quote.Text
		msg.QuotedSender = ev.Quote.Sender
	}

	stageStart := h.now()
	decision, err := h.deps.Trigger.Evaluate(ctx, msg, s)
	h.observeStage(observability.StageObserve, stageStart)
	if err != nil {
		logger.Error().Err(err).Msg("observe message failed")
		out.Reason = ReasonError
		h.observeEvent(ReasonError)
		return out, nil
	}
	h.observeTrigger(decision.Reason)
	if !decision.ShouldReply() {
		out.Reason = decision.Reason
		h.observeEvent(decision.Reason)
		return out, nil
	}

	image := h.fetchImage(ctx, ev, logger)

	stageStart = h.now()
	promptText, err := h.deps.Prompts.Build(ctx, ev.GroupID, h.deps.Policy.Persona(ev.GroupID), text)
	h.observeStage(observability.StagePrompt, stageStart)
	if err != nil {
		logger.Error().Err(err).Msg("build prompt failed")
		out.Reason = ReasonError
		h.observeEvent(ReasonError)
		return out, nil
	}

	stageStart = h.now()
	res := h.deps.Completer.Complete(ctx, completion.Request{
		Prompt: promptText,
		Image:  image,
		Policy: completion.RetryPolicy{
			Model:          s.Model,
			FallbackModels: s.FallbackModels,
			MaxRetries:     s.MaxRetries,
			RetryDelay:     s.RetryDelay,
		},
	})
	h.observeStage(observability.StageCompletion, stageStart)
	out.Model = res.Model
	out.Fallback = res.Fallback

	stageStart = h.now()
	cleaned := reply.Clean(res.Text)
	h.recordAssistantReply(ctx, ev, cleaned, s, logger)

	resolver := h.deps.Resolver
	if resolver == nil {
		resolver = reply.NewRosterResolver(ev.GroupID, ev.Members)
	}
	out.Parts = reply.Process(ctx, cleaned, ev.GroupID, resolver)
	h.observeStage(observability.StagePostprocess, stageStart)

	if len(out.Parts) == 0 {
		out.Reason = ReasonEmptyReply
		h.observeEvent(ReasonEmptyReply)
		return out, nil
	}

	out.Reply = true
	out.Reason = ReasonReplied
	out.ReplyIntervalMs = s.ReplyInterval.Milliseconds()
	h.decorate(&out, ev, s, logger)
	h.deps.Policy.RecordReply(ev.GroupID)

	h.observeStage(observability.StageTotal, start)
	if h.deps.Observer != nil {
		h.deps.Observer.ObserveReplyLatency(h.now().Sub(start))
	}
	h.observeEvent(ReasonReplied)
	logger.Info().Str("model", res.Model).Int("attempts", res.Attempts).Int("parts", len(out.Parts)).Str("trigger", decision.Reason).Msg("reply produced")
	return out, nil
}

func (h *Handler) skipReason(ev protocol.InboundEvent, s config.Settings) string {
	switch {
	case !ev.IsGroup():
		return ReasonNotGroup
	case h.isSelf(ev):
		return ReasonSelf
	case s.Muted:
		return ReasonMuted
	case !h.deps.Policy.IsEnabled(ev.GroupID):
		return ReasonDisabled
	}
	return ""
}

func (h *Handler) isSelf(ev protocol.InboundEvent) bool {
	sender := ev.Sender.UserID
	if ev.SelfID != "" && ev.SelfID == sender {
		return true
	}
	return h.deps.SelfID != "" && h.deps.SelfID == sender
}

func (h *Handler) fetchImage(ctx context.Context, ev protocol.InboundEvent, logger zerolog.Logger) []byte {
	if h.deps.Images == nil {
		return nil
	}
	urls := protocol.ImageURLs(ev)
	if len(urls) == 0 {
		return nil
	}
	img, err := h.deps.Images.Fetch(ctx, urls[0])
	if err != nil {
		logger.Warn().Err(err).Str("url", urls[0]).Msg("image fetch failed, continuing without image")
		return nil
	}
	return img
}

// recordAssistantReply appends the cleaned reply to the group and the
// sender's log.
func (h *Handler) recordAssistantReply(ctx context.Context, ev protocol.InboundEvent, cleaned string, s config.Settings, logger zerolog.Logger) {
	if isBlank(cleaned) {
		return
	}
	opts := conversation.AppendOptions{
		FromAssistant:    true,
		AssistantName:    s.AIName,
		MaxContextLength: s.MaxContextLength,
		TrimOnRotate:     s.TrimOnRotate,
	}
	for _, scope := range []conversation.Scope{
		conversation.GroupScope(ev.GroupID),
		conversation.UserScope(ev.GroupID, ev.Sender.UserID),
	} {
		if _, err := h.deps.Store.Append(ctx, scope, cleaned, opts); err != nil {
			logger.Error().Err(err).Str("scope", scope.Key()).Msg("record assistant reply failed")
		}
	}
}

func (h *Handler) observeEvent(outcome string) {
	if h.deps.Observer != nil {
		h.deps.Observer.ObserveEvent(outcome)
	}
}

func (h *Handler) observeTrigger(reason string) {
	if h.deps.Observer != nil {
		h.deps.Observer.ObserveTrigger(reason)
	}
}

func (h *Handler) observeStage(stage string, since time.Time) {
	if h.deps.Observer != nil {
		h.deps.Observer.ObserveStage(stage, h.now().Sub(since))
	}
}
