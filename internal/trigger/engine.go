// Package trigger decides, per inbound group message, whether the assistant
// should answer.
package trigger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chorus/internal/config"
	"github.com/ent0n29/chorus/internal/conversation"
)

const (
	ReasonDuplicate   = "duplicate"
	ReasonKeyword     = "keyword"
	ReasonProbability = "probability"
	ReasonCooldown    = "cooldown"
	ReasonNone        = "none"
)

// Message is a normalized group message.
type Message struct {
	ID      string
	GroupID string
	UserID  string
	// SenderName is the display name used in Text; it is removed before
	// keyword matching so a sender named after the assistant does not
	// trigger it.
	SenderName   string
	Text         string
	Quoted       string
	QuotedSender string
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Duplicate  bool
	Triggered  bool
	Suppressed bool
	Reason     string
}

// ShouldReply reports whether a completion should be requested.
func (d Decision) ShouldReply() bool {
	return d.Triggered && !d.Suppressed && !d.Duplicate
}

// Policy is the slice of the policy store the engine reads.
type Policy interface {
	ReplyProbability(group string) float64
	InCooldown(group string) bool
}

// Ledger remembers processed message ids.
type Ledger interface {
	// MarkIfNew records id and reports whether it was unseen.
	MarkIfNew(ctx context.Context, id string) (bool, error)
}

type Engine struct {
	ledger Ledger
	store  conversation.Store
	policy Policy
	logger zerolog.Logger
	rand   func() float64
}

func NewEngine(ledger Ledger, store conversation.Store, policy Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		ledger: ledger,
		store:  store,
		policy: policy,
		logger: logger,
		rand:   rand.Float64,
	}
}

// WithRand replaces the random source. Used by tests.
func (e *Engine) WithRand(fn func() float64) *Engine {
	e.rand = fn
	return e
}

// Evaluate records the message and decides whether to reply. The group
// log is always updated, the user log only when a reply will be produced.
func (e *Engine) Evaluate(ctx context.Context, msg Message, settings config.Settings) (Decision, error) {
	fresh, err := e.ledger.MarkIfNew(ctx, msg.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("check processed message: %w", err)
	}
	if !fresh {
		return Decision{Duplicate: true, Reason: ReasonDuplicate}, nil
	}

	opts := conversation.AppendOptions{
		Quoted:           msg.Quoted,
		QuotedSender:     msg.QuotedSender,
		MaxContextLength: settings.MaxContextLength,
		TrimOnRotate:     settings.TrimOnRotate,
	}
	if _, err := e.store.Append(ctx, conversation.GroupScope(msg.GroupID), msg.Text, opts); err != nil {
		return Decision{}, fmt.Errorf("record group message: %w", err)
	}

	var d Decision
	switch {
	case ContainsKeyword(msg.Text, msg.SenderName, settings.Keywords):
		d = Decision{Triggered: true, Reason: ReasonKeyword}
	case e.rand() < e.policy.ReplyProbability(msg.GroupID):
		d = Decision{Triggered: true, Reason: ReasonProbability}
	default:
		return Decision{Reason: ReasonNone}, nil
	}

	if e.policy.InCooldown(msg.GroupID) {
		d.Suppressed = true
		d.Reason = ReasonCooldown
		return d, nil
	}

	if _, err := e.store.Append(ctx, conversation.UserScope(msg.GroupID, msg.UserID), msg.Text, opts); err != nil {
		return Decision{}, fmt.Errorf("record user message: %w", err)
	}
	e.logger.Debug().Str("group_id", msg.GroupID).Str("user_id", msg.UserID).Str("reason", d.Reason).Msg("reply triggered")
	return d, nil
}

// ContainsKeyword matches keywords case-insensitively after removing the
// first occurrence of the sender's display name.
func ContainsKeyword(text, senderName string, keywords []string) bool {
	if senderName != "" {
		text = strings.Replace(text, senderName, "", 1)
	}
	text = strings.ToLower(strings.TrimSpace(text))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
