package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/chorus/internal/reply"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeInboundEvent MessageType = "inbound_event"
	TypeEffects      MessageType = "effects"
	TypeErrorEvent   MessageType = "error_event"
)

const MessageTypeGroup = "group"

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidEvent    = errors.New("invalid inbound event")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Segment is one element of a chat message as delivered by the host.
type Segment struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Quote is the message being replied to, if any.
type Quote struct {
	Text      string   `json:"text"`
	Sender    string   `json:"sender"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// InboundEvent is a chat event forwarded by the host adapter.
type InboundEvent struct {
	MessageID   string         `json:"message_id"`
	Time        int64          `json:"time,omitempty"`
	MessageType string         `json:"message_type"`
	GroupID     string         `json:"group_id"`
	SelfID      string         `json:"self_id,omitempty"`
	Sender      reply.Member   `json:"sender"`
	Message     []Segment      `json:"message"`
	Quote       *Quote         `json:"quote,omitempty"`
	Members     []reply.Member `json:"members,omitempty"`
}

// InboundFrame wraps an event on the websocket.
type InboundFrame struct {
	Type  MessageType  `json:"type"`
	Event InboundEvent `json:"event"`
}

// ImageEffect asks the host to send a local image file.
type ImageEffect struct {
	Path string `json:"path"`
}

// PokeEffect asks the host to poke a member.
type PokeEffect struct {
	UserID string `json:"user_id"`
}

// Effects is everything the host should do in response to one event.
// Parts are sent in order, ReplyIntervalMs apart.
type Effects struct {
	EventID         string       `json:"event_id"`
	Reply           bool         `json:"reply"`
	Reason          string       `json:"reason"`
	Parts           []reply.Part `json:"parts,omitempty"`
	ReplyIntervalMs int64        `json:"reply_interval_ms,omitempty"`
	Image           *ImageEffect `json:"image,omitempty"`
	Poke            *PokeEffect  `json:"poke,omitempty"`
	Model           string       `json:"model,omitempty"`
	Fallback        bool         `json:"fallback,omitempty"`
}

type EffectsFrame struct {
	Type    MessageType `json:"type"`
	Effects Effects     `json:"effects"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	EventID   string      `json:"event_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInboundEvent:
		var msg InboundFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := msg.Event.Validate(); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// Validate checks the fields every event needs, whatever its type.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.MessageType) == "" {
		return fmt.Errorf("%w: message_type is required", ErrInvalidEvent)
	}
	if e.MessageType == MessageTypeGroup {
		if strings.TrimSpace(e.GroupID) == "" {
			return fmt.Errorf("%w: group_id is required", ErrInvalidEvent)
		}
		if strings.TrimSpace(e.Sender.UserID) == "" {
			return fmt.Errorf("%w: sender.user_id is required", ErrInvalidEvent)
		}
	}
	return nil
}

func (e InboundEvent) IsGroup() bool { return e.MessageType == MessageTypeGroup }

// DedupID identifies the message for replay detection: the message id, or
// the group-qualified event time when the host has none. Time-based ids
// never collide across groups.
func (e InboundEvent) DedupID() string {
	if id := strings.TrimSpace(e.MessageID); id != "" {
		return id
	}
	if e.Time != 0 {
		return fmt.Sprintf("%s:t%d", strings.TrimSpace(e.GroupID), e.Time)
	}
	return ""
}
