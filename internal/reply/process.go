// Package reply turns a raw completion into dispatchable message parts.
package reply

import (
	"context"
	"regexp"
	"strings"
)

const partSeparator = "[SEP]"

var (
	assistantPrefix = regexp.MustCompile(`^.*\(AI\):\s*`)
	thinkingBlock   = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
	codeFence       = regexp.MustCompile("(?s)```.*?```")
	mentionToken    = regexp.MustCompile(`\[@[^\]]+\]`)
)

type SegmentKind string

const (
	SegmentText    SegmentKind = "text"
	SegmentMention SegmentKind = "mention"
)

// Segment is either a run of text or a mention of a resolved user.
type Segment struct {
	Kind   SegmentKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	UserID string      `json:"user_id,omitempty"`
}

func Text(s string) Segment { return Segment{Kind: SegmentText, Text: s} }

func Mention(userID string) Segment { return Segment{Kind: SegmentMention, UserID: userID} }

// Part is one outgoing message.
type Part []Segment

// Resolver maps a display name to a member id within a group. An error is
// treated the same as not found.
type Resolver interface {
	Resolve(ctx context.Context, name, groupID string) (id string, ok bool, err error)
}

// Clean strips the echoed speaker prefix on the first line, thinking
// blocks and fenced code.
func Clean(raw string) string {
	out := assistantPrefix.ReplaceAllString(raw, "")
	out = thinkingBlock.ReplaceAllString(out, "")
	out = codeFence.ReplaceAllString(out, "")
	return out
}

// Process splits cleaned text into parts on [SEP] and resolves [@name]
// mentions. Empty parts are dropped.
func Process(ctx context.Context, cleaned, groupID string, resolver Resolver) []Part {
	var parts []Part
	for _, raw := range strings.Split(cleaned, partSeparator) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		part := processPart(ctx, raw, groupID, resolver)
		if len(part) > 0 {
			parts = append(parts, part)
		}
	}
	return parts
}

func processPart(ctx context.Context, raw, groupID string, resolver Resolver) Part {
	var part Part
	last := 0
	for _, loc := range mentionToken.FindAllStringIndex(raw, -1) {
		part = appendText(part, raw[last:loc[0]])
		name := raw[loc[0]+2 : loc[1]-1]
		part = append(part, resolveMention(ctx, name, groupID, resolver))
		last = loc[1]
	}
	return appendText(part, raw[last:])
}

func appendText(part Part, s string) Part {
	s = strings.TrimSpace(s)
	if s == "" {
		return part
	}
	return append(part, Text(s))
}

func resolveMention(ctx context.Context, name, groupID string, resolver Resolver) Segment {
	if resolver != nil {
		if id, ok, err := resolver.Resolve(ctx, name, groupID); err == nil && ok && id != "" {
			return Mention(id)
		}
	}
	return Text("@" + name + " ")
}

// PlainText renders a part for logs and transcripts.
func (p Part) PlainText() string {
	var sb strings.Builder
	for _, seg := range p {
		switch seg.Kind {
		case SegmentMention:
			sb.WriteString("@" + seg.UserID + " ")
		default:
			sb.WriteString(seg.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}
