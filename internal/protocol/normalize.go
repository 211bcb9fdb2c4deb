package protocol

import (
	"strings"

	"github.com/ent0n29/chorus/internal/reply"
)

// Normalize renders an event as "<display name>(<user id>): <content>".
func Normalize(e InboundEvent) string {
	return e.Sender.DisplayName() + "(" + e.Sender.UserID + "): " + RenderContent(e.Message, e.Members)
}

// RenderContent flattens message segments into text. Mentions resolve
// against members.
func RenderContent(segments []Segment, members []reply.Member) string {
	var sb strings.Builder
	for _, seg := range segments {
		switch seg.Type {
		case "text":
			sb.WriteString(seg.Text)
		case "image":
			sb.WriteString("[image]")
		case "face":
			sb.WriteString("[face:" + seg.ID + "]")
		case "at":
			sb.WriteString("[@" + mentionName(seg.UserID, members) + "]")
		case "file":
			sb.WriteString("[file:" + seg.Name + "]")
		case "video":
			sb.WriteString("[video]")
		default:
			sb.WriteString("[" + seg.Type + "]")
		}
	}
	return strings.TrimSpace(sb.String())
}

func mentionName(userID string, members []reply.Member) string {
	if userID != "" {
		for _, m := range members {
			if m.UserID == userID && m.DisplayName() != "" {
				return m.DisplayName()
			}
		}
	}
	return "unknown"
}

// ImageURLs lists image URLs from the quoted message first, then from the
// event itself.
func ImageURLs(e InboundEvent) []string {
	var urls []string
	if e.Quote != nil {
		for _, u := range e.Quote.ImageURLs {
			if strings.TrimSpace(u) != "" {
				urls = append(urls, u)
			}
		}
	}
	for _, seg := range e.Message {
		if seg.Type == "image" && strings.TrimSpace(seg.URL) != "" {
			urls = append(urls, seg.URL)
		}
	}
	return urls
}
