package reply

import (
	"context"
	"strings"
)

// Member is a group member as reported by the host.
type Member struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
}

// RosterResolver resolves names against a member list shipped with the
// event. A name matches a member's card or nickname exactly.
type RosterResolver struct {
	groupID string
	members []Member
}

func NewRosterResolver(groupID string, members []Member) *RosterResolver {
	return &RosterResolver{groupID: groupID, members: members}
}

func (r *RosterResolver) Resolve(_ context.Context, name, groupID string) (string, bool, error) {
	if groupID != r.groupID {
		return "", false, nil
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, nil
	}
	for _, m := range r.members {
		if (m.Card != "" && m.Card == name) || (m.Nickname != "" && m.Nickname == name) {
			return m.UserID, true, nil
		}
	}
	return "", false, nil
}

// DisplayName is the card when set, otherwise the nickname.
func (m Member) DisplayName() string {
	if m.Card != "" {
		return m.Card
	}
	return m.Nickname
}
