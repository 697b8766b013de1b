package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Role tags a message sent to the provider.
type Role int

const (
	// RoleSystem carries the instruction block.
	RoleSystem Role = iota + 1
	// RoleUser carries a user turn.
	RoleUser
)

// ErrUnknownRole is returned by ParseRole for anything but system/user.
var ErrUnknownRole = eris.New("model: unknown message role")

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	default:
		return "unknown"
	}
}

// ParseRole maps a configured role name to a Role. "human" is accepted as an
// alias of "user".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return RoleSystem, nil
	case "user", "human":
		return RoleUser, nil
	default:
		return 0, eris.Wrapf(ErrUnknownRole, "role %q", s)
	}
}

// Message is a single role-tagged text payload.
type Message struct {
	Role Role
	Text string
}

// SystemMessage builds a system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// UserMessage builds a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// SplitMessages separates the system instruction from the user turns.
// Multiple system messages are joined with a blank line.
func SplitMessages(msgs []Message) (system string, user []string) {
	var sys []string
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			sys = append(sys, m.Text)
		case RoleUser:
			user = append(user, m.Text)
		}
	}
	return strings.Join(sys, "\n\n"), user
}
