package models

import (
	"fmt"
	"strings"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is the unit of work handed to evaluator jobs. PreviousMessages holds
// the earlier turns of the conversation in chronological order.
type Message struct {
	ID               string                 `json:"id" yaml:"id"`
	Role             string                 `json:"role" yaml:"role"`
	Content          string                 `json:"content" yaml:"content"`
	Metadata         map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	PreviousMessages []Message              `json:"previous_messages,omitempty" yaml:"previous_messages,omitempty"`
}

// Transcript renders the context turns followed by the message itself
func (m Message) Transcript() string {
	var b strings.Builder
	for _, prev := range m.PreviousMessages {
		fmt.Fprintf(&b, "%s: %s\n", roleOrDefault(prev.Role), prev.Content)
	}
	fmt.Fprintf(&b, "%s: %s", roleOrDefault(m.Role), m.Content)
	return b.String()
}

// Latest returns the content of the last turn of the given role, searching the
// message itself first and then its context backwards.
func (m Message) Latest(role string) (string, bool) {
	if m.Role == role {
		return m.Content, true
	}
	for i := len(m.PreviousMessages) - 1; i >= 0; i-- {
		if m.PreviousMessages[i].Role == role {
			return m.PreviousMessages[i].Content, true
		}
	}
	return "", false
}

func roleOrDefault(role string) string {
	if role == "" {
		return RoleUser
	}
	return role
}
