package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single conversation turn. Messages are immutable once
// appended to a session's history.
type Message struct {
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	ApproxTokens int       `json:"approx_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConversationContext is the provider-ready prompt built for one turn.
// It is derived per turn and never persisted.
type ConversationContext struct {
	SystemPreamble  string    `json:"system_preamble,omitempty"`
	Messages        []Message `json:"messages"`
	TokenBudget     int       `json:"token_budget"`
	EstimatedTokens int       `json:"estimated_tokens"`
	Dropped         int       `json:"dropped"`
}

// All returns the preamble (as a leading system message, when present)
// followed by the context messages.
func (c ConversationContext) All() []Message {
	out := make([]Message, 0, len(c.Messages)+1)
	if c.SystemPreamble != "" {
		out = append(out, Message{Role: RoleSystem, Content: c.SystemPreamble})
	}
	return append(out, c.Messages...)
}
