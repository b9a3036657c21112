package models

import "time"

// Role indicates the turn author type.
type Role string

const (
	RoleHuman       Role = "human"
	RoleAI          Role = "ai"
	RolePlaceholder Role = "placeholder"
)

// Turn is one message in a chat's history. MessageOrder is the durable
// ordering key shared with persisted storage; it is strictly increasing per
// chat and is assigned by the persistence layer, or by the context manager
// when the caller left it zero.
type Turn struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ChatID       string    `json:"chat_id"`
	Role         Role      `json:"role"`
	Content      string    `json:"content"`
	Tokens       int       `json:"tokens,omitempty"` // exact count from usage metadata, 0 if unknown
	MessageOrder int64     `json:"message_order"`
	CreatedAt    time.Time `json:"created_at"`
}

// Usage is the token accounting returned by a model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CloneTurn returns a copy of the turn.
func CloneTurn(t *Turn) *Turn {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// CloneTurns returns a copy of the slice with each turn cloned.
func CloneTurns(turns []*Turn) []*Turn {
	if turns == nil {
		return nil
	}
	out := make([]*Turn, len(turns))
	for i, t := range turns {
		out[i] = CloneTurn(t)
	}
	return out
}
