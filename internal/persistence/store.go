// Package persistence is the durable side of the chat context pipeline.
// The context manager only talks to the Store interface; everything durable
// (messages, rolling summary, fold cursor) lives behind it, so cache
// eviction can never lose state that matters.
package persistence

import (
	"context"
	"errors"

	"github.com/haasonsaas/chatctx/pkg/models"
)

// ErrChatNotFound reports that no chat room exists for the given identity.
var ErrChatNotFound = errors.New("chat not found")

// SummaryState is the durable rolling-summary state of a chat.
type SummaryState struct {
	// Summary is the current rolling summary text, empty if nothing has
	// been folded yet.
	Summary string

	// LastSummaryIndex is the highest MessageOrder covered by Summary.
	LastSummaryIndex int64
}

// Store is the interface for chat persistence.
type Store interface {
	// LoadRecentTurns returns up to limit of the most recent turns for a
	// chat, ordered ascending by MessageOrder. limit <= 0 means all.
	LoadRecentTurns(ctx context.Context, userID, chatID string, limit int) ([]*models.Turn, error)

	// LoadSummary returns the stored summary and fold cursor.
	// Returns ErrChatNotFound when the chat room does not exist.
	LoadSummary(ctx context.Context, userID, chatID string) (SummaryState, error)

	// SaveSummary persists a completed fold: the new summary text and the
	// advanced cursor.
	SaveSummary(ctx context.Context, userID, chatID, summary string, lastSummaryIndex int64) error

	// EnsureChatRoom creates the chat room if it does not exist.
	// Idempotent; reports whether a room was created.
	EnsureChatRoom(ctx context.Context, userID, chatID, model, title string) (bool, error)

	// AppendTurns durably appends a batch of finalized turns. The batch is
	// atomic: either every turn lands or none do. Turns with a zero
	// MessageOrder are assigned the next order in their chat's sequence.
	AppendTurns(ctx context.Context, turns []*models.Turn) error

	// DeleteChat removes the chat room and its turns.
	DeleteChat(ctx context.Context, userID, chatID string) error

	// Close releases backend resources.
	Close() error
}
