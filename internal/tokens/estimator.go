// Package tokens provides cheap token estimation for budget decisions.
// The heuristic runs on every turn, so it never calls a model: ~4 characters
// per token plus a fixed per-message protocol overhead.
package tokens

import "github.com/haasonsaas/chatctx/pkg/models"

const (
	// CharsPerToken is the approximate character-to-token ratio.
	CharsPerToken = 4

	// MessageOverhead models the per-message protocol framing cost.
	MessageOverhead = 12
)

// Estimate returns an approximate token count for text. Deterministic,
// O(len), always >= 1.
func Estimate(text string) int {
	n := (len(text)+CharsPerToken-1)/CharsPerToken + MessageOverhead
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateTurn returns the token count for a turn. An exact count from the
// model's usage metadata takes precedence when present; the estimate covers
// the rest.
func EstimateTurn(t *models.Turn) int {
	if t == nil {
		return 0
	}
	if t.Tokens > 0 {
		return t.Tokens
	}
	return Estimate(t.Content)
}

// EstimateTurns sums EstimateTurn over all turns.
func EstimateTurns(turns []*models.Turn) int {
	total := 0
	for _, t := range turns {
		total += EstimateTurn(t)
	}
	return total
}
