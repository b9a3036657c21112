package models

import "sync"

// ChatContext is the live, cached conversation state for one (user, chat)
// pair: the un-summarized recent turns, a running token estimate, and the
// rolling summary with its cursor.
//
// Invariants maintained by the methods below:
//   - messages is sorted ascending by MessageOrder with no duplicates
//   - lastSummaryIndex never decreases
//   - approxTokens counts only turns with MessageOrder > lastSummaryIndex,
//     and never goes below zero
//
// All mutation goes through these methods; an ordinary append and a
// background fold for the same chat may interleave because appends only
// touch the tail and folds only touch turns older than the reserved tail.
type ChatContext struct {
	userID string
	chatID string

	mu               sync.Mutex
	messages         []*Turn
	approxTokens     int
	summary          string
	lastSummaryIndex int64
}

// NewChatContext creates an empty context record for a chat with no history.
func NewChatContext(userID, chatID string) *ChatContext {
	return &ChatContext{userID: userID, chatID: chatID}
}

// NewHydratedChatContext creates a context record seeded from persisted
// state. Turns at or below the cursor are dropped immediately and the token
// count covers only the retained window.
func NewHydratedChatContext(userID, chatID string, turns []*Turn, summary string, cursor int64, estimate func(*Turn) int) *ChatContext {
	cc := &ChatContext{
		userID:           userID,
		chatID:           chatID,
		summary:          summary,
		lastSummaryIndex: cursor,
	}
	for _, t := range turns {
		if t == nil || t.MessageOrder <= cursor {
			continue
		}
		cc.messages = append(cc.messages, t)
		cc.approxTokens += estimate(t)
	}
	return cc
}

// UserID returns the owning user. Immutable.
func (c *ChatContext) UserID() string { return c.userID }

// ChatID returns the chat identity. Immutable.
func (c *ChatContext) ChatID() string { return c.chatID }

// Append adds turns to the tail of the context and increments the running
// token estimate by tokens. Turns with a zero MessageOrder are assigned the
// next order in sequence.
func (c *ChatContext) Append(tokens int, turns ...*Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.nextOrderLocked()
	for _, t := range turns {
		if t == nil {
			continue
		}
		if t.MessageOrder == 0 {
			t.MessageOrder = next
		}
		next = t.MessageOrder + 1
		c.messages = append(c.messages, t)
	}
	c.approxTokens += tokens
}

// nextOrderLocked returns the order for the next appended turn. The cursor
// is the floor so re-created records continue the durable sequence.
func (c *ChatContext) nextOrderLocked() int64 {
	next := c.lastSummaryIndex + 1
	if n := len(c.messages); n > 0 {
		if last := c.messages[n-1].MessageOrder; last >= next {
			next = last + 1
		}
	}
	return next
}

// NextOrder returns the MessageOrder the next appended turn would receive.
func (c *ChatContext) NextOrder() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextOrderLocked()
}

// TrimSummarized removes turns already covered by the summary (MessageOrder
// at or below the cursor) from the front of the window and reports how many
// were dropped. The token counter is untouched: it was already decremented
// when the cursor advanced.
func (c *ChatContext) TrimSummarized() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := 0
	for i < len(c.messages) && c.messages[i].MessageOrder <= c.lastSummaryIndex {
		i++
	}
	if i == 0 {
		return 0
	}
	c.messages = append([]*Turn(nil), c.messages[i:]...)
	return i
}

// Window returns a copy of the current un-summarized turns.
func (c *ChatContext) Window() []*Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CloneTurns(c.messages)
}

// Len returns the number of turns currently held in the window.
func (c *ChatContext) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// ApproxTokens returns the running token estimate for the window.
func (c *ChatContext) ApproxTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approxTokens
}

// Summary returns the current rolling summary, empty if nothing has been
// folded yet.
func (c *ChatContext) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// LastSummaryIndex returns the fold cursor: the highest MessageOrder covered
// by the summary.
func (c *ChatContext) LastSummaryIndex() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSummaryIndex
}

// PromptView returns the summary and window as one consistent snapshot for
// prompt assembly.
func (c *ChatContext) PromptView() (summary string, turns []*Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary, CloneTurns(c.messages)
}

// SelectFold picks the prefix of the window to compact, leaving at least
// minTail of the most recent turns un-summarized. It returns cloned turns
// and their summed token estimates; nil when the window is not deep enough
// to fold anything.
func (c *ChatContext) SelectFold(minTail int, estimate func(*Turn) int) (folded []*Turn, foldedTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if minTail < 0 {
		minTail = 0
	}
	n := len(c.messages) - minTail
	if n <= 0 {
		return nil, 0
	}
	for _, t := range c.messages[:n] {
		folded = append(folded, CloneTurn(t))
		foldedTokens += estimate(t)
	}
	return folded, foldedTokens
}

// ApplyFold installs a completed fold: the new summary text, the advanced
// cursor, and the token decrement for the folded turns. The cursor is
// monotonic; a stale fold (cursor at or below the current one) is ignored.
// Returns true if the token decrement had to be clamped at zero.
func (c *ChatContext) ApplyFold(summary string, cursor int64, foldedTokens int) (applied, clamped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cursor <= c.lastSummaryIndex {
		return false, false
	}
	c.summary = summary
	c.lastSummaryIndex = cursor
	c.approxTokens -= foldedTokens
	if c.approxTokens < 0 {
		c.approxTokens = 0
		clamped = true
	}
	return true, clamped
}
