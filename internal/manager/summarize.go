package manager

import (
	"context"
	"time"

	"github.com/haasonsaas/chatctx/internal/contextstore"
	"github.com/haasonsaas/chatctx/internal/llm"
	"github.com/haasonsaas/chatctx/internal/tokens"
	"github.com/haasonsaas/chatctx/pkg/models"
)

// Worker outcomes reported through metrics.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
	outcomeAborted = "aborted"
)

// maybeSummarize starts a background fold if the window exceeds its token
// or turn budget and no fold is already running for this chat. Duplicate
// triggers while one is in flight are dropped, not queued: the running fold
// will cover the turns that prompted them.
func (m *Manager) maybeSummarize(ctx context.Context, cc *models.ChatContext) bool {
	if cc.ApproxTokens() <= m.cfg.TokenThreshold && cc.Len() <= m.cfg.MaxTurns {
		return false
	}
	if cc.Len() <= m.cfg.MinTail {
		return false
	}

	key := contextstore.Key(cc.UserID(), cc.ChatID())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if _, inFlight := m.pending[key]; inFlight {
		m.mu.Unlock()
		m.logger.Debug(ctx, "summarization already in flight", "user_id", cc.UserID(), "chat_id", cc.ChatID())
		return false
	}
	runCtx, cancel := context.WithCancel(m.rootCtx)
	m.pending[key] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PendingSummarizations.Inc()
	}
	go m.runFold(runCtx, key, cc)
	return true
}

// runFold executes one background fold against the record it was triggered
// with. The worker holds its own reference, so cache eviction mid-fold is
// harmless: the result is written through to persistence either way.
func (m *Manager) runFold(ctx context.Context, key string, cc *models.ChatContext) {
	start := time.Now()
	defer m.wg.Done()
	defer m.release(key)

	userID, chatID := cc.UserID(), cc.ChatID()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.observeFold(outcomeAborted, start, 0, 0)
		return
	}
	defer m.sem.Release(1)

	// The window may have been folded by the time we got a slot.
	folded, foldedTokens := cc.SelectFold(m.cfg.MinTail, tokens.EstimateTurn)
	if len(folded) == 0 {
		m.observeFold(outcomeSkipped, start, 0, 0)
		return
	}
	cursor := folded[len(folded)-1].MessageOrder

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	summary, err := m.summarizer.Summarize(callCtx, cc.Summary(), llm.RenderTurns(folded))
	if err != nil {
		m.observeFold(outcomeError, start, 0, 0)
		m.logger.Warn(ctx, "summarization failed",
			"user_id", userID, "chat_id", chatID, "folded_turns", len(folded), "error", err)
		return
	}

	// Persist before touching the live record: an evicted record
	// re-hydrates from here.
	if err := m.store.SaveSummary(ctx, userID, chatID, summary, cursor); err != nil {
		m.observeFold(outcomeError, start, 0, 0)
		m.logger.Error(ctx, "failed to persist summary",
			"user_id", userID, "chat_id", chatID, "cursor", cursor, "error", err)
		return
	}

	applied, clamped := cc.ApplyFold(summary, cursor, foldedTokens)
	if !applied {
		// Another fold advanced the cursor past ours.
		m.observeFold(outcomeSkipped, start, 0, 0)
		return
	}
	if clamped {
		if m.metrics != nil {
			m.metrics.TokenUnderflows.Inc()
		}
		m.logger.Warn(ctx, "token estimate clamped at zero after fold",
			"user_id", userID, "chat_id", chatID, "folded_tokens", foldedTokens)
	}
	cc.TrimSummarized()

	m.observeFold(outcomeSuccess, start, len(folded), foldedTokens)
	m.logger.Info(ctx, "summarized chat context",
		"user_id", userID, "chat_id", chatID,
		"folded_turns", len(folded), "folded_tokens", foldedTokens, "cursor", cursor)
}

// release clears the single-flight guard for a chat.
func (m *Manager) release(key string) {
	m.mu.Lock()
	cancel, ok := m.pending[key]
	delete(m.pending, key)
	m.mu.Unlock()
	if ok {
		cancel()
	}
	if m.metrics != nil {
		m.metrics.PendingSummarizations.Dec()
	}
}

func (m *Manager) observeFold(outcome string, start time.Time, foldedTurns, foldedTokens int) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordSummarization(outcome, time.Since(start).Seconds(), foldedTurns, foldedTokens)
}
