// Package manager is the front door of the chat context pipeline. It owns
// the cached context records, hydrates them from persistence on a miss, and
// triggers background summarization when a chat's window grows past its
// token or turn budget.
package manager

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/chatctx/internal/config"
	"github.com/haasonsaas/chatctx/internal/contextstore"
	"github.com/haasonsaas/chatctx/internal/llm"
	"github.com/haasonsaas/chatctx/internal/observability"
	"github.com/haasonsaas/chatctx/internal/persistence"
	"github.com/haasonsaas/chatctx/internal/tokens"
	"github.com/haasonsaas/chatctx/pkg/models"
)

// Options configures a Manager. Cache, Store, and Summarizer are required;
// zero-valued Config fields get working defaults.
type Options struct {
	Cache      *contextstore.Store
	Store      persistence.Store
	Summarizer llm.Summarizer
	Config     config.SummarizerConfig
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// Stats is a snapshot of the manager's runtime state.
type Stats struct {
	// Entries is the number of context records currently cached.
	Entries int

	// Capacity is the cache's configured maximum entry count.
	Capacity int

	// PendingSummarizations is the number of in-flight background folds.
	PendingSummarizations int
}

// Manager coordinates the context cache, the persistence store, and the
// background summarization workers. Safe for concurrent use.
type Manager struct {
	cache      *contextstore.Store
	store      persistence.Store
	summarizer llm.Summarizer
	cfg        config.SummarizerConfig
	logger     *observability.Logger
	metrics    *observability.Metrics

	// rootCtx parents every worker; Close cancels it to abort stragglers.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]context.CancelFunc
	closed  bool
}

// New creates a Manager. It panics if Cache, Store, or Summarizer is nil;
// these are wiring errors, not runtime conditions.
func New(opts Options) *Manager {
	if opts.Cache == nil {
		panic("manager: Cache is required")
	}
	if opts.Store == nil {
		panic("manager: Store is required")
	}
	if opts.Summarizer == nil {
		panic("manager: Summarizer is required")
	}
	cfg := opts.Config
	defaults := config.Default().Summarizer
	if cfg.TokenThreshold <= 0 {
		cfg.TokenThreshold = defaults.TokenThreshold
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaults.MaxTurns
	}
	if cfg.MinTail < 0 {
		cfg.MinTail = 0
	}
	if cfg.MinTail == 0 {
		cfg.MinTail = defaults.MinTail
	}
	if cfg.HydrateTurns <= 0 {
		cfg.HydrateTurns = defaults.HydrateTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Manager{
		cache:      opts.Cache,
		store:      opts.Store,
		summarizer: opts.Summarizer,
		cfg:        cfg,
		logger:     logger,
		metrics:    opts.Metrics,
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pending:    make(map[string]context.CancelFunc),
	}
}

// GetOrCreate returns the live context record for a chat, hydrating from
// persistence on a cache miss. A brand-new chat gets its durable room
// created and an empty record. If hydration fails the call degrades to an
// empty record rather than surfacing the error: the chat stays usable and
// the durable history is still there for the next attempt.
func (m *Manager) GetOrCreate(ctx context.Context, userID, chatID string) (*models.ChatContext, error) {
	if cc, ok := m.cache.Get(userID, chatID); ok {
		if m.metrics != nil {
			m.metrics.CacheHit()
		}
		cc.TrimSummarized()
		// Re-insert so a hit refreshes the TTL, not just LRU recency.
		m.cache.Set(cc)
		return cc, nil
	}
	if m.metrics != nil {
		m.metrics.CacheMiss()
	}

	cc := m.hydrate(ctx, userID, chatID)
	m.cache.Set(cc)
	m.observeCacheSize()
	return cc, nil
}

// hydrate rebuilds a context record from persisted state.
func (m *Manager) hydrate(ctx context.Context, userID, chatID string) *models.ChatContext {
	state, err := m.store.LoadSummary(ctx, userID, chatID)
	if errors.Is(err, persistence.ErrChatNotFound) {
		created, err := m.store.EnsureChatRoom(ctx, userID, chatID, "", "")
		if err != nil {
			m.degraded(ctx, userID, chatID, "ensure chat room", err)
		} else if created {
			m.logger.Debug(ctx, "created chat room", "user_id", userID, "chat_id", chatID)
		}
		return models.NewChatContext(userID, chatID)
	}
	if err != nil {
		m.degraded(ctx, userID, chatID, "load summary", err)
		return models.NewChatContext(userID, chatID)
	}

	turns, err := m.store.LoadRecentTurns(ctx, userID, chatID, m.cfg.HydrateTurns)
	if err != nil {
		// The summary survived, so keep it; only the window degrades.
		m.degraded(ctx, userID, chatID, "load recent turns", err)
		turns = nil
	}
	return models.NewHydratedChatContext(userID, chatID, turns, state.Summary, state.LastSummaryIndex, tokens.EstimateTurn)
}

func (m *Manager) degraded(ctx context.Context, userID, chatID, op string, err error) {
	if m.metrics != nil {
		m.metrics.HydrationFailures.Inc()
	}
	m.logger.Warn(ctx, "hydration degraded to empty context",
		"user_id", userID, "chat_id", chatID, "op", op, "error", err)
}

// Update records a completed exchange: the turns are appended to the live
// window with their token cost, and a background fold is triggered if the
// window now exceeds its token or turn budget. The returned record is the
// same one held in the cache.
func (m *Manager) Update(ctx context.Context, userID, chatID string, turns ...*models.Turn) (*models.ChatContext, error) {
	cc, err := m.GetOrCreate(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	cost := 0
	for _, t := range turns {
		if t == nil {
			continue
		}
		t.UserID = userID
		t.ChatID = chatID
		cost += tokens.EstimateTurn(t)
	}
	cc.Append(cost, turns...)
	m.cache.Set(cc)

	m.maybeSummarize(ctx, cc)
	return cc, nil
}

// Delete removes a chat from the cache and from persistence.
func (m *Manager) Delete(ctx context.Context, userID, chatID string) error {
	m.cache.Delete(userID, chatID)
	m.observeCacheSize()
	return m.store.DeleteChat(ctx, userID, chatID)
}

// Evict drops a chat from the cache only. The durable state is untouched
// and the next access re-hydrates.
func (m *Manager) Evict(userID, chatID string) bool {
	ok := m.cache.Delete(userID, chatID)
	m.observeCacheSize()
	return ok
}

// Stats returns a snapshot of cache occupancy and in-flight folds.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()
	return Stats{
		Entries:               m.cache.Len(),
		Capacity:              m.cache.Capacity(),
		PendingSummarizations: pending,
	}
}

// Close stops accepting new folds and waits for in-flight ones to drain.
// If ctx expires first the stragglers are cancelled and ctx's error is
// returned.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.rootCancel()
		return nil
	case <-ctx.Done():
		m.rootCancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) observeCacheSize() {
	if m.metrics != nil {
		m.metrics.CacheEntries.Set(float64(m.cache.Len()))
	}
}
