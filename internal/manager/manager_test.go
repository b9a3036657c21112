package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/chatctx/internal/config"
	"github.com/haasonsaas/chatctx/internal/contextstore"
	"github.com/haasonsaas/chatctx/internal/observability"
	"github.com/haasonsaas/chatctx/internal/persistence"
	"github.com/haasonsaas/chatctx/pkg/models"
)

// mockSummarizer is a controllable Summarizer: it can fail on demand and
// block until released so tests can observe in-flight folds.
type mockSummarizer struct {
	mu      sync.Mutex
	calls   int
	err     error
	result  string
	started chan struct{}
	release chan struct{}
}

func (m *mockSummarizer) Summarize(ctx context.Context, existingSummary, newTurnsText string) (string, error) {
	m.mu.Lock()
	m.calls++
	err := m.err
	result := m.result
	started := m.started
	release := m.release
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if result == "" {
		result = "mock summary"
	}
	return result, nil
}

func (m *mockSummarizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockSummarizer) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// flakyStore wraps a real store with injectable failures and call counting.
type flakyStore struct {
	persistence.Store

	mu             sync.Mutex
	loadSummaryErr error
	saveSummaryErr error
	ensureCalls    int
}

func (s *flakyStore) LoadSummary(ctx context.Context, userID, chatID string) (persistence.SummaryState, error) {
	s.mu.Lock()
	err := s.loadSummaryErr
	s.mu.Unlock()
	if err != nil {
		return persistence.SummaryState{}, err
	}
	return s.Store.LoadSummary(ctx, userID, chatID)
}

func (s *flakyStore) SaveSummary(ctx context.Context, userID, chatID, summary string, lastSummaryIndex int64) error {
	s.mu.Lock()
	err := s.saveSummaryErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SaveSummary(ctx, userID, chatID, summary, lastSummaryIndex)
}

func (s *flakyStore) EnsureChatRoom(ctx context.Context, userID, chatID, model, title string) (bool, error) {
	s.mu.Lock()
	s.ensureCalls++
	s.mu.Unlock()
	return s.Store.EnsureChatRoom(ctx, userID, chatID, model, title)
}

func (s *flakyStore) EnsureCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureCalls
}

func newTestManager(t *testing.T, store persistence.Store, summarizer *mockSummarizer, cfg config.SummarizerConfig) *Manager {
	t.Helper()
	mgr := New(Options{
		Cache:      contextstore.New(contextstore.Options{Capacity: 16, TTL: time.Minute}),
		Store:      store,
		Summarizer: summarizer,
		Config:     cfg,
		Logger:     observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		Metrics:    observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func exchange(i int) []*models.Turn {
	return []*models.Turn{
		{Role: models.RoleHuman, Content: fmt.Sprintf("question %d", i)},
		{Role: models.RoleAI, Content: fmt.Sprintf("answer %d", i)},
	}
}

func TestGetOrCreateNewChat(t *testing.T) {
	store := &flakyStore{Store: persistence.NewMemoryStore()}
	mgr := newTestManager(t, store, &mockSummarizer{}, config.SummarizerConfig{})
	ctx := context.Background()

	cc, err := mgr.GetOrCreate(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if cc.Len() != 0 || cc.Summary() != "" || cc.ApproxTokens() != 0 {
		t.Fatalf("expected an empty record, got len=%d summary=%q tokens=%d",
			cc.Len(), cc.Summary(), cc.ApproxTokens())
	}
	if store.EnsureCalls() != 1 {
		t.Fatalf("EnsureChatRoom calls = %d, want 1", store.EnsureCalls())
	}

	// The durable room exists now.
	if _, err := store.LoadSummary(ctx, "alice", "c1"); err != nil {
		t.Fatalf("expected chat room to exist: %v", err)
	}

	again, err := mgr.GetOrCreate(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if again != cc {
		t.Fatal("expected the cached record on the second call")
	}
	if store.EnsureCalls() != 1 {
		t.Fatalf("cache hit must not touch persistence, EnsureChatRoom calls = %d", store.EnsureCalls())
	}
}

func TestGetOrCreateHydratesFromPersistence(t *testing.T) {
	store := persistence.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.EnsureChatRoom(ctx, "alice", "c1", "", ""); err != nil {
		t.Fatalf("EnsureChatRoom() error = %v", err)
	}
	var turns []*models.Turn
	for i := 0; i < 6; i++ {
		turns = append(turns, &models.Turn{
			UserID: "alice", ChatID: "c1",
			Role: models.RoleHuman, Content: fmt.Sprintf("turn %d", i),
		})
	}
	if err := store.AppendTurns(ctx, turns); err != nil {
		t.Fatalf("AppendTurns() error = %v", err)
	}
	if err := store.SaveSummary(ctx, "alice", "c1", "older turns folded", 2); err != nil {
		t.Fatalf("SaveSummary() error = %v", err)
	}

	mgr := newTestManager(t, store, &mockSummarizer{}, config.SummarizerConfig{HydrateTurns: 12})

	cc, err := mgr.GetOrCreate(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if cc.Summary() != "older turns folded" || cc.LastSummaryIndex() != 2 {
		t.Fatalf("summary state = (%q, %d), want persisted state", cc.Summary(), cc.LastSummaryIndex())
	}
	// Turns at or below the cursor stay out of the window.
	if cc.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", cc.Len())
	}
	if first := cc.Window()[0].MessageOrder; first != 3 {
		t.Fatalf("window starts at order %d, want 3", first)
	}
	if cc.ApproxTokens() == 0 {
		t.Fatal("expected the hydrated window to carry a token estimate")
	}
}

func TestGetOrCreateDegradesOnHydrationFailure(t *testing.T) {
	store := &flakyStore{Store: persistence.NewMemoryStore(), loadSummaryErr: errors.New("db down")}
	mgr := newTestManager(t, store, &mockSummarizer{}, config.SummarizerConfig{})

	cc, err := mgr.GetOrCreate(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatalf("GetOrCreate() must degrade, not fail: %v", err)
	}
	if cc.Len() != 0 || cc.Summary() != "" {
		t.Fatal("expected a degraded empty record")
	}
}

func TestGetOrCreateHitRefreshesTTL(t *testing.T) {
	const ttl = 600 * time.Millisecond
	store := &flakyStore{Store: persistence.NewMemoryStore()}
	cache := contextstore.New(contextstore.Options{Capacity: 16, TTL: ttl})
	mgr := New(Options{
		Cache:      cache,
		Store:      store,
		Summarizer: &mockSummarizer{},
		Logger:     observability.NewLogger(observability.LogConfig{Output: io.Discard}),
		Metrics:    observability.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	ctx := context.Background()

	if _, err := mgr.GetOrCreate(ctx, "alice", "touched"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := mgr.GetOrCreate(ctx, "alice", "idle"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	time.Sleep(2 * ttl / 3)
	if _, err := mgr.GetOrCreate(ctx, "alice", "touched"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if calls := store.EnsureCalls(); calls != 2 {
		t.Fatalf("EnsureChatRoom calls = %d, want 2 (second access must be a cache hit)", calls)
	}

	// 4/3 of the TTL after insertion: the touched entry was re-set at the
	// two-thirds mark and must still be live, the idle one must be gone.
	time.Sleep(2 * ttl / 3)
	if _, ok := cache.Get("alice", "touched"); !ok {
		t.Fatal("expected the cache hit to refresh the entry's TTL")
	}
	if _, ok := cache.Get("alice", "idle"); ok {
		t.Fatal("expected the untouched entry to expire")
	}
}

func TestUpdateTriggersFoldPastTurnBudget(t *testing.T) {
	store := persistence.NewMemoryStore()
	summarizer := &mockSummarizer{result: "folded summary"}
	mgr := newTestManager(t, store, summarizer, config.SummarizerConfig{
		TokenThreshold: 1_000_000,
		MaxTurns:       12,
		MinTail:        4,
	})
	ctx := context.Background()

	var cc *models.ChatContext
	for i := 0; i < 7; i++ {
		var err error
		cc, err = mgr.Update(ctx, "alice", "c1", exchange(i)...)
		if err != nil {
			t.Fatalf("Update(%d) error = %v", i, err)
		}
	}
	// 14 turns exceed the 12-turn budget; everything but the reserved
	// tail of 4 gets folded.
	waitFor(t, "fold to complete", func() bool {
		return mgr.Stats().PendingSummarizations == 0 && cc.LastSummaryIndex() == 10
	})

	if summarizer.Calls() != 1 {
		t.Fatalf("Summarize calls = %d, want 1", summarizer.Calls())
	}
	if cc.Summary() != "folded summary" {
		t.Fatalf("Summary() = %q", cc.Summary())
	}
	if cc.Len() != 4 {
		t.Fatalf("Len() = %d after fold, want 4", cc.Len())
	}

	state, err := store.LoadSummary(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("LoadSummary() error = %v", err)
	}
	if state.Summary != "folded summary" || state.LastSummaryIndex != 10 {
		t.Fatalf("persisted state = %+v, want the fold written through", state)
	}
}

func TestUpdateTriggersFoldPastTokenThreshold(t *testing.T) {
	store := persistence.NewMemoryStore()
	summarizer := &mockSummarizer{}
	mgr := newTestManager(t, store, summarizer, config.SummarizerConfig{
		TokenThreshold: 10,
		MaxTurns:       1000,
		MinTail:        1,
	})
	ctx := context.Background()

	cc, err := mgr.Update(ctx, "alice", "c1", exchange(0)...)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	waitFor(t, "fold to complete", func() bool {
		return mgr.Stats().PendingSummarizations == 0 && cc.LastSummaryIndex() == 1
	})
	if cc.Len() != 1 {
		t.Fatalf("Len() = %d, want the reserved tail of 1", cc.Len())
	}
}

func TestDuplicateTriggersFoldOnce(t *testing.T) {
	store := persistence.NewMemoryStore()
	summarizer := &mockSummarizer{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	mgr := newTestManager(t, store, summarizer, config.SummarizerConfig{
		TokenThreshold: 1_000_000,
		MaxTurns:       1,
		MinTail:        1,
	})
	ctx := context.Background()

	if _, err := mgr.Update(ctx, "alice", "c1", exchange(0)...); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	<-summarizer.started

	// More triggers while the fold is in flight must be dropped.
	var wg sync.WaitGroup
	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = mgr.Update(ctx, "alice", "c1", exchange(i)...)
		}(i)
	}
	wg.Wait()

	if got := summarizer.Calls(); got != 1 {
		t.Fatalf("Summarize calls while in flight = %d, want 1", got)
	}

	close(summarizer.release)
	waitFor(t, "fold to drain", func() bool {
		return mgr.Stats().PendingSummarizations == 0
	})
	if got := summarizer.Calls(); got != 1 {
		t.Fatalf("Summarize calls after drain = %d, want 1", got)
	}

	// With the guard released, the next trigger runs a fresh fold.
	if _, err := mgr.Update(ctx, "alice", "c1", exchange(9)...); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	waitFor(t, "second fold", func() bool {
		return summarizer.Calls() == 2
	})
}

func TestFoldFailureLeavesStateUnchanged(t *testing.T) {
	store := persistence.NewMemoryStore()
	summarizer := &mockSummarizer{err: errors.New("model unavailable")}
	mgr := newTestManager(t, store, summarizer, config.SummarizerConfig{
		TokenThreshold: 1_000_000,
		MaxTurns:       1,
		MinTail:        1,
	})
	ctx := context.Background()

	cc, err := mgr.Update(ctx, "alice", "c1", exchange(0)...)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	waitFor(t, "failed fold to drain", func() bool {
		return mgr.Stats().PendingSummarizations == 0 && summarizer.Calls() == 1
	})

	if cc.Summary() != "" || cc.LastSummaryIndex() != 0 {
		t.Fatalf("failed fold mutated state: (%q, %d)", cc.Summary(), cc.LastSummaryIndex())
	}
	if cc.Len() != 2 {
		t.Fatalf("Len() = %d, want the window intact", cc.Len())
	}
	state, err := store.LoadSummary(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("LoadSummary() error = %v", err)
	}
	if state.Summary != "" || state.LastSummaryIndex != 0 {
		t.Fatalf("failed fold persisted state: %+v", state)
	}

	// The guard is released; a later trigger retries and succeeds.
	summarizer.SetError(nil)
	if _, err := mgr.Update(ctx, "alice", "c1", exchange(1)...); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	waitFor(t, "retry to succeed", func() bool {
		return mgr.Stats().PendingSummarizations == 0 && cc.Summary() == "mock summary"
	})
}

func TestSaveSummaryFailureSkipsApply(t *testing.T) {
	store := &flakyStore{Store: persistence.NewMemoryStore(), saveSummaryErr: errors.New("disk full")}
	summarizer := &mockSummarizer{}
	mgr := newTestManager(t, store, summarizer, config.SummarizerConfig{
		TokenThreshold: 1_000_000,
		MaxTurns:       1,
		MinTail:        1,
	})
	ctx := context.Background()

	cc, err := mgr.Update(ctx, "alice", "c1", exchange(0)...)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	waitFor(t, "fold to drain", func() bool {
		return mgr.Stats().PendingSummarizations == 0 && summarizer.Calls() == 1
	})

	// The live record must not get ahead of what persistence holds.
	if cc.Summary() != "" || cc.LastSummaryIndex() != 0 {
		t.Fatalf("unpersisted fold applied to live record: (%q, %d)", cc.Summary(), cc.LastSummaryIndex())
	}
}

func TestDeleteRemovesCacheAndPersistence(t *testing.T) {
	store := persistence.NewMemoryStore()
	mgr := newTestManager(t, store, &mockSummarizer{}, config.SummarizerConfig{})
	ctx := context.Background()

	if _, err := mgr.Update(ctx, "alice", "c1", exchange(0)...); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := mgr.Delete(ctx, "alice", "c1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.LoadSummary(ctx, "alice", "c1"); !errors.Is(err, persistence.ErrChatNotFound) {
		t.Fatalf("LoadSummary() after delete error = %v, want ErrChatNotFound", err)
	}
	if got := mgr.Stats().Entries; got != 0 {
		t.Fatalf("Stats().Entries = %d after delete, want 0", got)
	}
}

func TestEvictionIsLossless(t *testing.T) {
	store := persistence.NewMemoryStore()
	summarizer := &mockSummarizer{result: "survived eviction"}
	mgr := newTestManager(t, store, summarizer, config.SummarizerConfig{
		TokenThreshold: 1_000_000,
		MaxTurns:       1,
		MinTail:        1,
		HydrateTurns:   12,
	})
	ctx := context.Background()

	cc, err := mgr.Update(ctx, "alice", "c1", exchange(0)...)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	// The exchange is durable, as a caller would make it.
	window := cc.Window()
	if err := store.AppendTurns(ctx, window); err != nil {
		t.Fatalf("AppendTurns() error = %v", err)
	}
	waitFor(t, "fold to complete", func() bool {
		return mgr.Stats().PendingSummarizations == 0 && cc.Summary() == "survived eviction"
	})

	mgr.Evict("alice", "c1")

	rebuilt, err := mgr.GetOrCreate(ctx, "alice", "c1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if rebuilt == cc {
		t.Fatal("expected a re-hydrated record after eviction")
	}
	if rebuilt.Summary() != "survived eviction" || rebuilt.LastSummaryIndex() != 1 {
		t.Fatalf("rehydrated state = (%q, %d), want the persisted fold", rebuilt.Summary(), rebuilt.LastSummaryIndex())
	}
	if rebuilt.Len() != 1 {
		t.Fatalf("rehydrated Len() = %d, want the un-summarized tail", rebuilt.Len())
	}
}

func TestCloseDrainsInFlightFolds(t *testing.T) {
	store := persistence.NewMemoryStore()
	summarizer := &mockSummarizer{
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	mgr := newTestManager(t, store, summarizer, config.SummarizerConfig{
		TokenThreshold: 1_000_000,
		MaxTurns:       1,
		MinTail:        1,
	})
	ctx := context.Background()

	cc, err := mgr.Update(ctx, "alice", "c1", exchange(0)...)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	<-summarizer.started

	closed := make(chan error, 1)
	go func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closed <- mgr.Close(closeCtx)
	}()

	close(summarizer.release)
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if cc.Summary() != "mock summary" {
		t.Fatal("expected the in-flight fold to finish before Close returned")
	}

	// A closed manager refuses new folds.
	if _, err := mgr.Update(ctx, "alice", "c1", exchange(1)...); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := summarizer.Calls(); got != 1 {
		t.Fatalf("Summarize calls after Close = %d, want 1", got)
	}
}

func TestStats(t *testing.T) {
	mgr := newTestManager(t, persistence.NewMemoryStore(), &mockSummarizer{}, config.SummarizerConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := mgr.GetOrCreate(ctx, "alice", fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
	}
	stats := mgr.Stats()
	if stats.Entries != 3 {
		t.Fatalf("Stats().Entries = %d, want 3", stats.Entries)
	}
	if stats.Capacity != 16 {
		t.Fatalf("Stats().Capacity = %d, want 16", stats.Capacity)
	}
	if stats.PendingSummarizations != 0 {
		t.Fatalf("Stats().PendingSummarizations = %d, want 0", stats.PendingSummarizations)
	}
}
