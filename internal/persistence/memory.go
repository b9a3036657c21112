package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatctx/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[identity]*memoryRoom
}

// identity keys rooms without encoding the pair into a single string, so
// IDs containing arbitrary characters cannot collide.
type identity struct {
	userID string
	chatID string
}

type memoryRoom struct {
	userID    string
	chatID    string
	model     string
	title     string
	summary   string
	cursor    int64
	turns     []*models.Turn
	createdAt time.Time
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory chat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: map[identity]*memoryRoom{}}
}

func roomKey(userID, chatID string) identity {
	return identity{userID: userID, chatID: chatID}
}

func (m *MemoryStore) LoadRecentTurns(ctx context.Context, userID, chatID string, limit int) ([]*models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomKey(userID, chatID)]
	if !ok {
		return nil, ErrChatNotFound
	}
	turns := room.turns
	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit
	}
	out := make([]*models.Turn, 0, len(turns)-start)
	for _, t := range turns[start:] {
		out = append(out, models.CloneTurn(t))
	}
	return out, nil
}

func (m *MemoryStore) LoadSummary(ctx context.Context, userID, chatID string) (SummaryState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomKey(userID, chatID)]
	if !ok {
		return SummaryState{}, ErrChatNotFound
	}
	return SummaryState{Summary: room.summary, LastSummaryIndex: room.cursor}, nil
}

func (m *MemoryStore) SaveSummary(ctx context.Context, userID, chatID, summary string, lastSummaryIndex int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomKey(userID, chatID)]
	if !ok {
		return ErrChatNotFound
	}
	room.summary = summary
	room.cursor = lastSummaryIndex
	room.updatedAt = time.Now()
	return nil
}

func (m *MemoryStore) EnsureChatRoom(ctx context.Context, userID, chatID, model, title string) (bool, error) {
	if userID == "" || chatID == "" {
		return false, errors.New("user and chat identity are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := roomKey(userID, chatID)
	if _, ok := m.rooms[key]; ok {
		return false, nil
	}
	now := time.Now()
	m.rooms[key] = &memoryRoom{
		userID:    userID,
		chatID:    chatID,
		model:     model,
		title:     title,
		createdAt: now,
		updatedAt: now,
	}
	return true, nil
}

func (m *MemoryStore) AppendTurns(ctx context.Context, turns []*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch before touching anything so the append
	// stays all-or-nothing.
	for _, t := range turns {
		if t == nil {
			return errors.New("turn is required")
		}
		if _, ok := m.rooms[roomKey(t.UserID, t.ChatID)]; !ok {
			return ErrChatNotFound
		}
	}

	for _, t := range turns {
		room := m.rooms[roomKey(t.UserID, t.ChatID)]
		clone := models.CloneTurn(t)
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		if clone.CreatedAt.IsZero() {
			clone.CreatedAt = time.Now()
		}
		if clone.MessageOrder == 0 {
			clone.MessageOrder = nextOrder(room)
		}
		room.turns = append(room.turns, clone)
		room.updatedAt = time.Now()
		// Reflect generated fields back to caller.
		t.ID = clone.ID
		t.MessageOrder = clone.MessageOrder
		t.CreatedAt = clone.CreatedAt
	}

	for _, t := range turns {
		room := m.rooms[roomKey(t.UserID, t.ChatID)]
		sort.SliceStable(room.turns, func(i, j int) bool {
			return room.turns[i].MessageOrder < room.turns[j].MessageOrder
		})
	}
	return nil
}

func nextOrder(room *memoryRoom) int64 {
	next := room.cursor + 1
	if n := len(room.turns); n > 0 {
		if last := room.turns[n-1].MessageOrder; last >= next {
			next = last + 1
		}
	}
	return next
}

func (m *MemoryStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := roomKey(userID, chatID)
	if _, ok := m.rooms[key]; !ok {
		return ErrChatNotFound
	}
	delete(m.rooms, key)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
