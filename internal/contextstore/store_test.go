package contextstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/chatctx/pkg/models"
)

func TestKeyRoundTrip(t *testing.T) {
	tests := []struct {
		userID string
		chatID string
	}{
		{"alice", "general"},
		{"", "general"},
		{"alice", ""},
		{"alice", "a:b"}, // either identity may contain the separator
		{"a:b", "c"},
		{"a", "b:c"},
		{"42", "c"}, // numeric user ID must not be confused with a length prefix
	}
	for _, tt := range tests {
		t.Run(Key(tt.userID, tt.chatID), func(t *testing.T) {
			userID, chatID := SplitKey(Key(tt.userID, tt.chatID))
			if userID != tt.userID || chatID != tt.chatID {
				t.Errorf("SplitKey(Key()) = (%q, %q), want (%q, %q)", userID, chatID, tt.userID, tt.chatID)
			}
		})
	}
}

func TestKeyDistinguishesColonIdentities(t *testing.T) {
	if Key("a:b", "c") == Key("a", "b:c") {
		t.Fatalf("Key(a:b, c) = %q collides with Key(a, b:c)", Key("a:b", "c"))
	}
}

func TestStoreGetSet(t *testing.T) {
	store := New(Options{Capacity: 4, TTL: time.Minute})

	if _, ok := store.Get("alice", "c1"); ok {
		t.Fatal("expected miss on empty store")
	}

	cc := models.NewChatContext("alice", "c1")
	store.Set(cc)

	got, ok := store.Get("alice", "c1")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got != cc {
		t.Fatal("Get returned a different record")
	}
	if store.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len())
	}
}

func TestStoreEvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	store := New(Options{
		Capacity: 2,
		TTL:      time.Minute,
		OnEvict: func(userID, chatID string) {
			evicted = append(evicted, Key(userID, chatID))
		},
	})

	store.Set(models.NewChatContext("u", "c1"))
	store.Set(models.NewChatContext("u", "c2"))

	// Touch c1 so c2 becomes the eviction candidate.
	store.Get("u", "c1")
	store.Set(models.NewChatContext("u", "c3"))

	if _, ok := store.Get("u", "c2"); ok {
		t.Fatal("expected c2 to be evicted")
	}
	if _, ok := store.Get("u", "c1"); !ok {
		t.Fatal("expected c1 to survive")
	}
	if len(evicted) != 1 || evicted[0] != Key("u", "c2") {
		t.Fatalf("evicted = %v, want [%s]", evicted, Key("u", "c2"))
	}
}

func TestStoreDelete(t *testing.T) {
	store := New(Options{Capacity: 4, TTL: time.Minute})
	store.Set(models.NewChatContext("u", "c1"))

	if !store.Delete("u", "c1") {
		t.Fatal("Delete() = false, want true")
	}
	if store.Delete("u", "c1") {
		t.Fatal("second Delete() = true, want false")
	}
}

func TestStoreCapacityDefaults(t *testing.T) {
	store := New(Options{})
	if store.Capacity() != DefaultCapacity {
		t.Fatalf("Capacity() = %d, want %d", store.Capacity(), DefaultCapacity)
	}
}

func TestStorePurge(t *testing.T) {
	store := New(Options{Capacity: 8, TTL: time.Minute})
	for i := 0; i < 5; i++ {
		store.Set(models.NewChatContext("u", fmt.Sprintf("c%d", i)))
	}
	store.Purge()
	if store.Len() != 0 {
		t.Fatalf("Len() = %d after Purge, want 0", store.Len())
	}
}
