package session

import (
	"testing"
	"time"

	"podcast-bot/internal/models"
)

func TestStoreListingAndSelection(t *testing.T) {
	store := NewStore(0, 0)

	if got := store.Get(1); got.Selected != nil || len(got.Listing) != 0 {
		t.Fatalf("expected empty session, got %+v", got)
	}

	episodes := []models.Episode{{ID: "a", Title: "First"}, {ID: "b", Title: "Second"}}
	store.ReplaceListing(1, episodes)
	episodes[0].Title = "mutated"

	got := store.Get(1)
	if len(got.Listing) != 2 || got.Listing[0].Title != "First" {
		t.Fatalf("expected stored copy of listing, got %+v", got.Listing)
	}
	episode, ok := got.FindEpisode("b")
	if !ok || episode.Title != "Second" {
		t.Fatalf("expected to find episode b, got %+v %v", episode, ok)
	}
	if _, ok := got.FindEpisode("zzz"); ok {
		t.Fatalf("expected unknown id to be missing")
	}

	store.Select(1, episode)
	got = store.Get(1)
	if got.Selected == nil || got.Selected.ID != "b" {
		t.Fatalf("expected selection b, got %+v", got.Selected)
	}
	if len(got.Listing) != 2 {
		t.Fatalf("expected listing to survive selection")
	}

	store.ReplaceListing(1, episodes[:1])
	if got := store.Get(1); got.Selected != nil {
		t.Fatalf("expected new listing to clear selection")
	}
}

func TestStoreIsolatesChats(t *testing.T) {
	store := NewStore(0, 0)
	store.Select(1, models.Episode{ID: "a"})
	store.Select(2, models.Episode{ID: "b"})

	if got := store.Get(1).Selected; got == nil || got.ID != "a" {
		t.Fatalf("unexpected selection for chat 1: %+v", got)
	}
	if got := store.Get(2).Selected; got == nil || got.ID != "b" {
		t.Fatalf("unexpected selection for chat 2: %+v", got)
	}
}

func TestStoreLatestSelectionWins(t *testing.T) {
	store := NewStore(0, 0)
	store.Select(1, models.Episode{ID: "a"})
	store.Select(1, models.Episode{ID: "b"})

	if got := store.Get(1).Selected; got == nil || got.ID != "b" {
		t.Fatalf("expected latest selection, got %+v", got)
	}
}

func TestStoreExpiresIdleSessions(t *testing.T) {
	store := NewStore(10, 30*time.Millisecond)
	store.Select(1, models.Episode{ID: "a"})

	time.Sleep(100 * time.Millisecond)
	if got := store.Get(1); got.Selected != nil {
		t.Fatalf("expected session to expire, got %+v", got)
	}
}

func TestStoreEvictsBeyondCapacity(t *testing.T) {
	store := NewStore(2, time.Hour)
	store.Select(1, models.Episode{ID: "a"})
	store.Select(2, models.Episode{ID: "b"})
	store.Select(3, models.Episode{ID: "c"})

	if store.Len() != 2 {
		t.Fatalf("expected capacity to bound sessions, got %d", store.Len())
	}
	if got := store.Get(1); got.Selected != nil {
		t.Fatalf("expected oldest session to be evicted")
	}
}
