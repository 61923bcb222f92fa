// Package session keeps per-chat conversation state: the last listing shown
// and the episode awaiting a cache confirmation.
package session

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"podcast-bot/internal/models"
)

const (
	DefaultTTL      = 24 * time.Hour
	DefaultCapacity = 1024
)

// Session is a snapshot of one chat's state. Values returned by the Store
// are copies and safe to keep.
type Session struct {
	Listing  []models.Episode
	Selected *models.Episode
}

// FindEpisode looks id up in the last listing.
func (s Session) FindEpisode(id string) (models.Episode, bool) {
	for _, episode := range s.Listing {
		if episode.ID == id {
			return episode, true
		}
	}
	return models.Episode{}, false
}

// Store holds sessions keyed by chat. Idle sessions expire after the TTL and
// the least recently used ones are dropped beyond capacity.
type Store struct {
	mu       sync.Mutex
	sessions *expirable.LRU[int64, Session]
}

// NewStore returns a Store. Non-positive arguments select the defaults.
func NewStore(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{sessions: expirable.NewLRU[int64, Session](capacity, nil, ttl)}
}

// Get returns the session for chat, or an empty one.
func (s *Store) Get(chat int64) Session {
	session, _ := s.sessions.Get(chat)
	return session
}

// ReplaceListing records a new listing and clears any pending selection.
func (s *Store) ReplaceListing(chat int64, episodes []models.Episode) {
	listing := make([]models.Episode, len(episodes))
	copy(listing, episodes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions.Add(chat, Session{Listing: listing})
}

// Select records the episode awaiting confirmation, keeping the listing.
func (s *Store) Select(chat int64, episode models.Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, _ := s.sessions.Get(chat)
	selected := episode
	s.sessions.Add(chat, Session{Listing: current.Listing, Selected: &selected})
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	return s.sessions.Len()
}
