package runtime

import (
	"sync"
	"time"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// Card trigger defaults.
const (
	DefaultCardFreshness   = 5 * time.Minute
	DefaultRecentCardSlots = 20
)

// CardsStore remembers recently emitted cards and when each concept last
// produced one. Its single job is duplicate suppression: a concept that
// produced a card within the freshness window must not produce another.
//
// Recent cards live in a fixed ring of slots with a monotonic write
// index, so eviction and last-N reads stay O(1). All methods are safe
// for concurrent use.
type CardsStore struct {
	mu        sync.RWMutex
	slots     []store.Card
	next      uint64 // monotonic write index; slot = next % len(slots)
	concepts  map[string]time.Time
	freshness time.Duration
}

// NewCardsStore creates a store with maxRecent card slots and the given
// concept freshness window. Zero values fall back to the defaults.
func NewCardsStore(maxRecent int, freshness time.Duration) *CardsStore {
	if maxRecent <= 0 {
		maxRecent = DefaultRecentCardSlots
	}
	if freshness <= 0 {
		freshness = DefaultCardFreshness
	}
	return &CardsStore{
		slots:     make([]store.Card, maxRecent),
		concepts:  make(map[string]time.Time),
		freshness: freshness,
	}
}

// Add records an emitted card, overwriting the oldest slot when full, and
// stamps the card's concept as fresh.
func (s *CardsStore) Add(card store.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots[s.next%uint64(len(s.slots))] = card
	s.next++
	if card.ConceptID != "" {
		s.concepts[card.ConceptID] = time.Now()
	}
}

// LoadRecent seeds the store from durable rows at runtime creation.
// Cards are expected newest first, as returned by RecentCards; they are
// replayed oldest first so the ring ends up in emission order.
func (s *CardsStore) LoadRecent(cards []store.Card) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(cards) - 1; i >= 0; i-- {
		c := cards[i]
		s.slots[s.next%uint64(len(s.slots))] = c
		s.next++
		if c.ConceptID != "" {
			s.concepts[c.ConceptID] = c.CreatedAt
		}
	}
}

// HasRecentConcept reports whether conceptID produced a card within the
// last freshness window. Stale entries are dropped as a side effect so
// the concept map cannot grow without bound over a long event.
func (s *CardsStore) HasRecentConcept(conceptID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.concepts[conceptID]
	if !ok {
		return false
	}
	if now.Sub(at) > s.freshness {
		delete(s.concepts, conceptID)
		return false
	}
	return true
}

// ConceptCache returns the concept ids that are still within the
// freshness window.
func (s *CardsStore) ConceptCache(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.concepts))
	for id, at := range s.concepts {
		if now.Sub(at) > s.freshness {
			delete(s.concepts, id)
			continue
		}
		out = append(out, id)
	}
	return out
}

// GetRecent returns up to limit most recently added cards, newest first.
func (s *CardsStore) GetRecent(limit int) []store.Card {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := int(s.next)
	if n > len(s.slots) {
		n = len(s.slots)
	}
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]store.Card, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.slots[(s.next-1-uint64(i))%uint64(len(s.slots))])
	}
	return out
}

// CardsStats reports store occupancy.
type CardsStats struct {
	Recent        int
	FreshConcepts int
}

// GetStats returns current occupancy counts.
func (s *CardsStore) GetStats() CardsStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := CardsStats{FreshConcepts: len(s.concepts)}
	if s.next > uint64(len(s.slots)) {
		st.Recent = len(s.slots)
	} else {
		st.Recent = int(s.next)
	}
	return st
}
