package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// Runtime construction and replay limits.
const (
	DefaultRingCapacity = 1000
	DefaultRingAge      = 5 * time.Minute

	// ReplayLimit bounds how many durable transcripts one replay reads.
	ReplayLimit = 1000

	// DefaultResumeLimit bounds how many running agents are resumed at
	// process start.
	DefaultResumeLimit = 50
)

// Manager owns the eventID → EventRuntime map. Construction and removal
// go through the manager; all mutation of a created runtime happens on
// its mailbox actor.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[string]*EventRuntime

	store store.Store
	log   *slog.Logger

	// transcriptOnly disables the cards and facts agents on every new
	// runtime.
	transcriptOnly bool
}

// NewManager creates an empty manager backed by the durable store.
func NewManager(st store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		runtimes: make(map[string]*EventRuntime),
		store:    st,
		log:      log,
	}
}

// SetTranscriptOnly disables the cards and facts agents for runtimes
// created afterwards. Existing runtimes are unaffected.
func (m *Manager) SetTranscriptOnly(v bool) { m.transcriptOnly = v }

// Get returns the runtime for the event, if present.
func (m *Manager) Get(eventID string) (*EventRuntime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[eventID]
	return rt, ok
}

// Runtimes returns a snapshot of all live runtimes.
func (m *Manager) Runtimes() []*EventRuntime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*EventRuntime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt)
	}
	return out
}

// Len returns the number of live runtimes.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runtimes)
}

// CreateRuntime builds the runtime for an event: checkpoints, glossary,
// the bounded ring and facts stores, recent cards, and the mailbox. A
// runtime that already exists is returned unchanged.
//
// Facts evicted while loading the durable snapshot (the snapshot can
// exceed capacity) are marked inactive before the runtime is published.
func (m *Manager) CreateRuntime(ctx context.Context, eventID, agentID string) (*EventRuntime, error) {
	m.mu.RLock()
	if rt, ok := m.runtimes[eventID]; ok {
		m.mu.RUnlock()
		return rt, nil
	}
	m.mu.RUnlock()

	checkpoints := make(map[store.AgentType]uint64, len(store.AllAgentTypes))
	for _, at := range store.AllAgentTypes {
		seq, err := m.store.Checkpoint(ctx, eventID, at)
		if err != nil {
			return nil, fmt.Errorf("runtime: load %s checkpoint: %w", at, err)
		}
		checkpoints[at] = seq
	}

	glossary := NewGlossaryCache()
	entries, err := m.store.ActiveGlossary(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load glossary: %w", err)
	}
	glossary.Load(entries)

	now := time.Now()
	rt := &EventRuntime{
		EventID: eventID,
		AgentID: agentID,
		Status:  StatusContextComplete,
		EnabledAgents: map[store.AgentType]bool{
			store.AgentTranscript: true,
			store.AgentCards:      !m.transcriptOnly,
			store.AgentFacts:      !m.transcriptOnly,
		},
		Ring:                NewRingBuffer(DefaultRingCapacity, DefaultRingAge),
		Facts:               NewFactsStore(DefaultFactCapacity),
		Cards:               NewCardsStore(DefaultRecentCardSlots, DefaultCardFreshness),
		Glossary:            glossary,
		PendingCardConcepts: make(map[uint64]PendingConcept),
		TranscriptLastSeq:   checkpoints[store.AgentTranscript],
		CardsLastSeq:        checkpoints[store.AgentCards],
		FactsLastSeq:        checkpoints[store.AgentFacts],
		CreatedAt:           now,
		UpdatedAt:           now,
		Mailbox:             NewMailbox(DefaultMailboxSize, m.log.With("event_id", eventID)),
	}

	facts, err := m.store.ActiveFacts(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load facts: %w", err)
	}
	snapshot := make([]Fact, 0, len(facts))
	for _, f := range facts {
		snapshot = append(snapshot, Fact{
			Key:         f.Key,
			Value:       string(f.Value),
			Confidence:  f.Confidence,
			LastSeenSeq: f.LastSeenSeq,
			Sources:     f.Sources,
			CreatedAt:   f.CreatedAt,
		})
	}
	if evicted := rt.Facts.LoadFacts(snapshot); len(evicted) > 0 {
		if err := m.store.MarkFactsInactive(ctx, eventID, evicted); err != nil {
			m.log.Warn("fact snapshot eviction reconcile failed",
				"event_id", eventID, "keys", evicted, "error", err)
		}
	}

	cards, err := m.store.RecentCards(ctx, eventID, DefaultRecentCardSlots)
	if err != nil {
		m.log.Warn("recent card load failed", "event_id", eventID, "error", err)
	} else {
		rt.Cards.LoadRecent(cards)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.runtimes[eventID]; ok {
		// Lost a construction race; the first one wins.
		return existing, nil
	}
	m.runtimes[eventID] = rt
	m.log.Info("runtime created",
		"event_id", eventID, "agent_id", agentID,
		"glossary_terms", glossary.Size(),
		"facts_loaded", len(snapshot),
		"transcript_seq", rt.TranscriptLastSeq,
		"cards_seq", rt.CardsLastSeq,
		"facts_seq", rt.FactsLastSeq)
	return rt, nil
}

// ReplayTranscripts warms the ring buffer from the durable log: up to
// ReplayLimit chunks with seq beyond the cards/facts checkpoints, in
// ascending order. Counters advance to the highest seq seen; no card or
// facts work is triggered.
func (m *Manager) ReplayTranscripts(ctx context.Context, rt *EventRuntime) error {
	after := rt.CardsLastSeq
	if rt.FactsLastSeq > after {
		after = rt.FactsLastSeq
	}
	chunks, err := m.store.ChunksAfter(ctx, rt.EventID, after, ReplayLimit)
	if err != nil {
		return fmt.Errorf("runtime: replay transcripts: %w", err)
	}

	var maxSeen uint64
	for _, c := range chunks {
		rt.Ring.Add(c)
		if c.Seq > maxSeen {
			maxSeen = c.Seq
		}
	}
	if maxSeen > 0 {
		rt.AdvanceSeqs(maxSeen)
	}
	m.log.Info("transcripts replayed",
		"event_id", rt.EventID, "after_seq", after,
		"replayed", len(chunks), "last_seq", rt.TranscriptLastSeq)
	return nil
}

// ResumeExistingEvents creates and replays a runtime for every durable
// agent still marked running, up to limit. The caller decides whether to
// start each returned runtime.
func (m *Manager) ResumeExistingEvents(ctx context.Context, limit int) ([]*EventRuntime, error) {
	if limit <= 0 {
		limit = DefaultResumeLimit
	}
	agents, err := m.store.AgentsByStatus(ctx, store.AgentActive, limit)
	if err != nil {
		return nil, fmt.Errorf("runtime: list running agents: %w", err)
	}

	out := make([]*EventRuntime, 0, len(agents))
	for _, a := range agents {
		if a.Stage != store.StageRunning {
			continue
		}
		rt, err := m.CreateRuntime(ctx, a.EventID, a.ID)
		if err != nil {
			m.log.Error("resume: runtime creation failed",
				"event_id", a.EventID, "agent_id", a.ID, "error", err)
			continue
		}
		if err := m.ReplayTranscripts(ctx, rt); err != nil {
			m.log.Error("resume: replay failed",
				"event_id", a.EventID, "error", err)
		}
		out = append(out, rt)
	}
	return out, nil
}

// RemoveRuntime drops the runtime from the map. The caller is
// responsible for having closed its sessions and stopped its actor.
func (m *Manager) RemoveRuntime(eventID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runtimes, eventID)
}
