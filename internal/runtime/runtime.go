package runtime

import (
	"time"

	"github.com/veyra-labs/briefwire/internal/agents"
	"github.com/veyra-labs/briefwire/internal/driver"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Status is the in-memory lifecycle state of one event runtime.
type Status string

const (
	StatusContextComplete Status = "context_complete"
	StatusReady           Status = "ready"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusEnded           Status = "ended"
	StatusError           Status = "error"
)

// AgentSlot holds one agent type's session state within a runtime. A nil
// Driver means the agent is disabled for this event.
type AgentSlot struct {
	Driver          *driver.Driver
	SessionID       string
	HandlerAttached bool

	// LastDriverStatus is the most recent driver status observed by the
	// lifecycle chokepoint, used to tell a reconnect from a first connect.
	LastDriverStatus driver.Status
}

// PendingConcept records a card trigger awaiting its model response,
// keyed by the triggering source seq.
type PendingConcept struct {
	ConceptID    string
	ConceptLabel string
	TriggeredAt  time.Time
}

// EventRuntime aggregates all per-event state. It is owned by exactly
// one actor goroutine (the mailbox consumer); every field mutation must
// happen there. Construction is via [Manager.CreateRuntime] only.
type EventRuntime struct {
	EventID string
	AgentID string
	Status  Status

	EnabledAgents map[store.AgentType]bool
	Sessions      map[store.AgentType]*AgentSlot

	Ring     *RingBuffer
	Facts    *FactsStore
	Cards    *CardsStore
	Glossary *GlossaryCache

	// PendingCardConcepts maps source seq → the concept a card prompt was
	// issued for. Entries are removed on card emission or by a TTL sweep.
	PendingCardConcepts map[uint64]PendingConcept

	// Monotonic per-agent sequence counters. At rest
	// CardsLastSeq ≤ TranscriptLastSeq and FactsLastSeq ≤ TranscriptLastSeq.
	TranscriptLastSeq uint64
	CardsLastSeq      uint64
	FactsLastSeq      uint64

	// PendingTranscript carries speaker/timing metadata from the audio
	// append path to the next transcription completion.
	PendingTranscript agents.PendingMeta

	// Facts debounce state, owned by the actor.
	FactsDirty          bool
	FactsInFlight       bool
	FactsFlushScheduled bool
	FactsSentAt         time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Mailbox *Mailbox
}

// Slot returns the session slot for the agent type, creating an empty
// one on first access.
func (rt *EventRuntime) Slot(agentType store.AgentType) *AgentSlot {
	if rt.Sessions == nil {
		rt.Sessions = make(map[store.AgentType]*AgentSlot)
	}
	s, ok := rt.Sessions[agentType]
	if !ok {
		s = &AgentSlot{}
		rt.Sessions[agentType] = s
	}
	return s
}

// Enabled reports whether the agent type is enabled for this event.
func (rt *EventRuntime) Enabled(agentType store.AgentType) bool {
	return rt.EnabledAgents[agentType]
}

// MaxSeq returns the highest of the three sequence counters.
func (rt *EventRuntime) MaxSeq() uint64 {
	max := rt.TranscriptLastSeq
	if rt.CardsLastSeq > max {
		max = rt.CardsLastSeq
	}
	if rt.FactsLastSeq > max {
		max = rt.FactsLastSeq
	}
	return max
}

// AdvanceSeqs moves all three counters to at least seq.
func (rt *EventRuntime) AdvanceSeqs(seq uint64) {
	if seq > rt.TranscriptLastSeq {
		rt.TranscriptLastSeq = seq
	}
	if seq > rt.CardsLastSeq {
		rt.CardsLastSeq = seq
	}
	if seq > rt.FactsLastSeq {
		rt.FactsLastSeq = seq
	}
	rt.UpdatedAt = time.Now()
}

// SweepPendingConcepts drops pending card concepts older than ttl.
// Returns how many were removed.
func (rt *EventRuntime) SweepPendingConcepts(now time.Time, ttl time.Duration) int {
	removed := 0
	for seq, pc := range rt.PendingCardConcepts {
		if now.Sub(pc.TriggeredAt) > ttl {
			delete(rt.PendingCardConcepts, seq)
			removed++
		}
	}
	return removed
}
