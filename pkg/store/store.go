// Package store defines the durable storage contract for briefwire.
//
// The worker treats the database as four things at once: a key/value
// store (agents, sessions, facts, glossary), an append log (transcripts,
// agent outputs), a checkpoint register, and a change feed for transcript
// inserts. Implementations live in subpackages; pkg/store/postgres is the
// production implementation, pkg/store/mock the test double.
//
// All interfaces accept a context and return explicit errors. Writes must
// tolerate concurrent writers: upsert-by-natural-key everywhere, and
// conditional updates where monotonicity is required (checkpoints,
// fact last_seen_seq).
package store

import (
	"context"
	"encoding/json"
	"time"
)

// AgentType identifies one of the three model roles attached to an event.
type AgentType string

const (
	AgentTranscript AgentType = "transcript"
	AgentCards      AgentType = "cards"
	AgentFacts      AgentType = "facts"
)

// AllAgentTypes lists every agent type in canonical order.
var AllAgentTypes = []AgentType{AgentTranscript, AgentCards, AgentFacts}

// IsValid reports whether t is a recognised agent type.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTranscript, AgentCards, AgentFacts:
		return true
	}
	return false
}

// AgentStatus is the durable status of an event's agent record.
type AgentStatus string

const (
	AgentIdle   AgentStatus = "idle"
	AgentActive AgentStatus = "active"
	AgentPaused AgentStatus = "paused"
	AgentEnded  AgentStatus = "ended"
	AgentError  AgentStatus = "error"
)

// IsValid reports whether s is a recognised agent status.
func (s AgentStatus) IsValid() bool {
	switch s {
	case AgentIdle, AgentActive, AgentPaused, AgentEnded, AgentError:
		return true
	}
	return false
}

// AgentStage tracks how far the upstream context pipeline has taken an
// agent. The runtime only joins agents at StageContextComplete or later.
type AgentStage string

const (
	StageBlueprint        AgentStage = "blueprint"
	StageResearching      AgentStage = "researching"
	StageBuildingGlossary AgentStage = "building_glossary"
	StageBuildingCorpus   AgentStage = "building_corpus"
	StageContextComplete  AgentStage = "context_complete"
	StageTesting          AgentStage = "testing"
	StageRunning          AgentStage = "running"
)

// SessionStatus is the durable status of a single model session record.
type SessionStatus string

const (
	SessionClosed       SessionStatus = "closed"
	SessionActive       SessionStatus = "active"
	SessionPaused       SessionStatus = "paused"
	SessionError        SessionStatus = "error"
	SessionDisconnected SessionStatus = "disconnected"
)

// Agent is the per-event orchestration record. Created by the upstream
// context pipeline; the runtime drives its status/stage transitions.
type Agent struct {
	ID        string
	EventID   string
	Status    AgentStatus
	Stage     AgentStage
	ModelSet  string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentSession is one durable row per (agent, agent type) model session.
type AgentSession struct {
	ID                string
	AgentID           string
	EventID           string
	AgentType         AgentType
	Status            SessionStatus
	ProviderSessionID string
	Model             string
	ConnectionCount   int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionEvent is an append-only history row recording a session status
// transition.
type SessionEvent struct {
	ID                string
	EventID           string
	AgentID           string
	AgentType         AgentType
	EventType         string // connected, resumed, paused, error, closed, disconnected
	ProviderSessionID string
	At                time.Time
}

// TranscriptChunk is one finalized (or interim) transcript segment.
// Seq is dense per event, starting at 1, assigned only to finalized chunks.
type TranscriptChunk struct {
	EventID      string
	Seq          uint64
	AtMS         int64
	Speaker      string
	Text         string
	Final        bool
	TranscriptID string
}

// Fact is the durable form of one knowledge-base claim.
type Fact struct {
	EventID     string
	Key         string
	Value       json.RawMessage
	Confidence  float64
	LastSeenSeq uint64
	Sources     []string
	Active      bool
	DormantAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// VisualRequest describes how a visual card's image should be obtained.
type VisualRequest struct {
	Strategy     string `json:"strategy"` // "fetch" or "generate"
	Instructions string `json:"instructions"`
	SourceURL    string `json:"source_url,omitempty"`
}

// Card is one emitted explainer artifact, unique per
// (event_id, source_seq, concept_id).
type Card struct {
	ID            string
	EventID       string
	Kind          string
	CardType      string // text, text_visual, visual
	Title         string
	Body          string
	Label         string
	ImageURL      string
	SourceSeq     uint64
	ConceptID     string
	ConceptLabel  string
	TemplateID    string
	TemplateLabel string
	VisualRequest *VisualRequest
	CreatedAt     time.Time
}

// GlossaryEntry is a read-only term produced by the upstream context
// pipeline, unique per (event_id, lower(term)).
type GlossaryEntry struct {
	EventID         string
	Term            string
	Definition      string
	AcronymFor      string
	Category        string
	UsageExamples   []string
	RelatedTerms    []string
	ConfidenceScore float64
}

// AgentOutput is one append-log entry recording a raw model output.
type AgentOutput struct {
	ID         string
	EventID    string
	AgentType  AgentType
	OutputType string // card, fact, transcript
	SourceSeq  uint64
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// RetrievedChunk is one vector-search hit from the context_items corpus.
type RetrievedChunk struct {
	ID         string
	Chunk      string
	Similarity float64
}

// ── Interfaces ─────────────────────────────────────────────────────────────────

// AgentStore reads and updates the per-event agent records.
type AgentStore interface {
	// AgentForEvent returns the agent attached to eventID.
	AgentForEvent(ctx context.Context, eventID string) (Agent, error)

	// AgentsByStatus lists up to limit agents with the given status.
	AgentsByStatus(ctx context.Context, status AgentStatus, limit int) ([]Agent, error)

	// AgentsByStage lists up to limit agents at the given stage.
	AgentsByStage(ctx context.Context, stage AgentStage, limit int) ([]Agent, error)

	// UpdateAgent sets status and stage for the agent.
	UpdateAgent(ctx context.Context, agentID string, status AgentStatus, stage AgentStage) error

	// SetAgentError moves the agent to error status and records the message.
	SetAgentError(ctx context.Context, agentID string, msg string) error
}

// SessionStore manages the durable agent_sessions rows and their history.
type SessionStore interface {
	// SessionsForAgent returns all session rows for the agent, one per
	// agent type at most.
	SessionsForAgent(ctx context.Context, agentID string) ([]AgentSession, error)

	// ReplaceSessions deletes any existing rows for the agent and inserts
	// the given rows in one transaction.
	ReplaceSessions(ctx context.Context, agentID string, sessions []AgentSession) error

	// UpdateSessionStatus sets the status (and provider session id if
	// non-empty) on the (event, agent type) session row.
	UpdateSessionStatus(ctx context.Context, eventID string, agentType AgentType, status SessionStatus, providerSessionID string) error

	// BumpConnection increments the connection counter on the session row.
	BumpConnection(ctx context.Context, eventID string, agentType AgentType) error

	// LogSessionEvent appends a history row.
	LogSessionEvent(ctx context.Context, ev SessionEvent) error
}

// TranscriptStore is the append log of transcript chunks plus its change feed.
type TranscriptStore interface {
	// InsertChunk upserts a chunk by (event_id, seq).
	InsertChunk(ctx context.Context, chunk TranscriptChunk) error

	// ChunksAfter returns up to limit finalized chunks with seq > afterSeq,
	// ascending by seq.
	ChunksAfter(ctx context.Context, eventID string, afterSeq uint64, limit int) ([]TranscriptChunk, error)

	// MaxSeq returns the highest finalized seq stored for the event, or 0.
	MaxSeq(ctx context.Context, eventID string) (uint64, error)

	// SubscribeInserts returns a channel of newly inserted finalized chunks
	// across all events, and a cancel function that releases the feed.
	SubscribeInserts(ctx context.Context) (<-chan TranscriptChunk, func(), error)
}

// FactStore persists the knowledge base.
type FactStore interface {
	// UpsertFact writes a fact by (event_id, fact_key), marking it active.
	UpsertFact(ctx context.Context, fact Fact) error

	// ActiveFacts returns all active facts for the event.
	ActiveFacts(ctx context.Context, eventID string) ([]Fact, error)

	// MarkFactsInactive deactivates the given keys in one batch.
	MarkFactsInactive(ctx context.Context, eventID string, keys []string) error
}

// CardStore persists emitted cards.
type CardStore interface {
	// InsertCard inserts a card; returns false without error when a card
	// for the same (event_id, source_seq, concept_id) already exists.
	InsertCard(ctx context.Context, card Card) (bool, error)

	// RecentCards returns up to limit most recent cards for the event,
	// newest first.
	RecentCards(ctx context.Context, eventID string, limit int) ([]Card, error)
}

// GlossaryStore reads the preloaded glossary for an event.
type GlossaryStore interface {
	ActiveGlossary(ctx context.Context, eventID string) ([]GlossaryEntry, error)
}

// CheckpointStore persists per-(event, agent type) last processed sequences.
type CheckpointStore interface {
	// Checkpoint returns the last processed seq, or 0 when none is stored.
	Checkpoint(ctx context.Context, eventID string, agentType AgentType) (uint64, error)

	// SaveCheckpoint upserts the checkpoint; a stored value higher than seq
	// is kept (monotonic).
	SaveCheckpoint(ctx context.Context, eventID string, agentType AgentType, seq uint64) error
}

// OutputStore is the agent output append log.
type OutputStore interface {
	AppendOutput(ctx context.Context, out AgentOutput) error
}

// Retriever performs vector similarity search over the event's context
// corpus. It backs the retrieve tool exposed to the models.
type Retriever interface {
	SearchContext(ctx context.Context, eventID string, embedding []float32, topK int) ([]RetrievedChunk, error)
}

// Store aggregates every durable capability the runtime needs. The
// postgres implementation satisfies it with a single connection pool.
type Store interface {
	AgentStore
	SessionStore
	TranscriptStore
	FactStore
	CardStore
	GlossaryStore
	CheckpointStore
	OutputStore
	Retriever

	// Ping verifies connectivity; used by the readiness probe.
	Ping(ctx context.Context) error
}
