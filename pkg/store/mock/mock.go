// Package mock provides an in-memory test double for [store.Store].
//
// Unlike a canned-response stub, Store keeps real state in maps so that
// multi-step scenarios (create sessions, insert transcripts, replay)
// behave like the production implementation. Error injection fields
// (`*Err`) force individual method groups to fail, and every invocation
// is recorded for assertion via [Store.CallCount].
//
// All methods are safe for concurrent use.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// Compile-time check that Store satisfies the full contract.
var _ store.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

type sessionKey struct {
	EventID   string
	AgentType store.AgentType
}

type checkpointKey struct {
	EventID   string
	AgentType store.AgentType
}

type factKey struct {
	EventID string
	Key     string
}

type cardKey struct {
	EventID   string
	SourceSeq uint64
	ConceptID string
}

// Store is a stateful in-memory [store.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	// Error injection. When non-nil the corresponding methods fail.
	AgentErr      error
	SessionErr    error
	TranscriptErr error
	FactErr       error
	CardErr       error
	GlossaryErr   error
	CheckpointErr error
	OutputErr     error
	RetrieveErr   error
	PingErr       error

	// SearchContextResult is returned by SearchContext (copied per call).
	SearchContextResult []store.RetrievedChunk

	Agents      map[string]store.Agent // by agent id
	Sessions    map[sessionKey]store.AgentSession
	History     []store.SessionEvent
	Transcripts map[string][]store.TranscriptChunk // by event id, ascending seq
	Facts       map[factKey]store.Fact
	Cards       map[cardKey]store.Card
	Glossary    map[string][]store.GlossaryEntry // by event id
	Checkpoints map[checkpointKey]uint64
	Outputs     []store.AgentOutput

	// subscribers receive transcript inserts made after SubscribeInserts.
	subscribers []chan store.TranscriptChunk
}

// New creates an empty mock store.
func New() *Store {
	return &Store{
		Agents:      make(map[string]store.Agent),
		Sessions:    make(map[sessionKey]store.AgentSession),
		Transcripts: make(map[string][]store.TranscriptChunk),
		Facts:       make(map[factKey]store.Fact),
		Cards:       make(map[cardKey]store.Card),
		Glossary:    make(map[string][]store.GlossaryEntry),
		Checkpoints: make(map[checkpointKey]uint64),
	}
}

func (m *Store) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Calls returns a copy of all recorded invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// ── AgentStore ────────────────────────────────────────────────────────────────

// PutAgent seeds an agent record. Test setup helper, not part of the contract.
func (m *Store) PutAgent(a store.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Agents[a.ID] = a
}

func (m *Store) AgentForEvent(_ context.Context, eventID string) (store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AgentForEvent", eventID)
	if m.AgentErr != nil {
		return store.Agent{}, m.AgentErr
	}
	for _, a := range m.Agents {
		if a.EventID == eventID {
			return a, nil
		}
	}
	return store.Agent{}, store.ErrNotFound
}

func (m *Store) AgentsByStatus(_ context.Context, status store.AgentStatus, limit int) ([]store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AgentsByStatus", status, limit)
	if m.AgentErr != nil {
		return nil, m.AgentErr
	}
	var out []store.Agent
	for _, a := range m.Agents {
		if a.Status == status && len(out) < limit {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) AgentsByStage(_ context.Context, stage store.AgentStage, limit int) ([]store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AgentsByStage", stage, limit)
	if m.AgentErr != nil {
		return nil, m.AgentErr
	}
	var out []store.Agent
	for _, a := range m.Agents {
		if a.Stage == stage && len(out) < limit {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) UpdateAgent(_ context.Context, agentID string, status store.AgentStatus, stage store.AgentStage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateAgent", agentID, status, stage)
	if m.AgentErr != nil {
		return m.AgentErr
	}
	a, ok := m.Agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	a.Stage = stage
	a.UpdatedAt = time.Now()
	m.Agents[agentID] = a
	return nil
}

func (m *Store) SetAgentError(_ context.Context, agentID string, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetAgentError", agentID, msg)
	if m.AgentErr != nil {
		return m.AgentErr
	}
	a, ok := m.Agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = store.AgentError
	a.LastError = msg
	m.Agents[agentID] = a
	return nil
}

// ── SessionStore ──────────────────────────────────────────────────────────────

func (m *Store) SessionsForAgent(_ context.Context, agentID string) ([]store.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SessionsForAgent", agentID)
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}
	var out []store.AgentSession
	for _, s := range m.Sessions {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out, nil
}

func (m *Store) ReplaceSessions(_ context.Context, agentID string, sessions []store.AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ReplaceSessions", agentID, sessions)
	if m.SessionErr != nil {
		return m.SessionErr
	}
	for k, s := range m.Sessions {
		if s.AgentID == agentID {
			delete(m.Sessions, k)
		}
	}
	for _, s := range sessions {
		m.Sessions[sessionKey{EventID: s.EventID, AgentType: s.AgentType}] = s
	}
	return nil
}

func (m *Store) UpdateSessionStatus(_ context.Context, eventID string, agentType store.AgentType, status store.SessionStatus, providerSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateSessionStatus", eventID, agentType, status, providerSessionID)
	if m.SessionErr != nil {
		return m.SessionErr
	}
	k := sessionKey{EventID: eventID, AgentType: agentType}
	s, ok := m.Sessions[k]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	if providerSessionID != "" {
		s.ProviderSessionID = providerSessionID
	}
	s.UpdatedAt = time.Now()
	m.Sessions[k] = s
	return nil
}

func (m *Store) BumpConnection(_ context.Context, eventID string, agentType store.AgentType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("BumpConnection", eventID, agentType)
	if m.SessionErr != nil {
		return m.SessionErr
	}
	k := sessionKey{EventID: eventID, AgentType: agentType}
	s, ok := m.Sessions[k]
	if !ok {
		return store.ErrNotFound
	}
	s.ConnectionCount++
	m.Sessions[k] = s
	return nil
}

func (m *Store) LogSessionEvent(_ context.Context, ev store.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LogSessionEvent", ev)
	if m.SessionErr != nil {
		return m.SessionErr
	}
	m.History = append(m.History, ev)
	return nil
}

// ── TranscriptStore ───────────────────────────────────────────────────────────

func (m *Store) InsertChunk(_ context.Context, chunk store.TranscriptChunk) error {
	m.mu.Lock()
	m.record("InsertChunk", chunk)
	if m.TranscriptErr != nil {
		m.mu.Unlock()
		return m.TranscriptErr
	}
	chunks := m.Transcripts[chunk.EventID]
	replaced := false
	for i, c := range chunks {
		if c.Seq == chunk.Seq {
			chunks[i] = chunk
			replaced = true
			break
		}
	}
	if !replaced {
		chunks = append(chunks, chunk)
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
	}
	m.Transcripts[chunk.EventID] = chunks
	subs := make([]chan store.TranscriptChunk, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	if chunk.Final {
		for _, ch := range subs {
			select {
			case ch <- chunk:
			default:
			}
		}
	}
	return nil
}

func (m *Store) ChunksAfter(_ context.Context, eventID string, afterSeq uint64, limit int) ([]store.TranscriptChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ChunksAfter", eventID, afterSeq, limit)
	if m.TranscriptErr != nil {
		return nil, m.TranscriptErr
	}
	var out []store.TranscriptChunk
	for _, c := range m.Transcripts[eventID] {
		if c.Final && c.Seq > afterSeq && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Store) MaxSeq(_ context.Context, eventID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MaxSeq", eventID)
	if m.TranscriptErr != nil {
		return 0, m.TranscriptErr
	}
	var max uint64
	for _, c := range m.Transcripts[eventID] {
		if c.Final && c.Seq > max {
			max = c.Seq
		}
	}
	return max, nil
}

func (m *Store) SubscribeInserts(ctx context.Context) (<-chan store.TranscriptChunk, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SubscribeInserts")
	if m.TranscriptErr != nil {
		return nil, nil, m.TranscriptErr
	}
	ch := make(chan store.TranscriptChunk, 64)
	m.subscribers = append(m.subscribers, ch)
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	_ = ctx
	return ch, cancel, nil
}

// ── FactStore ─────────────────────────────────────────────────────────────────

func (m *Store) UpsertFact(_ context.Context, fact store.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpsertFact", fact)
	if m.FactErr != nil {
		return m.FactErr
	}
	fact.Active = true
	fact.UpdatedAt = time.Now()
	m.Facts[factKey{EventID: fact.EventID, Key: fact.Key}] = fact
	return nil
}

func (m *Store) ActiveFacts(_ context.Context, eventID string) ([]store.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ActiveFacts", eventID)
	if m.FactErr != nil {
		return nil, m.FactErr
	}
	var out []store.Fact
	for _, f := range m.Facts {
		if f.EventID == eventID && f.Active {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Store) MarkFactsInactive(_ context.Context, eventID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkFactsInactive", eventID, keys)
	if m.FactErr != nil {
		return m.FactErr
	}
	for _, k := range keys {
		fk := factKey{EventID: eventID, Key: k}
		if f, ok := m.Facts[fk]; ok {
			f.Active = false
			m.Facts[fk] = f
		}
	}
	return nil
}

// ── CardStore ─────────────────────────────────────────────────────────────────

func (m *Store) InsertCard(_ context.Context, card store.Card) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertCard", card)
	if m.CardErr != nil {
		return false, m.CardErr
	}
	k := cardKey{EventID: card.EventID, SourceSeq: card.SourceSeq, ConceptID: card.ConceptID}
	if _, ok := m.Cards[k]; ok {
		return false, nil
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now()
	}
	m.Cards[k] = card
	return true, nil
}

func (m *Store) RecentCards(_ context.Context, eventID string, limit int) ([]store.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RecentCards", eventID, limit)
	if m.CardErr != nil {
		return nil, m.CardErr
	}
	var out []store.Card
	for _, c := range m.Cards {
		if c.EventID == eventID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── GlossaryStore ─────────────────────────────────────────────────────────────

func (m *Store) ActiveGlossary(_ context.Context, eventID string) ([]store.GlossaryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ActiveGlossary", eventID)
	if m.GlossaryErr != nil {
		return nil, m.GlossaryErr
	}
	out := make([]store.GlossaryEntry, len(m.Glossary[eventID]))
	copy(out, m.Glossary[eventID])
	return out, nil
}

// ── CheckpointStore ───────────────────────────────────────────────────────────

func (m *Store) Checkpoint(_ context.Context, eventID string, agentType store.AgentType) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Checkpoint", eventID, agentType)
	if m.CheckpointErr != nil {
		return 0, m.CheckpointErr
	}
	return m.Checkpoints[checkpointKey{EventID: eventID, AgentType: agentType}], nil
}

func (m *Store) SaveCheckpoint(_ context.Context, eventID string, agentType store.AgentType, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveCheckpoint", eventID, agentType, seq)
	if m.CheckpointErr != nil {
		return m.CheckpointErr
	}
	k := checkpointKey{EventID: eventID, AgentType: agentType}
	if seq > m.Checkpoints[k] {
		m.Checkpoints[k] = seq
	}
	return nil
}

// ── OutputStore ───────────────────────────────────────────────────────────────

func (m *Store) AppendOutput(_ context.Context, out store.AgentOutput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendOutput", out)
	if m.OutputErr != nil {
		return m.OutputErr
	}
	m.Outputs = append(m.Outputs, out)
	return nil
}

// ── Retriever ─────────────────────────────────────────────────────────────────

func (m *Store) SearchContext(_ context.Context, eventID string, embedding []float32, topK int) ([]store.RetrievedChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SearchContext", eventID, embedding, topK)
	if m.RetrieveErr != nil {
		return nil, m.RetrieveErr
	}
	out := make([]store.RetrievedChunk, 0, len(m.SearchContextResult))
	out = append(out, m.SearchContextResult...)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Ping implements [store.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}
