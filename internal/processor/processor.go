// Package processor implements the per-event command handlers: transcript
// ingestion, the deterministic card trigger, facts scheduling, and the
// normalisation and persistence of model outputs.
//
// A single Processor instance serves every runtime; all per-event state
// lives on the EventRuntime and is only touched from its actor goroutine,
// so the Processor itself carries no per-event mutable state.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/veyra-labs/briefwire/internal/agents"
	"github.com/veyra-labs/briefwire/internal/driver"
	"github.com/veyra-labs/briefwire/internal/observe"
	"github.com/veyra-labs/briefwire/internal/runtime"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/push"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Card trigger tuning.
const (
	CardWindowChunks = 3
	CardMinChunks    = 2
	CardContextLimit = 5
	CardFactLimit    = 5
	CardRecentLimit  = 5
)

const (
	maxTranscriptChars     = 100_000
	contextBulletsMaxChars = 2000
	recentTextChunks       = 10
	recentTextMaxChars     = 4000

	// pendingConceptTTL bounds how long a triggered concept waits for its
	// card before the sweep reclaims it.
	pendingConceptTTL = 10 * runtime.DefaultCardFreshness

	defaultFactsDebounce = 25 * time.Second
	storeTimeout         = 5 * time.Second
	factsResponseTimeout = 30 * time.Second
)

// Config configures a Processor.
type Config struct {
	Store     store.Store
	Publisher push.Publisher

	// FactsDebounce is the coalescing window before a facts prompt is
	// issued. Defaults to 25s; must stay at or below that ceiling.
	FactsDebounce time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// Processor implements [runtime.Handler].
type Processor struct {
	store   store.Store
	pub     push.Publisher
	metrics *observe.Metrics
	log     *slog.Logger
	now     func() time.Time

	factsDebounce time.Duration

	// onStatus, when set, receives session status changes after the
	// runtime's local slot state is updated. The lifecycle layer uses it
	// to reconcile durable session records.
	onStatus func(ctx context.Context, rt *runtime.EventRuntime, agentType store.AgentType, status driver.Status, sessionID string)

	// onAudioMeta, when set, forwards speaker/timing metadata to the
	// transcript handler ahead of the next completed transcription.
	onAudioMeta func(eventID string, meta agents.PendingMeta)
}

var _ runtime.Handler = (*Processor)(nil)

// New creates a Processor.
func New(cfg Config) *Processor {
	p := &Processor{
		store:         cfg.Store,
		pub:           cfg.Publisher,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
		now:           cfg.Now,
		factsDebounce: cfg.FactsDebounce,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.factsDebounce <= 0 || p.factsDebounce > defaultFactsDebounce {
		p.factsDebounce = defaultFactsDebounce
	}
	return p
}

// SetStatusSink installs the session-status chokepoint callback. Must be
// called before any runtime starts.
func (p *Processor) SetStatusSink(fn func(ctx context.Context, rt *runtime.EventRuntime, agentType store.AgentType, status driver.Status, sessionID string)) {
	p.onStatus = fn
}

// SetAudioMetaSink installs the transcript-metadata forwarder. Must be
// called before any runtime starts.
func (p *Processor) SetAudioMetaSink(fn func(eventID string, meta agents.PendingMeta)) {
	p.onAudioMeta = fn
}

// ── Transcript ingestion ───────────────────────────────────────────────────────

// HandleAppendAudio records the chunk's metadata for the next completed
// transcription and streams the audio to the transcript session.
func (p *Processor) HandleAppendAudio(ctx context.Context, rt *runtime.EventRuntime, chunk realtime.AudioChunk) {
	rt.PendingTranscript = agents.PendingMeta{
		Speaker: chunk.Speaker,
		AtMS:    p.now().UnixMilli(),
		Seq:     chunk.Seq,
	}
	if p.onAudioMeta != nil {
		p.onAudioMeta(rt.EventID, rt.PendingTranscript)
	}
	slot := rt.Slot(store.AgentTranscript)
	if slot.Driver == nil {
		p.log.Warn("audio append without transcript session", "event_id", rt.EventID)
		return
	}
	if err := slot.Driver.AppendAudioChunk(ctx, chunk); err != nil {
		p.log.Warn("audio append failed", "event_id", rt.EventID, "error", err)
	}
}

// HandleTranscript is the canonical ingestion path for one chunk.
func (p *Processor) HandleTranscript(ctx context.Context, rt *runtime.EventRuntime, chunk store.TranscriptChunk) {
	if chunk.Text == "" {
		p.log.Warn("dropping transcript chunk without text",
			"event_id", rt.EventID, "seq", chunk.Seq)
		return
	}
	if len(chunk.Text) > maxTranscriptChars {
		p.log.Warn("truncating over-length transcript chunk",
			"event_id", rt.EventID, "seq", chunk.Seq, "chars", len(chunk.Text))
		chunk.Text = chunk.Text[:maxTranscriptChars]
	}
	if chunk.EventID == "" {
		chunk.EventID = rt.EventID
	}

	if chunk.Seq == 0 {
		// Assign the next seq and back-fill the durable row so replay and
		// the in-memory view agree.
		chunk.Seq = rt.CardsLastSeq + 1
		wctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := p.store.InsertChunk(wctx, chunk)
		cancel()
		if err != nil {
			p.log.Error("seq back-fill write failed",
				"event_id", rt.EventID, "seq", chunk.Seq, "error", err)
		}
	} else if chunk.Seq <= rt.TranscriptLastSeq {
		// Duplicate from the second ingestion path.
		p.log.Debug("dropping duplicate transcript chunk",
			"event_id", rt.EventID, "seq", chunk.Seq)
		return
	}

	rt.Ring.Add(chunk)
	rt.AdvanceSeqs(chunk.Seq)
	if p.metrics != nil {
		p.metrics.RecordTranscriptChunk(ctx, chunk.Final)
	}

	if n := rt.SweepPendingConcepts(p.now(), pendingConceptTTL); n > 0 {
		p.log.Debug("swept stale pending card concepts",
			"event_id", rt.EventID, "removed", n)
	}

	if !chunk.Final || rt.Status != runtime.StatusRunning {
		return
	}
	p.evaluateCardTrigger(ctx, rt, chunk)
	p.scheduleFacts(rt)
}

// ── Card trigger ───────────────────────────────────────────────────────────────

// evaluateCardTrigger runs the deterministic trigger over the current
// window and, when a concept qualifies, issues one cards prompt.
func (p *Processor) evaluateCardTrigger(ctx context.Context, rt *runtime.EventRuntime, chunk store.TranscriptChunk) {
	if !rt.Enabled(store.AgentCards) {
		return
	}
	recent := rt.Ring.GetLastN(CardWindowChunks)
	if len(recent) < CardMinChunks {
		return
	}

	now := p.now()
	bullets := rt.Ring.GetContextBullets(CardContextLimit, contextBulletsMaxChars)
	candidates := ExtractConcepts(ConceptInput{
		Chunks:             recent,
		Glossary:           rt.Glossary,
		Facts:              rt.Facts.GetSnapshot(false),
		ExistingConceptIDs: rt.Cards.ConceptCache(now),
	})

	var picked *ConceptCandidate
	for i := range candidates {
		c := &candidates[i]
		if rt.Cards.HasRecentConcept(c.ID, now) {
			continue
		}
		if CountConceptOccurrences(recent, c.Label) < CardMinChunks {
			continue
		}
		picked = c
		break
	}
	if picked == nil {
		return
	}

	slot := rt.Slot(store.AgentCards)
	if slot.Driver == nil {
		return
	}

	trigger := agents.CardTrigger{
		ConceptID:      picked.ID,
		ConceptLabel:   picked.Label,
		SourceSeq:      chunk.Seq,
		FactsBlock:     p.matchingFactsBlock(rt, picked.Label),
		GlossaryBlock:  p.matchingGlossaryBlock(rt, recent),
		ContextBullets: bullets,
		RecentCards:    rt.Cards.GetRecent(CardRecentLimit),
		RecentText:     rt.Ring.GetRecentText(CardWindowChunks, contextBulletsMaxChars),
	}
	rt.PendingCardConcepts[chunk.Seq] = runtime.PendingConcept{
		ConceptID:    picked.ID,
		ConceptLabel: picked.Label,
		TriggeredAt:  now,
	}

	if err := slot.Driver.Send(ctx, agents.BuildCardsTurn(trigger), true); err != nil {
		delete(rt.PendingCardConcepts, chunk.Seq)
		p.log.Warn("cards prompt send failed",
			"event_id", rt.EventID, "seq", chunk.Seq, "error", err)
		return
	}
	p.log.Info("card trigger fired",
		"event_id", rt.EventID, "seq", chunk.Seq,
		"concept", picked.Label, "source", picked.Source)
}

// matchingFactsBlock renders up to CardFactLimit facts, preferring those
// whose key or value mentions the concept label, else top confidence.
func (p *Processor) matchingFactsBlock(rt *runtime.EventRuntime, label string) string {
	snapshot := rt.Facts.GetSnapshot(false) // descending confidence
	norm := strings.ToLower(label)

	var picked []runtime.Fact
	for _, f := range snapshot {
		if strings.Contains(strings.ReplaceAll(f.Key, "_", " "), norm) ||
			containsFold(f.Value, norm) {
			picked = append(picked, f)
			if len(picked) == CardFactLimit {
				break
			}
		}
	}
	if len(picked) == 0 {
		picked = snapshot
		if len(picked) > CardFactLimit {
			picked = picked[:CardFactLimit]
		}
	}

	var b strings.Builder
	for _, f := range picked {
		fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (p *Processor) matchingGlossaryBlock(rt *runtime.EventRuntime, recent []store.TranscriptChunk) string {
	if rt.Glossary == nil {
		return ""
	}
	texts := make([]string, len(recent))
	for i, c := range recent {
		texts[i] = c.Text
	}
	entries := rt.Glossary.FindInText(strings.Join(texts, "\n"))
	if len(entries) > CardFactLimit {
		entries = entries[:CardFactLimit]
	}
	return runtime.FormatEntries(entries)
}

// ── Facts scheduling ───────────────────────────────────────────────────────────

// scheduleFacts marks the knowledge base dirty and arms the coalescing
// debounce timer if it is not already pending.
func (p *Processor) scheduleFacts(rt *runtime.EventRuntime) {
	if !rt.Enabled(store.AgentFacts) {
		return
	}
	rt.FactsDirty = true
	p.armFactsFlush(rt)
}

func (p *Processor) armFactsFlush(rt *runtime.EventRuntime) {
	if rt.FactsFlushScheduled {
		return
	}
	rt.FactsFlushScheduled = true
	mailbox := rt.Mailbox
	time.AfterFunc(p.factsDebounce, func() {
		if err := mailbox.Enqueue(runtime.FlushFactsCmd{}); err != nil {
			p.log.Warn("facts flush enqueue failed",
				"event_id", rt.EventID, "error", err)
		}
	})
}

// FlushFacts issues one facts prompt if the knowledge base is dirty and
// no facts request is already in flight.
func (p *Processor) FlushFacts(ctx context.Context, rt *runtime.EventRuntime) {
	rt.FactsFlushScheduled = false
	if !rt.FactsDirty || rt.Status != runtime.StatusRunning {
		return
	}
	if rt.FactsInFlight {
		if p.now().Sub(rt.FactsSentAt) < factsResponseTimeout {
			// At most one facts request in flight; try again later.
			p.armFactsFlush(rt)
			return
		}
		// The previous request never completed; treat it as abandoned.
		p.log.Warn("facts request timed out in flight", "event_id", rt.EventID)
		rt.FactsInFlight = false
	}

	slot := rt.Slot(store.AgentFacts)
	if slot.Driver == nil {
		return
	}

	rt.FactsDirty = false
	rt.FactsInFlight = true
	rt.FactsSentAt = p.now()

	turn := agents.BuildFactsTurn(
		rt.Facts.GetContextFormat(),
		rt.Ring.GetRecentText(recentTextChunks, recentTextMaxChars),
	)
	if err := slot.Driver.Send(ctx, turn, true); err != nil {
		rt.FactsInFlight = false
		rt.FactsDirty = true
		p.log.Warn("facts prompt send failed", "event_id", rt.EventID, "error", err)
	}
}

// ── Output normalisation ───────────────────────────────────────────────────────

// cardPayload is the on-the-wire card format pushed downstream.
type cardPayload struct {
	Kind          string               `json:"kind,omitempty"`
	CardType      string               `json:"card_type"`
	Title         string               `json:"title"`
	Body          *string              `json:"body"`
	Label         *string              `json:"label"`
	ImageURL      *string              `json:"image_url"`
	SourceSeq     uint64               `json:"source_seq"`
	ConceptID     string               `json:"concept_id,omitempty"`
	ConceptLabel  string               `json:"concept_label,omitempty"`
	TemplateID    string               `json:"template_id,omitempty"`
	TemplateLabel string               `json:"template_label,omitempty"`
	VisualRequest *store.VisualRequest `json:"visual_request,omitempty"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func wireCard(card store.Card) cardPayload {
	return cardPayload{
		Kind:          card.Kind,
		CardType:      card.CardType,
		Title:         card.Title,
		Body:          nullable(card.Body),
		Label:         nullable(card.Label),
		ImageURL:      nullable(card.ImageURL),
		SourceSeq:     card.SourceSeq,
		ConceptID:     card.ConceptID,
		ConceptLabel:  card.ConceptLabel,
		TemplateID:    card.TemplateID,
		TemplateLabel: card.TemplateLabel,
		VisualRequest: card.VisualRequest,
	}
}

// HandleCardResponse attaches the pending concept, persists the card
// once per (event, source_seq, concept_id), and pushes it downstream.
func (p *Processor) HandleCardResponse(ctx context.Context, rt *runtime.EventRuntime, card store.Card) {
	if pc, ok := rt.PendingCardConcepts[card.SourceSeq]; ok {
		card.ConceptID = pc.ConceptID
		card.ConceptLabel = pc.ConceptLabel
		delete(rt.PendingCardConcepts, card.SourceSeq)
	}
	if card.ConceptID == "" {
		card.ConceptID = Slug(card.Title)
	}
	card.EventID = rt.EventID

	wctx, cancel := context.WithTimeout(ctx, storeTimeout)
	inserted, err := p.store.InsertCard(wctx, card)
	cancel()
	if err != nil {
		p.log.Error("card persist failed",
			"event_id", rt.EventID, "seq", card.SourceSeq, "error", err)
		return
	}
	if !inserted {
		p.log.Info("duplicate card suppressed",
			"event_id", rt.EventID, "seq", card.SourceSeq, "concept_id", card.ConceptID)
		return
	}

	payload, err := json.Marshal(wireCard(card))
	if err == nil {
		octx, cancel := context.WithTimeout(ctx, storeTimeout)
		if aerr := p.store.AppendOutput(octx, store.AgentOutput{
			EventID:    rt.EventID,
			AgentType:  store.AgentCards,
			OutputType: "card",
			SourceSeq:  card.SourceSeq,
			Payload:    payload,
		}); aerr != nil {
			p.log.Warn("card output append failed", "event_id", rt.EventID, "error", aerr)
		}
		cancel()
	}

	rt.Cards.Add(card)
	rt.UpdatedAt = p.now()

	if env, err := push.Marshal(push.TypeCardCreated, rt.EventID, wireCard(card)); err == nil {
		p.pub.Publish(ctx, env)
	}
	if p.metrics != nil {
		p.metrics.RecordCardEmitted(ctx, card.CardType)
	}
	p.log.Info("card emitted",
		"event_id", rt.EventID, "seq", card.SourceSeq,
		"concept_id", card.ConceptID, "card_type", card.CardType)
}

// decodeFactValue interprets a model-supplied value: JSON strings are
// unquoted, anything else keeps its raw JSON text.
func decodeFactValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// HandleFactsResponse applies one parsed facts array: in-memory upserts,
// durable reconciliation, the append log, eviction batching, and the
// fact_update push.
func (p *Processor) HandleFactsResponse(ctx context.Context, rt *runtime.EventRuntime, updates []agents.FactUpdate) {
	rt.FactsInFlight = false

	var evicted []string
	applied := make([]agents.FactUpdate, 0, len(updates))

	for _, u := range updates {
		if u.Status == "inactive" || u.Status == "deleted" {
			rt.Facts.Prune(u.Key)
			continue
		}
		value := decodeFactValue(u.Value)
		evicted = append(evicted, rt.Facts.Upsert(
			u.Key, value, u.Confidence, rt.TranscriptLastSeq, strconv.FormatUint(rt.TranscriptLastSeq, 10),
		)...)

		live, ok := rt.Facts.Get(u.Key)
		if !ok {
			// Evicted immediately by capacity enforcement.
			continue
		}
		applied = append(applied, u)

		fact := store.Fact{
			EventID:     rt.EventID,
			Key:         u.Key,
			Value:       u.Value,
			Confidence:  live.Confidence,
			LastSeenSeq: live.LastSeenSeq,
			Sources:     live.Sources,
		}
		wctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := p.store.UpsertFact(wctx, fact); err != nil {
			p.log.Warn("fact persist failed",
				"event_id", rt.EventID, "key", u.Key, "error", err)
		}
		cancel()

		if payload, err := json.Marshal(u); err == nil {
			octx, cancel := context.WithTimeout(ctx, storeTimeout)
			if aerr := p.store.AppendOutput(octx, store.AgentOutput{
				EventID:    rt.EventID,
				AgentType:  store.AgentFacts,
				OutputType: "fact",
				SourceSeq:  rt.TranscriptLastSeq,
				Payload:    payload,
			}); aerr != nil {
				p.log.Warn("fact output append failed", "event_id", rt.EventID, "error", aerr)
			}
			cancel()
		}
	}

	evicted = append(evicted, rt.Facts.DrainPruned()...)
	if len(evicted) > 0 {
		wctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := p.store.MarkFactsInactive(wctx, rt.EventID, evicted); err != nil {
			p.log.Warn("fact eviction reconcile failed",
				"event_id", rt.EventID, "keys", evicted, "error", err)
		}
		cancel()
	}

	if len(applied) > 0 {
		if env, err := push.Marshal(push.TypeFactUpdate, rt.EventID, map[string]any{
			"facts": applied,
		}); err == nil {
			p.pub.Publish(ctx, env)
		}
		if p.metrics != nil {
			p.metrics.FactsUpserts.Add(ctx, int64(len(applied)))
		}
	}
	rt.UpdatedAt = p.now()

	if rt.FactsDirty {
		p.armFactsFlush(rt)
	}
}

// ── Lifecycle commands ─────────────────────────────────────────────────────────

// HandleSessionStatusChange forwards the transition to the lifecycle
// chokepoint, which owns the durable session record and the slot's
// session-id bookkeeping.
func (p *Processor) HandleSessionStatusChange(ctx context.Context, rt *runtime.EventRuntime, agentType store.AgentType, status driver.Status, sessionID string) {
	if status == driver.StatusError {
		rt.Status = runtime.StatusError
	}
	rt.UpdatedAt = p.now()

	if p.onStatus != nil {
		p.onStatus(ctx, rt, agentType, status, sessionID)
	}
}

// HandlePause suppresses card and facts triggering; transcripts keep
// accumulating in the ring buffer.
func (p *Processor) HandlePause(ctx context.Context, rt *runtime.EventRuntime) {
	rt.Status = runtime.StatusPaused
	rt.UpdatedAt = p.now()
	p.Checkpoint(ctx, rt)
}

// HandleResume returns the runtime to running and reschedules a facts
// flush if work accumulated while paused.
func (p *Processor) HandleResume(ctx context.Context, rt *runtime.EventRuntime) {
	rt.Status = runtime.StatusRunning
	rt.UpdatedAt = p.now()
	if rt.FactsDirty {
		p.armFactsFlush(rt)
	}
}

// HandleClose checkpoints and marks the runtime ended. Session teardown
// is the lifecycle layer's job.
func (p *Processor) HandleClose(ctx context.Context, rt *runtime.EventRuntime) {
	p.Checkpoint(ctx, rt)
	rt.Status = runtime.StatusEnded
	rt.UpdatedAt = p.now()
}

// Checkpoint persists the three per-agent sequence counters.
func (p *Processor) Checkpoint(ctx context.Context, rt *runtime.EventRuntime) {
	for _, cp := range []struct {
		agentType store.AgentType
		seq       uint64
	}{
		{store.AgentTranscript, rt.TranscriptLastSeq},
		{store.AgentCards, rt.CardsLastSeq},
		{store.AgentFacts, rt.FactsLastSeq},
	} {
		wctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := p.store.SaveCheckpoint(wctx, rt.EventID, cp.agentType, cp.seq)
		cancel()
		if err != nil {
			p.log.Warn("checkpoint save failed",
				"event_id", rt.EventID, "agent_type", cp.agentType, "error", err)
		}
	}
}
