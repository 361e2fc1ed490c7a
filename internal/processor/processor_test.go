package processor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/veyra-labs/briefwire/internal/agents"
	"github.com/veyra-labs/briefwire/internal/driver"
	"github.com/veyra-labs/briefwire/internal/runtime"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	realtimemock "github.com/veyra-labs/briefwire/pkg/provider/realtime/mock"
	"github.com/veyra-labs/briefwire/pkg/push"
	pushmock "github.com/veyra-labs/briefwire/pkg/push/mock"
	"github.com/veyra-labs/briefwire/pkg/store"
	storemock "github.com/veyra-labs/briefwire/pkg/store/mock"
)

type fixture struct {
	p   *Processor
	st  *storemock.Store
	pub *pushmock.Publisher
	rt  *runtime.EventRuntime

	cardsSess *realtimemock.Session
	factsSess *realtimemock.Session
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		st:  storemock.New(),
		pub: &pushmock.Publisher{},
	}
	cfg.Store = f.st
	cfg.Publisher = f.pub
	if cfg.FactsDebounce == 0 {
		cfg.FactsDebounce = 20 * time.Second // inert within a test run
	}
	f.p = New(cfg)

	f.rt = &runtime.EventRuntime{
		EventID: "ev-1",
		AgentID: "ag-1",
		Status:  runtime.StatusRunning,
		EnabledAgents: map[store.AgentType]bool{
			store.AgentTranscript: true,
			store.AgentCards:      true,
			store.AgentFacts:      true,
		},
		Ring:                runtime.NewRingBuffer(1000, 5*time.Minute),
		Facts:               runtime.NewFactsStore(50),
		Cards:               runtime.NewCardsStore(runtime.DefaultRecentCardSlots, runtime.DefaultCardFreshness),
		Glossary:            runtime.NewGlossaryCache(),
		PendingCardConcepts: make(map[uint64]runtime.PendingConcept),
		Mailbox:             runtime.NewMailbox(0, nil),
	}

	f.cardsSess = f.attachSession(t, store.AgentCards)
	f.factsSess = f.attachSession(t, store.AgentFacts)
	return f
}

func (f *fixture) attachSession(t *testing.T, agentType store.AgentType) *realtimemock.Session {
	t.Helper()
	sess := realtimemock.NewSession("sess-" + string(agentType))
	d := driver.New(driver.Config{
		AgentType: agentType,
		Provider:  &realtimemock.Provider{Session: sess},
	})
	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", agentType, err)
	}
	t.Cleanup(func() { d.Close() })
	f.rt.Slot(agentType).Driver = d
	return sess
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func finalChunk(seq uint64, text string) store.TranscriptChunk {
	return store.TranscriptChunk{EventID: "ev-1", Seq: seq, Text: text, Final: true}
}

// ── Transcript ingestion ───────────────────────────────────────────────────────

func TestHandleTranscript_AssignsSeqAndBackfills(t *testing.T) {
	f := newFixture(t, Config{})
	chunk := store.TranscriptChunk{Text: "hello there", Final: false}

	f.p.HandleTranscript(context.Background(), f.rt, chunk)

	if f.rt.TranscriptLastSeq != 1 || f.rt.CardsLastSeq != 1 || f.rt.FactsLastSeq != 1 {
		t.Errorf("seqs = %d/%d/%d, want 1/1/1",
			f.rt.TranscriptLastSeq, f.rt.CardsLastSeq, f.rt.FactsLastSeq)
	}
	rows := f.st.Transcripts["ev-1"]
	if len(rows) != 1 || rows[0].Seq != 1 {
		t.Errorf("back-filled rows = %+v", rows)
	}
	if got := len(f.rt.Ring.GetLastN(10)); got != 1 {
		t.Errorf("ring size = %d, want 1", got)
	}
}

func TestHandleTranscript_DuplicateDropped(t *testing.T) {
	f := newFixture(t, Config{})
	f.p.HandleTranscript(context.Background(), f.rt, finalChunk(1, "one"))
	f.p.HandleTranscript(context.Background(), f.rt, finalChunk(1, "one again"))

	if got := len(f.rt.Ring.GetLastN(10)); got != 1 {
		t.Errorf("ring size = %d, want 1", got)
	}
	if f.rt.TranscriptLastSeq != 1 {
		t.Errorf("last seq = %d, want 1", f.rt.TranscriptLastSeq)
	}
}

func TestHandleTranscript_EmptyDropped(t *testing.T) {
	f := newFixture(t, Config{})
	f.p.HandleTranscript(context.Background(), f.rt, finalChunk(1, ""))
	if got := len(f.rt.Ring.GetLastN(10)); got != 0 {
		t.Errorf("ring size = %d, want 0", got)
	}
}

func TestHandleTranscript_OverLengthTruncated(t *testing.T) {
	f := newFixture(t, Config{})
	f.p.HandleTranscript(context.Background(), f.rt,
		store.TranscriptChunk{Seq: 1, Text: strings.Repeat("a", maxTranscriptChars+10)})
	if got := len(f.rt.Ring.GetLastN(1)[0].Text); got != maxTranscriptChars {
		t.Errorf("text length = %d, want %d", got, maxTranscriptChars)
	}
}

// ── Card trigger ───────────────────────────────────────────────────────────────

func TestCardTrigger_FiresOnRepeatedConcept(t *testing.T) {
	f := newFixture(t, Config{})

	f.p.HandleTranscript(context.Background(), f.rt,
		finalChunk(1, "so the key idea here is vector embeddings for retrieval"))
	f.p.HandleTranscript(context.Background(), f.rt,
		finalChunk(2, "right, vector embeddings map text into dense space"))

	waitFor(t, func() bool { return len(f.cardsSess.Turns()) == 1 }, "cards prompt sent")
	turn := f.cardsSess.Turns()[0].Turn
	if !turn.ResponseExpected {
		t.Error("cards turn must expect a response")
	}
	if !strings.Contains(turn.Text, "vector embeddings") ||
		!strings.Contains(turn.Text, "source_seq=2") {
		t.Errorf("turn text = %q", turn.Text)
	}

	pc, ok := f.rt.PendingCardConcepts[2]
	if !ok || pc.ConceptID != "vector-embeddings" {
		t.Errorf("pending concepts = %+v", f.rt.PendingCardConcepts)
	}
}

func TestCardTrigger_RequiresMinChunks(t *testing.T) {
	f := newFixture(t, Config{})
	f.p.HandleTranscript(context.Background(), f.rt,
		finalChunk(1, "vector embeddings, vector embeddings, vector embeddings"))

	time.Sleep(20 * time.Millisecond)
	if got := len(f.cardsSess.Turns()); got != 0 {
		t.Errorf("cards turns = %d, want 0", got)
	}
}

func TestCardTrigger_SuppressedWithinFreshness(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.Cards.Add(store.Card{
		EventID: "ev-1", ConceptID: "vector-embeddings",
		CardType: "text", Title: "Vector Embeddings", SourceSeq: 1,
	})

	f.p.HandleTranscript(context.Background(), f.rt,
		finalChunk(2, "more about vector embeddings now"))
	f.p.HandleTranscript(context.Background(), f.rt,
		finalChunk(3, "vector embeddings keep coming up"))

	time.Sleep(20 * time.Millisecond)
	if got := len(f.cardsSess.Turns()); got != 0 {
		t.Errorf("cards turns = %d, want 0", got)
	}
	if len(f.rt.PendingCardConcepts) != 0 {
		t.Errorf("pending concepts = %+v", f.rt.PendingCardConcepts)
	}
}

func TestCardTrigger_SkippedWhilePaused(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.Status = runtime.StatusPaused

	f.p.HandleTranscript(context.Background(), f.rt,
		finalChunk(1, "vector embeddings again"))
	f.p.HandleTranscript(context.Background(), f.rt,
		finalChunk(2, "vector embeddings once more"))

	time.Sleep(20 * time.Millisecond)
	if got := len(f.cardsSess.Turns()); got != 0 {
		t.Errorf("cards turns = %d, want 0", got)
	}
	// Transcripts keep accumulating while paused.
	if got := len(f.rt.Ring.GetLastN(10)); got != 2 {
		t.Errorf("ring size = %d, want 2", got)
	}
}

// ── Card responses ─────────────────────────────────────────────────────────────

func TestHandleCardResponse_PersistsAndPushes(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.PendingCardConcepts[2] = runtime.PendingConcept{
		ConceptID: "vector-embeddings", ConceptLabel: "vector embeddings",
		TriggeredAt: time.Now(),
	}

	f.p.HandleCardResponse(context.Background(), f.rt, store.Card{
		CardType: "text", Title: "Vector Embeddings",
		Body: "Dense numeric representations of text.", SourceSeq: 2,
	})

	if len(f.rt.PendingCardConcepts) != 0 {
		t.Error("pending concept not consumed")
	}
	if len(f.st.Cards) != 1 {
		t.Fatalf("persisted cards = %d, want 1", len(f.st.Cards))
	}
	for _, c := range f.st.Cards {
		if c.ConceptID != "vector-embeddings" || c.EventID != "ev-1" {
			t.Errorf("persisted card = %+v", c)
		}
	}
	if len(f.st.Outputs) != 1 || f.st.Outputs[0].OutputType != "card" {
		t.Errorf("outputs = %+v", f.st.Outputs)
	}

	envs := f.pub.ByType(push.TypeCardCreated)
	if len(envs) != 1 {
		t.Fatalf("card_created envelopes = %d, want 1", len(envs))
	}
	var payload struct {
		CardType  string  `json:"card_type"`
		Title     string  `json:"title"`
		Body      *string `json:"body"`
		Label     *string `json:"label"`
		SourceSeq uint64  `json:"source_seq"`
	}
	if err := json.Unmarshal(envs[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.CardType != "text" || payload.SourceSeq != 2 || payload.Body == nil {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Label != nil {
		t.Error("text card must carry a null label")
	}
}

func TestHandleCardResponse_DuplicateSuppressed(t *testing.T) {
	f := newFixture(t, Config{})
	card := store.Card{
		CardType: "text", Title: "RAG", Body: "Retrieval augmented generation.",
		SourceSeq: 3, ConceptID: "rag",
	}
	f.p.HandleCardResponse(context.Background(), f.rt, card)
	f.p.HandleCardResponse(context.Background(), f.rt, card)

	if len(f.st.Cards) != 1 {
		t.Errorf("persisted cards = %d, want 1", len(f.st.Cards))
	}
	if len(f.st.Outputs) != 1 {
		t.Errorf("outputs = %d, want 1", len(f.st.Outputs))
	}
	if got := len(f.pub.ByType(push.TypeCardCreated)); got != 1 {
		t.Errorf("card_created envelopes = %d, want 1", got)
	}
}

func TestHandleCardResponse_ConceptFallsBackToTitleSlug(t *testing.T) {
	f := newFixture(t, Config{})
	f.p.HandleCardResponse(context.Background(), f.rt, store.Card{
		CardType: "text", Title: "Beam Search", Body: "b", SourceSeq: 7,
	})
	for _, c := range f.st.Cards {
		if c.ConceptID != "beam-search" {
			t.Errorf("concept id = %q, want beam-search", c.ConceptID)
		}
	}
}

// ── Facts flush ────────────────────────────────────────────────────────────────

func TestFlushFacts_SendsOnePrompt(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.Ring.Add(finalChunk(1, "the topic today is beam search"))
	f.rt.FactsDirty = true

	f.p.FlushFacts(context.Background(), f.rt)

	if !f.rt.FactsInFlight || f.rt.FactsDirty {
		t.Errorf("in_flight=%v dirty=%v", f.rt.FactsInFlight, f.rt.FactsDirty)
	}
	waitFor(t, func() bool { return len(f.factsSess.Turns()) == 1 }, "facts prompt sent")
	turn := f.factsSess.Turns()[0].Turn
	if !turn.ResponseExpected || !strings.Contains(turn.Text, "JSON array") {
		t.Errorf("turn = %+v", turn)
	}
}

func TestFlushFacts_AtMostOneInFlight(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.FactsDirty = true
	f.p.FlushFacts(context.Background(), f.rt)
	waitFor(t, func() bool { return len(f.factsSess.Turns()) == 1 }, "first facts prompt")

	// Dirty again while the response is outstanding: must reschedule, not send.
	f.rt.FactsDirty = true
	f.p.FlushFacts(context.Background(), f.rt)

	if !f.rt.FactsFlushScheduled {
		t.Error("flush not rescheduled while in flight")
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(f.factsSess.Turns()); got != 1 {
		t.Errorf("facts turns = %d, want 1", got)
	}
}

func TestFlushFacts_StaleInFlightRecovered(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.FactsDirty = true
	f.rt.FactsInFlight = true
	f.rt.FactsSentAt = time.Now().Add(-time.Minute)

	f.p.FlushFacts(context.Background(), f.rt)

	waitFor(t, func() bool { return len(f.factsSess.Turns()) == 1 }, "recovered facts prompt")
	if !f.rt.FactsInFlight {
		t.Error("new request not marked in flight")
	}
}

func TestFlushFacts_SkippedWhilePaused(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.Status = runtime.StatusPaused
	f.rt.FactsDirty = true

	f.p.FlushFacts(context.Background(), f.rt)

	time.Sleep(20 * time.Millisecond)
	if got := len(f.factsSess.Turns()); got != 0 {
		t.Errorf("facts turns = %d, want 0", got)
	}
	if !f.rt.FactsDirty {
		t.Error("dirty flag must survive a paused flush")
	}
}

func TestScheduleFacts_DebounceCoalesces(t *testing.T) {
	f := newFixture(t, Config{FactsDebounce: 15 * time.Millisecond})

	f.p.HandleTranscript(context.Background(), f.rt, finalChunk(1, "one"))
	f.p.HandleTranscript(context.Background(), f.rt, finalChunk(2, "two"))

	waitFor(t, func() bool { return f.rt.Mailbox.Depth() == 1 }, "flush command enqueued")
	time.Sleep(30 * time.Millisecond)
	if got := f.rt.Mailbox.Depth(); got != 1 {
		t.Errorf("mailbox depth = %d, want 1 coalesced flush", got)
	}
}

// ── Facts responses ────────────────────────────────────────────────────────────

func TestHandleFactsResponse_UpsertsAndReconciles(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.TranscriptLastSeq = 9
	f.rt.FactsInFlight = true
	f.rt.Facts.Upsert("stale_topic", "old", 0.5, 1, "1")

	f.p.HandleFactsResponse(context.Background(), f.rt, []agents.FactUpdate{
		{Key: "main_topic", Value: json.RawMessage(`"beam search"`), Confidence: 0.9},
		{Key: "stale_topic", Status: "inactive"},
	})

	if f.rt.FactsInFlight {
		t.Error("in-flight flag not cleared")
	}
	if fact, ok := f.rt.Facts.Get("main_topic"); !ok || fact.Value != "beam search" {
		t.Errorf("in-memory fact = %+v ok=%v", fact, ok)
	}
	if _, ok := f.rt.Facts.Get("stale_topic"); ok {
		t.Error("inactive fact not pruned")
	}

	if f.st.CallCount("UpsertFact") != 1 {
		t.Errorf("UpsertFact calls = %d", f.st.CallCount("UpsertFact"))
	}
	if f.st.CallCount("MarkFactsInactive") != 1 {
		t.Errorf("MarkFactsInactive calls = %d", f.st.CallCount("MarkFactsInactive"))
	}
	if len(f.st.Outputs) != 1 || f.st.Outputs[0].OutputType != "fact" {
		t.Errorf("outputs = %+v", f.st.Outputs)
	}
	if got := len(f.pub.ByType(push.TypeFactUpdate)); got != 1 {
		t.Errorf("fact_update envelopes = %d, want 1", got)
	}
}

func TestHandleFactsResponse_DecodesValues(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.FactsInFlight = true

	f.p.HandleFactsResponse(context.Background(), f.rt, []agents.FactUpdate{
		{Key: "quote", Value: json.RawMessage(`"she said \"hi\""`), Confidence: 0.8},
		{Key: "attendees", Value: json.RawMessage(`42`), Confidence: 0.8},
	})

	if fact, ok := f.rt.Facts.Get("quote"); !ok || fact.Value != `she said "hi"` {
		t.Errorf("escaped string fact = %+v ok=%v", fact, ok)
	}
	if fact, ok := f.rt.Facts.Get("attendees"); !ok || fact.Value != "42" {
		t.Errorf("non-string fact = %+v ok=%v", fact, ok)
	}
}

func TestHandleFactsResponse_ReschedulesWhenDirty(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.FactsInFlight = true
	f.rt.FactsDirty = true

	f.p.HandleFactsResponse(context.Background(), f.rt, nil)

	if !f.rt.FactsFlushScheduled {
		t.Error("dirty runtime must rearm the flush timer")
	}
}

// ── Lifecycle ──────────────────────────────────────────────────────────────────

func TestHandleSessionStatusChange(t *testing.T) {
	f := newFixture(t, Config{})
	var gotType store.AgentType
	var gotStatus driver.Status
	f.p.SetStatusSink(func(_ context.Context, _ *runtime.EventRuntime, at store.AgentType, st driver.Status, _ string) {
		gotType, gotStatus = at, st
	})

	f.p.HandleSessionStatusChange(context.Background(), f.rt,
		store.AgentCards, driver.StatusActive, "sess-42")

	if gotType != store.AgentCards || gotStatus != driver.StatusActive {
		t.Errorf("sink got %v/%v", gotType, gotStatus)
	}

	f.p.HandleSessionStatusChange(context.Background(), f.rt,
		store.AgentFacts, driver.StatusError, "")
	if f.rt.Status != runtime.StatusError {
		t.Errorf("runtime status = %v, want error", f.rt.Status)
	}
}

func TestPauseResumeClose(t *testing.T) {
	f := newFixture(t, Config{})
	f.rt.TranscriptLastSeq, f.rt.CardsLastSeq, f.rt.FactsLastSeq = 5, 4, 3

	f.p.HandlePause(context.Background(), f.rt)
	if f.rt.Status != runtime.StatusPaused {
		t.Errorf("status = %v, want paused", f.rt.Status)
	}
	if f.st.CallCount("SaveCheckpoint") != 3 {
		t.Errorf("SaveCheckpoint calls = %d, want 3", f.st.CallCount("SaveCheckpoint"))
	}

	f.rt.FactsDirty = true
	f.p.HandleResume(context.Background(), f.rt)
	if f.rt.Status != runtime.StatusRunning || !f.rt.FactsFlushScheduled {
		t.Errorf("status=%v scheduled=%v", f.rt.Status, f.rt.FactsFlushScheduled)
	}

	f.p.HandleClose(context.Background(), f.rt)
	if f.rt.Status != runtime.StatusEnded {
		t.Errorf("status = %v, want ended", f.rt.Status)
	}
	if f.st.CallCount("SaveCheckpoint") != 6 {
		t.Errorf("SaveCheckpoint calls = %d, want 6", f.st.CallCount("SaveCheckpoint"))
	}
}

func TestHandleAppendAudio(t *testing.T) {
	f := newFixture(t, Config{})
	transcriptSess := f.attachSession(t, store.AgentTranscript)

	f.p.HandleAppendAudio(context.Background(), f.rt, realtime.AudioChunk{
		AudioBase64: "AAAA", Speaker: "alice",
	})

	if f.rt.PendingTranscript.Speaker != "alice" {
		t.Errorf("pending meta = %+v", f.rt.PendingTranscript)
	}
	waitFor(t, func() bool { return len(transcriptSess.Audios()) == 1 }, "audio forwarded")
}
