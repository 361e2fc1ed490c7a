// Package lifecycle maps event runtimes onto concrete model sessions:
// it builds the per-agent SessionDrivers, routes their inbound events
// into the runtime mailbox, and owns the single chokepoint through which
// every session status transition reaches the durable store.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veyra-labs/briefwire/internal/agents"
	"github.com/veyra-labs/briefwire/internal/driver"
	"github.com/veyra-labs/briefwire/internal/observe"
	"github.com/veyra-labs/briefwire/internal/runtime"
	"github.com/veyra-labs/briefwire/pkg/provider/embeddings"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

const toolResultTimeout = 10 * time.Second

// Config configures a Lifecycle.
type Config struct {
	Store    store.Store
	Factory  *Factory
	Embedder embeddings.Provider
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Lifecycle owns session construction, event routing and the durable
// session-record chokepoint. One instance serves every runtime.
type Lifecycle struct {
	store    store.Store
	factory  *Factory
	embedder embeddings.Provider
	metrics  *observe.Metrics
	log      *slog.Logger

	// pushStatus, when set, publishes a status_update after every durable
	// session-record change. Installed by the orchestrator.
	pushStatus func(ctx context.Context, rt *runtime.EventRuntime)

	mu sync.Mutex
	// transcript handler markers, keyed by event id. attachedTo records
	// which driver a handler was last attached to so attachment is
	// idempotent per session.
	handlers   map[string]*agents.TranscriptHandler
	attachedTo map[string]*driver.Driver
}

// New creates a Lifecycle.
func New(cfg Config) *Lifecycle {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		store:      cfg.Store,
		factory:    cfg.Factory,
		embedder:   cfg.Embedder,
		metrics:    cfg.Metrics,
		log:        log,
		handlers:   make(map[string]*agents.TranscriptHandler),
		attachedTo: make(map[string]*driver.Driver),
	}
}

// SetStatusPusher installs the status_update publisher callback. Must be
// called before any session is created.
func (l *Lifecycle) SetStatusPusher(fn func(ctx context.Context, rt *runtime.EventRuntime)) {
	l.pushStatus = fn
}

// ── Session construction ───────────────────────────────────────────────────────

// CreateRealtimeSessions builds a driver for every enabled agent type
// and clears the slots of disabled ones. Drivers are created, not
// connected.
func (l *Lifecycle) CreateRealtimeSessions(rt *runtime.EventRuntime, modelSetOverride string) error {
	set, err := l.factory.Resolve(modelSetOverride)
	if err != nil {
		return err
	}

	for _, at := range store.AllAgentTypes {
		slot := rt.Slot(at)
		if !rt.Enabled(at) {
			slot.Driver = nil
			continue
		}
		if slot.Driver != nil {
			continue
		}
		slot.Driver = l.buildDriver(rt, at, set)
	}
	return nil
}

func (l *Lifecycle) buildDriver(rt *runtime.EventRuntime, agentType store.AgentType, set ModelSet) *driver.Driver {
	eventID := rt.EventID
	mailbox := rt.Mailbox

	onStatus := func(at store.AgentType, st driver.Status, sessionID string) {
		err := mailbox.Enqueue(runtime.SessionStatusChangeCmd{
			AgentType: at, Status: st, SessionID: sessionID,
		})
		if err != nil {
			l.dropped(eventID, "session_status")
		}
	}

	// The driver is assigned after construction; event closures run only
	// once the session is connected, by which time d is set.
	var d *driver.Driver
	var onEvent driver.EventCallback
	switch agentType {
	case store.AgentTranscript:
		onEvent = func(evt realtime.ServerEvent) {
			l.mu.Lock()
			h := l.handlers[eventID]
			l.mu.Unlock()
			if h == nil {
				l.log.Warn("transcript event before handler attach", "event_id", eventID)
				return
			}
			h.HandleEvent(context.Background(), evt)
		}
	case store.AgentCards:
		cardsH := agents.NewCardsHandler(eventID, l.log)
		tools := agents.NewTools(eventID, l.embedder, l.store, l.metrics, l.log)
		onEvent = func(evt realtime.ServerEvent) {
			l.routeCardsEvent(eventID, mailbox, d, cardsH, tools, evt)
		}
	case store.AgentFacts:
		factsH := agents.NewFactsHandler(eventID, l.log)
		tools := agents.NewTools(eventID, l.embedder, l.store, l.metrics, l.log)
		onEvent = func(evt realtime.ServerEvent) {
			l.routeFactsEvent(eventID, mailbox, d, factsH, tools, evt)
		}
	}

	d = l.factory.NewDriver(eventID, agentType, set, toolsFor(agentType), onStatus, onEvent)
	return d
}

func (l *Lifecycle) routeCardsEvent(eventID string, mailbox *runtime.Mailbox, d *driver.Driver,
	h *agents.CardsHandler, tools *agents.Tools, evt realtime.ServerEvent) {

	switch evt.Type {
	case realtime.EventToolCall:
		if evt.ToolName == agents.ToolProduceCard {
			card, ok := h.HandleToolCall(evt)
			l.sendToolResult(d, evt.ToolCallID, json.RawMessage(`{"status":"accepted"}`))
			if !ok {
				return
			}
			if err := mailbox.Enqueue(runtime.HandleCardResponseCmd{Card: card}); err != nil {
				l.dropped(eventID, "card_response")
			}
			return
		}
		l.handleTool(eventID, d, tools, evt)

	case realtime.EventResponseDone:
		h.EndTurn()

	case realtime.EventError:
		l.log.Warn("cards session error event", "event_id", eventID, "error", evt.Err)
	}
}

func (l *Lifecycle) routeFactsEvent(eventID string, mailbox *runtime.Mailbox, d *driver.Driver,
	h *agents.FactsHandler, tools *agents.Tools, evt realtime.ServerEvent) {

	switch evt.Type {
	case realtime.EventToolCall:
		l.handleTool(eventID, d, tools, evt)

	case realtime.EventResponseTextDelta, realtime.EventResponseTextDone:
		updates, done := h.HandleEvent(evt)
		if !done {
			return
		}
		if err := mailbox.Enqueue(runtime.HandleFactsResponseCmd{Updates: updates}); err != nil {
			l.dropped(eventID, "facts_response")
		}

	case realtime.EventError:
		l.log.Warn("facts session error event", "event_id", eventID, "error", evt.Err)
	}
}

// handleTool executes a retrieve/embed call and returns its output to
// the session. Tool failures are reported to the model, not the caller.
func (l *Lifecycle) handleTool(eventID string, d *driver.Driver, tools *agents.Tools, evt realtime.ServerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), toolResultTimeout)
	defer cancel()

	out, err := tools.Handle(ctx, evt.ToolName, json.RawMessage(evt.ToolArgs))
	if err != nil {
		l.log.Warn("tool call failed",
			"event_id", eventID, "tool", evt.ToolName, "error", err)
		out, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	l.sendToolResult(d, evt.ToolCallID, out)
}

func (l *Lifecycle) sendToolResult(d *driver.Driver, callID string, output json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), toolResultTimeout)
	defer cancel()
	if err := d.SendToolResult(ctx, callID, output); err != nil {
		l.log.Warn("tool result send failed", "call_id", callID, "error", err)
	}
}

func (l *Lifecycle) dropped(eventID, reason string) {
	l.log.Warn("mailbox full, dropping session event",
		"event_id", eventID, "reason", reason)
	if l.metrics != nil {
		l.metrics.RecordDroppedCommand(context.Background(), reason)
	}
}

// ── Transcript handler attachment ──────────────────────────────────────────────

// AttachTranscriptHandler wires the transcript session's events into the
// runtime mailbox. Idempotent per driver: re-attaching to the same
// driver is a no-op; a new driver (after session re-creation) gets a
// fresh handler seeded from the runtime's current seq.
func (l *Lifecycle) AttachTranscriptHandler(rt *runtime.EventRuntime) {
	slot := rt.Slot(store.AgentTranscript)
	if slot.Driver == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attachedTo[rt.EventID] == slot.Driver {
		return
	}

	var seq atomic.Uint64
	seq.Store(rt.MaxSeq())
	mailbox := rt.Mailbox
	eventID := rt.EventID
	sink := func(chunk store.TranscriptChunk) {
		if err := mailbox.Enqueue(runtime.HandleTranscriptCmd{Chunk: chunk}); err != nil {
			l.dropped(eventID, "transcript")
		}
	}

	l.handlers[eventID] = agents.NewTranscriptHandler(
		eventID, l.store,
		func() uint64 { return seq.Add(1) },
		sink,
		l.log,
	)
	l.attachedTo[eventID] = slot.Driver
	slot.HandlerAttached = true
}

// SetTranscriptMeta forwards speaker/timing metadata to the attached
// transcript handler ahead of the next completed transcription.
func (l *Lifecycle) SetTranscriptMeta(eventID string, meta agents.PendingMeta) {
	l.mu.Lock()
	h := l.handlers[eventID]
	l.mu.Unlock()
	if h != nil {
		h.SetPendingMeta(meta)
	}
}

// DetachEvent drops the per-event handler state. Called on runtime
// removal.
func (l *Lifecycle) DetachEvent(eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, eventID)
	delete(l.attachedTo, eventID)
}

// ── Connect / pause / resume / close ───────────────────────────────────────────

// ConnectSessions connects every enabled session in parallel and returns
// the provider session ids by agent type. Disabled agents get their
// durable rows reset to closed.
func (l *Lifecycle) ConnectSessions(ctx context.Context, rt *runtime.EventRuntime) (map[store.AgentType]string, error) {
	var mu sync.Mutex
	ids := make(map[store.AgentType]string)

	g, gctx := errgroup.WithContext(ctx)
	var disabled []store.AgentType
	for _, at := range store.AllAgentTypes {
		if !rt.Enabled(at) {
			disabled = append(disabled, at)
			continue
		}
		slot := rt.Slot(at)
		if slot.Driver == nil {
			continue
		}
		at, d := at, slot.Driver
		g.Go(func() error {
			id, err := d.Connect(gctx)
			if err != nil {
				return fmt.Errorf("lifecycle: connect %s session: %w", at, err)
			}
			mu.Lock()
			ids[at] = id
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ids, err
	}
	if len(disabled) > 0 {
		l.ResetDisabledSessions(ctx, rt.EventID, disabled)
	}
	return ids, nil
}

// ResetDisabledSessions writes status=closed on the durable rows of
// agent types this event does not run.
func (l *Lifecycle) ResetDisabledSessions(ctx context.Context, eventID string, agentTypes []store.AgentType) {
	for _, at := range agentTypes {
		err := l.store.UpdateSessionStatus(ctx, eventID, at, store.SessionClosed, "")
		if err != nil {
			l.log.Warn("disabled session reset failed",
				"event_id", eventID, "agent_type", at, "error", err)
		}
	}
}

// PauseSessions pauses every live driver.
func (l *Lifecycle) PauseSessions(rt *runtime.EventRuntime) {
	for _, at := range store.AllAgentTypes {
		if d := rt.Slot(at).Driver; d != nil {
			d.Pause()
		}
	}
}

// ResumeSessions resumes every live driver in parallel.
func (l *Lifecycle) ResumeSessions(ctx context.Context, rt *runtime.EventRuntime) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, at := range store.AllAgentTypes {
		d := rt.Slot(at).Driver
		if d == nil {
			continue
		}
		at, d := at, d
		g.Go(func() error {
			if _, err := d.Resume(gctx); err != nil {
				return fmt.Errorf("lifecycle: resume %s session: %w", at, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CloseSessions closes every live driver in parallel. Close errors are
// logged, not returned; the sessions are gone either way.
func (l *Lifecycle) CloseSessions(rt *runtime.EventRuntime) {
	var wg sync.WaitGroup
	for _, at := range store.AllAgentTypes {
		d := rt.Slot(at).Driver
		if d == nil {
			continue
		}
		wg.Add(1)
		at, d := at, d
		go func() {
			defer wg.Done()
			if err := d.Close(); err != nil {
				l.log.Warn("session close failed",
					"event_id", rt.EventID, "agent_type", at, "error", err)
			}
		}()
	}
	wg.Wait()
}

// ── Status chokepoint ──────────────────────────────────────────────────────────

// HandleSessionStatusChange is the single path from a driver status
// transition to the durable session record. It runs on the runtime
// actor (via the processor's status sink).
func (l *Lifecycle) HandleSessionStatusChange(ctx context.Context, rt *runtime.EventRuntime,
	agentType store.AgentType, status driver.Status, sessionID string) {

	slot := rt.Slot(agentType)
	prev := slot.LastDriverStatus
	prevID := slot.SessionID
	slot.LastDriverStatus = status
	if sessionID != "" {
		slot.SessionID = sessionID
	}

	var durable store.SessionStatus
	var eventType string
	switch {
	case status == driver.StatusActive && sessionID != "":
		durable = store.SessionActive
		eventType = "connected"
		if prev == driver.StatusPaused {
			eventType = "resumed"
		}
		if err := l.store.BumpConnection(ctx, rt.EventID, agentType); err != nil {
			l.log.Warn("connection counter bump failed",
				"event_id", rt.EventID, "agent_type", agentType, "error", err)
		}
		if prevID != "" && l.metrics != nil {
			l.metrics.RecordReconnect(ctx, string(agentType))
		}

	case status == driver.StatusPaused:
		durable, eventType = store.SessionPaused, "paused"
	case status == driver.StatusError:
		durable, eventType = store.SessionError, "error"
	case status == driver.StatusClosed:
		durable, eventType = store.SessionClosed, "closed"
	default:
		durable, eventType = store.SessionDisconnected, "disconnected"
	}

	if err := l.store.UpdateSessionStatus(ctx, rt.EventID, agentType, durable, slot.SessionID); err != nil {
		l.log.Warn("session status write failed",
			"event_id", rt.EventID, "agent_type", agentType, "status", durable, "error", err)
	}
	if err := l.store.LogSessionEvent(ctx, store.SessionEvent{
		ID:                uuid.NewString(),
		EventID:           rt.EventID,
		AgentID:           rt.AgentID,
		AgentType:         agentType,
		EventType:         eventType,
		ProviderSessionID: slot.SessionID,
		At:                time.Now(),
	}); err != nil {
		l.log.Warn("session history write failed",
			"event_id", rt.EventID, "agent_type", agentType, "error", err)
	}

	l.log.Info("session status",
		"event_id", rt.EventID, "agent_type", agentType,
		"status", status, "event_type", eventType, "session_id", slot.SessionID)

	if l.pushStatus != nil {
		l.pushStatus(ctx, rt)
	}
}
