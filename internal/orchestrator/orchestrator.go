// Package orchestrator is the control-plane facade of the worker: it
// owns runtime startup and teardown, the transcript change-feed
// subscription, the background pollers and the status updater, and maps
// external requests onto runtime mailbox commands.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veyra-labs/briefwire/internal/lifecycle"
	"github.com/veyra-labs/briefwire/internal/observe"
	"github.com/veyra-labs/briefwire/internal/processor"
	"github.com/veyra-labs/briefwire/internal/runtime"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/push"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Sentinel errors surfaced to the control plane.
var (
	// ErrBusy reports a saturated runtime mailbox; callers must back off.
	ErrBusy = errors.New("orchestrator: runtime busy")

	// ErrNotFound reports a missing runtime, or an agent not at the
	// required stage.
	ErrNotFound = errors.New("orchestrator: not found")
)

const (
	// testingWindow is how recently session rows must have been created
	// for StartSessionsForTesting to act.
	testingWindow = 60 * time.Second

	defaultSummaryInterval = 60 * time.Second
)

// Config configures an Orchestrator.
type Config struct {
	Store     store.Store
	Manager   *runtime.Manager
	Lifecycle *lifecycle.Lifecycle
	Factory   *lifecycle.Factory
	Processor *processor.Processor
	Publisher push.Publisher
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// ResumeLimit bounds how many running agents are resumed at startup.
	ResumeLimit int

	// SummaryInterval is the period of the per-runtime checkpoint timer.
	SummaryInterval time.Duration
}

// Orchestrator is the facade. One instance per process.
type Orchestrator struct {
	store     store.Store
	manager   *runtime.Manager
	lifecycle *lifecycle.Lifecycle
	factory   *lifecycle.Factory
	proc      *processor.Processor
	pub       push.Publisher
	metrics   *observe.Metrics
	log       *slog.Logger

	resumeLimit     int
	summaryInterval time.Duration

	status *StatusUpdater

	mu          sync.Mutex
	actors      map[string]*actorHandle       // per-runtime mailbox consumer
	summaries   map[string]context.CancelFunc // per-runtime summary timer stop
	unsubscribe func()

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires the facade together. The processor's status and audio-meta
// sinks are installed here so every component sees one chokepoint.
func New(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		store:           cfg.Store,
		manager:         cfg.Manager,
		lifecycle:       cfg.Lifecycle,
		factory:         cfg.Factory,
		proc:            cfg.Processor,
		pub:             cfg.Publisher,
		metrics:         cfg.Metrics,
		log:             log,
		resumeLimit:     cfg.ResumeLimit,
		summaryInterval: cfg.SummaryInterval,
		actors:          make(map[string]*actorHandle),
		summaries:       make(map[string]context.CancelFunc),
	}
	if o.summaryInterval <= 0 {
		o.summaryInterval = defaultSummaryInterval
	}
	o.status = NewStatusUpdater(cfg.Publisher, cfg.Manager, log)
	o.lifecycle.SetStatusPusher(o.status.PushStatus)
	o.proc.SetStatusSink(o.lifecycle.HandleSessionStatusChange)
	o.proc.SetAudioMetaSink(o.lifecycle.SetTranscriptMeta)
	return o
}

// StatusUpdater returns the updater for the caller to run.
func (o *Orchestrator) StatusUpdater() *StatusUpdater { return o.status }

// ── Initialization ─────────────────────────────────────────────────────────────

// Initialize subscribes to the transcript change feed and resumes every
// durable agent still marked running.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	feed, unsubscribe, err := o.store.SubscribeInserts(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe transcripts: %w", err)
	}
	o.unsubscribe = unsubscribe

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.consumeFeed(ctx, feed)
	}()

	resumed, err := o.manager.ResumeExistingEvents(ctx, o.resumeLimit)
	if err != nil {
		return fmt.Errorf("orchestrator: resume events: %w", err)
	}
	for _, rt := range resumed {
		if err := o.StartEvent(ctx, rt.EventID, rt.AgentID); err != nil {
			o.log.Error("resume start failed",
				"event_id", rt.EventID, "error", err)
		}
	}
	o.log.Info("orchestrator initialized", "resumed_events", len(resumed))
	return nil
}

// consumeFeed routes durable transcript inserts into runtime mailboxes.
// Events for unknown runtimes are dropped with a warning; the runtime's
// own dedupe on (event_id, seq) discards chunks it already ingested via
// the driver path.
func (o *Orchestrator) consumeFeed(ctx context.Context, feed <-chan store.TranscriptChunk) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-feed:
			if !ok {
				return
			}
			rt, found := o.manager.Get(chunk.EventID)
			if !found {
				o.log.Warn("transcript insert for unknown runtime",
					"event_id", chunk.EventID, "seq", chunk.Seq)
				continue
			}
			if err := rt.Mailbox.Enqueue(runtime.HandleTranscriptCmd{Chunk: chunk}); err != nil {
				o.log.Warn("mailbox full, dropping change-feed chunk",
					"event_id", chunk.EventID, "seq", chunk.Seq)
				if o.metrics != nil {
					o.metrics.RecordDroppedCommand(ctx, "change_feed")
				}
			}
		}
	}
}

// ── Audio ingestion ────────────────────────────────────────────────────────────

// AppendTranscriptAudio forwards one audio chunk to the event's
// transcript session. Returns ErrNotFound without a runtime, ErrBusy
// when the mailbox is saturated.
func (o *Orchestrator) AppendTranscriptAudio(ctx context.Context, eventID string, chunk realtime.AudioChunk) error {
	rt, ok := o.manager.Get(eventID)
	if !ok {
		return fmt.Errorf("%w: no runtime for event %s", ErrNotFound, eventID)
	}
	if rt.Slot(store.AgentTranscript).Driver == nil {
		return fmt.Errorf("%w: no transcript session for event %s", ErrNotFound, eventID)
	}
	if err := rt.Mailbox.Enqueue(runtime.AppendAudioCmd{Chunk: chunk}); err != nil {
		return fmt.Errorf("%w: %s", ErrBusy, eventID)
	}
	return nil
}

// ── Session provisioning ───────────────────────────────────────────────────────

// CreateAgentSessionsForEvent replaces the event's durable session rows
// with three fresh closed ones and flips the agent to active/testing.
// Requires the agent to be at stage context_complete or later.
func (o *Orchestrator) CreateAgentSessionsForEvent(ctx context.Context, eventID string) error {
	agent, err := o.store.AgentForEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("%w: agent for event %s: %v", ErrNotFound, eventID, err)
	}
	switch agent.Stage {
	case store.StageContextComplete, store.StageTesting, store.StageRunning:
	default:
		return fmt.Errorf("%w: agent %s at stage %s", ErrNotFound, agent.ID, agent.Stage)
	}

	set, err := o.factory.Resolve(agent.ModelSet)
	if err != nil {
		return err
	}
	rows := make([]store.AgentSession, 0, len(store.AllAgentTypes))
	now := time.Now()
	for _, at := range store.AllAgentTypes {
		rows = append(rows, store.AgentSession{
			ID:        uuid.NewString(),
			AgentID:   agent.ID,
			EventID:   eventID,
			AgentType: at,
			Status:    store.SessionClosed,
			Model:     set.Model(at),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := o.store.ReplaceSessions(ctx, agent.ID, rows); err != nil {
		return fmt.Errorf("orchestrator: replace sessions: %w", err)
	}
	if err := o.store.UpdateAgent(ctx, agent.ID, store.AgentActive, store.StageTesting); err != nil {
		return fmt.Errorf("orchestrator: update agent: %w", err)
	}
	o.log.Info("agent sessions created", "event_id", eventID, "agent_id", agent.ID)
	return nil
}

// ── Start / pause / resume / stop ──────────────────────────────────────────────

// StartEventByID resolves the event's agent and starts it.
func (o *Orchestrator) StartEventByID(ctx context.Context, eventID string) error {
	agent, err := o.store.AgentForEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("%w: agent for event %s: %v", ErrNotFound, eventID, err)
	}
	return o.StartEvent(ctx, eventID, agent.ID)
}

// StartEvent is idempotent: a running event with live sessions is a
// no-op; a paused one resumes; anything else gets sessions created,
// connected and the runtime marked running.
func (o *Orchestrator) StartEvent(ctx context.Context, eventID, agentID string) error {
	rt, ok := o.manager.Get(eventID)
	if !ok {
		var err error
		rt, err = o.manager.CreateRuntime(ctx, eventID, agentID)
		if err != nil {
			return err
		}
		if err := o.manager.ReplayTranscripts(ctx, rt); err != nil {
			o.log.Error("replay failed", "event_id", eventID, "error", err)
		}
	}
	o.startActor(rt)

	agent, err := o.store.AgentForEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("%w: agent for event %s: %v", ErrNotFound, eventID, err)
	}

	if rt.Status == runtime.StatusRunning && o.sessionsLive(rt) {
		o.log.Debug("start: already running", "event_id", eventID)
		return nil
	}

	resuming := rt.Status == runtime.StatusPaused && o.sessionsLive(rt)
	if err := o.lifecycle.CreateRealtimeSessions(rt, agent.ModelSet); err != nil {
		return err
	}

	if resuming {
		if err := o.lifecycle.ResumeSessions(ctx, rt); err != nil {
			return err
		}
	} else {
		if _, err := o.lifecycle.ConnectSessions(ctx, rt); err != nil {
			return err
		}
	}
	o.lifecycle.AttachTranscriptHandler(rt)

	if err := rt.Mailbox.Enqueue(runtime.ResumeCmd{}); err != nil {
		return fmt.Errorf("%w: %s", ErrBusy, eventID)
	}

	// stage=testing is sticky; everything else moves to running.
	stage := store.StageRunning
	if agent.Stage == store.StageTesting {
		stage = store.StageTesting
	}
	if err := o.store.UpdateAgent(ctx, agentID, store.AgentActive, stage); err != nil {
		o.log.Warn("agent status update failed",
			"event_id", eventID, "agent_id", agentID, "error", err)
	}

	o.startSummaryTimer(rt)
	o.log.Info("event started",
		"event_id", eventID, "agent_id", agentID, "resumed", resuming, "stage", stage)
	return nil
}

// StartSessionsForTesting starts the event only when its session rows
// were created within the last 60 seconds, keeping the agent in the
// testing stage.
func (o *Orchestrator) StartSessionsForTesting(ctx context.Context, eventID, agentID string) error {
	sessions, err := o.store.SessionsForAgent(ctx, agentID)
	if err != nil || len(sessions) == 0 {
		return fmt.Errorf("%w: no sessions for agent %s", ErrNotFound, agentID)
	}
	cutoff := time.Now().Add(-testingWindow)
	for _, s := range sessions {
		if s.CreatedAt.Before(cutoff) {
			return fmt.Errorf("%w: sessions for agent %s are stale", ErrNotFound, agentID)
		}
	}
	return o.StartEvent(ctx, eventID, agentID)
}

// PauseEvent pauses the event's sessions and suppresses card/facts
// triggering. Transcripts keep accumulating.
func (o *Orchestrator) PauseEvent(ctx context.Context, eventID string) error {
	rt, ok := o.manager.Get(eventID)
	if !ok {
		return fmt.Errorf("%w: no runtime for event %s", ErrNotFound, eventID)
	}
	o.logContextSummary(rt)
	o.lifecycle.PauseSessions(rt)
	if err := rt.Mailbox.Enqueue(runtime.PauseCmd{}); err != nil {
		return fmt.Errorf("%w: %s", ErrBusy, eventID)
	}
	o.stopSummaryTimer(eventID)

	agent, err := o.store.AgentForEvent(ctx, eventID)
	if err == nil {
		if uerr := o.store.UpdateAgent(ctx, agent.ID, store.AgentPaused, agent.Stage); uerr != nil {
			o.log.Warn("agent pause update failed", "event_id", eventID, "error", uerr)
		}
	}
	o.log.Info("event paused", "event_id", eventID)
	return nil
}

// ResumeEvent restarts a paused event. Delegates to StartEvent.
func (o *Orchestrator) ResumeEvent(ctx context.Context, eventID, agentID string) error {
	if agentID == "" {
		return o.StartEventByID(ctx, eventID)
	}
	return o.StartEvent(ctx, eventID, agentID)
}

// StopEvent checkpoints, closes sessions, marks the agent ended and
// removes the runtime.
func (o *Orchestrator) StopEvent(ctx context.Context, eventID string) error {
	rt, ok := o.manager.Get(eventID)
	if !ok {
		return fmt.Errorf("%w: no runtime for event %s", ErrNotFound, eventID)
	}
	o.logContextSummary(rt)
	o.stopSummaryTimer(eventID)

	// CloseCmd checkpoints, marks the runtime ended and stops the actor.
	if err := rt.Mailbox.Enqueue(runtime.CloseCmd{}); err != nil {
		o.log.Warn("close command dropped, stopping actor directly",
			"event_id", eventID, "error", err)
	}
	o.lifecycle.CloseSessions(rt)
	o.stopActor(eventID)
	o.lifecycle.DetachEvent(eventID)
	o.manager.RemoveRuntime(eventID)

	agent, err := o.store.AgentForEvent(ctx, eventID)
	if err == nil {
		if uerr := o.store.UpdateAgent(ctx, agent.ID, store.AgentEnded, agent.Stage); uerr != nil {
			o.log.Warn("agent stop update failed", "event_id", eventID, "error", uerr)
		}
	}
	o.log.Info("event stopped", "event_id", eventID)
	return nil
}

// EventStatus reports the per-agent session snapshot for the status
// endpoint. ok is false when no runtime exists.
func (o *Orchestrator) EventStatus(eventID string) (EventStatus, bool) {
	rt, ok := o.manager.Get(eventID)
	if !ok {
		return EventStatus{}, false
	}
	return snapshotStatus(rt), true
}

// Shutdown drains every runtime: summary, checkpoints, session close.
// Safe to call once; the context bounds how long draining may take.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.closeOnce.Do(func() {
		if o.unsubscribe != nil {
			o.unsubscribe()
		}
		for _, rt := range o.manager.Runtimes() {
			o.logContextSummary(rt)
			o.stopSummaryTimer(rt.EventID)
			if err := rt.Mailbox.Enqueue(runtime.ShutdownCmd{}); err != nil {
				o.log.Warn("shutdown command dropped", "event_id", rt.EventID)
			}
			o.lifecycle.CloseSessions(rt)
			o.stopActor(rt.EventID)
		}

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			o.log.Warn("shutdown drain timed out")
		}
		o.log.Info("orchestrator shut down")
	})
}

// ── Internals ──────────────────────────────────────────────────────────────────

// actorHandle tracks one runtime's mailbox consumer goroutine.
type actorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startActor launches the runtime's mailbox consumer once.
func (o *Orchestrator) startActor(rt *runtime.EventRuntime) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.actors[rt.EventID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &actorHandle{cancel: cancel, done: make(chan struct{})}
	o.actors[rt.EventID] = h
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(h.done)
		rt.Mailbox.Run(ctx, rt, o.proc)
	}()
}

// stopActor waits for the consumer to drain its close command, then
// cancels it. The grace period keeps a wedged actor from blocking stop.
func (o *Orchestrator) stopActor(eventID string) {
	o.mu.Lock()
	h, ok := o.actors[eventID]
	if ok {
		delete(o.actors, eventID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		o.log.Warn("actor did not drain in time, cancelling", "event_id", eventID)
	}
	h.cancel()
}

// sessionsLive reports whether every enabled agent has a driver.
func (o *Orchestrator) sessionsLive(rt *runtime.EventRuntime) bool {
	for _, at := range store.AllAgentTypes {
		if rt.Enabled(at) && rt.Slot(at).Driver == nil {
			return false
		}
	}
	return true
}

// startSummaryTimer runs the periodic checkpoint for one runtime.
func (o *Orchestrator) startSummaryTimer(rt *runtime.EventRuntime) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.summaries[rt.EventID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.summaries[rt.EventID] = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.summaryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := rt.Mailbox.Enqueue(runtime.CheckpointCmd{}); err != nil {
					o.log.Warn("checkpoint command dropped", "event_id", rt.EventID)
				}
			}
		}
	}()
}

func (o *Orchestrator) stopSummaryTimer(eventID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.summaries[eventID]; ok {
		cancel()
		delete(o.summaries, eventID)
	}
}

// logContextSummary records the runtime's in-memory footprint.
func (o *Orchestrator) logContextSummary(rt *runtime.EventRuntime) {
	ring := rt.Ring.GetStats()
	facts := rt.Facts.GetStats()
	cards := rt.Cards.GetStats()
	o.log.Info("runtime context summary",
		"event_id", rt.EventID,
		"ring_chunks", ring.Total,
		"ring_finalized", ring.Finalized,
		"facts", facts.Size,
		"dormant_facts", facts.Dormant,
		"recent_cards", cards.Recent)
}
