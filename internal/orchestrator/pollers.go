package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veyra-labs/briefwire/internal/runtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Default poll intervals. Overridable through config.
const (
	DefaultStartupPollInterval     = 5 * time.Second
	DefaultPauseResumePollInterval = 10 * time.Second
	DefaultStagePollInterval       = 30 * time.Second

	pollerBatchLimit = 25
)

// Guard serialises work per agent across pollers so two ticks never
// process the same agent concurrently.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// TryAcquire claims the agent. Returns false when already claimed.
func (g *Guard) TryAcquire(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[agentID]; busy {
		return false
	}
	g.active[agentID] = struct{}{}
	return true
}

// Release frees the agent.
func (g *Guard) Release(agentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, agentID)
}

// Poller runs fn on a fixed interval. A tick is skipped while the
// previous one is still running, so slow store calls never stack up.
type Poller struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context)
	Logger   *slog.Logger

	running sync.Mutex
}

// Run ticks until ctx ends. Blocks; callers run it in a goroutine.
func (p *Poller) Run(ctx context.Context) {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	log.Debug("poller started", "poller", p.Name, "interval", p.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Debug("poller stopped", "poller", p.Name)
			return
		case <-ticker.C:
			if !p.running.TryLock() {
				log.Warn("poller tick overran interval, skipping", "poller", p.Name)
				continue
			}
			p.Fn(ctx)
			p.running.Unlock()
		}
	}
}

// PollerSet bundles the background pollers of one orchestrator.
type PollerSet struct {
	pollers []*Poller
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// Start launches every poller. Stop with Shutdown.
func (s *PollerSet) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, p := range s.pollers {
		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.Run(ctx)
		}()
	}
}

// Shutdown stops all pollers and waits for in-flight ticks.
func (s *PollerSet) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// PollerConfig carries the intervals and the optional stage callbacks.
type PollerConfig struct {
	StartupInterval     time.Duration
	PauseResumeInterval time.Duration
	StageInterval       time.Duration

	// Stage callbacks hand agents at pre-runtime stages to the context
	// pipeline. Nil callbacks disable the corresponding poller.
	OnBlueprint    func(ctx context.Context, agent store.Agent)
	OnContextBuild func(ctx context.Context, agent store.Agent)
	OnRegenerate   func(ctx context.Context, agent store.Agent)
}

// NewPollerSet assembles the orchestrator's background pollers.
func NewPollerSet(o *Orchestrator, cfg PollerConfig) *PollerSet {
	guard := NewGuard()
	if cfg.StartupInterval <= 0 {
		cfg.StartupInterval = DefaultStartupPollInterval
	}
	if cfg.PauseResumeInterval <= 0 {
		cfg.PauseResumeInterval = DefaultPauseResumePollInterval
	}
	if cfg.StageInterval <= 0 {
		cfg.StageInterval = DefaultStagePollInterval
	}

	set := &PollerSet{}
	set.pollers = append(set.pollers,
		&Poller{
			Name:     "session_startup",
			Interval: cfg.StartupInterval,
			Fn:       func(ctx context.Context) { o.pollSessionStartup(ctx, guard) },
			Logger:   o.log,
		},
		&Poller{
			Name:     "pause_resume",
			Interval: cfg.PauseResumeInterval,
			Fn:       func(ctx context.Context) { o.pollPauseResume(ctx, guard) },
			Logger:   o.log,
		},
	)

	stageWatchers := []struct {
		name  string
		stage store.AgentStage
		fn    func(ctx context.Context, agent store.Agent)
	}{
		{"blueprint", store.StageBlueprint, cfg.OnBlueprint},
		{"context_build", store.StageBuildingCorpus, cfg.OnContextBuild},
		{"regeneration", store.StageBuildingGlossary, cfg.OnRegenerate},
	}
	for _, w := range stageWatchers {
		if w.fn == nil {
			continue
		}
		w := w
		set.pollers = append(set.pollers, &Poller{
			Name:     w.name,
			Interval: cfg.StageInterval,
			Fn: func(ctx context.Context) {
				o.pollStage(ctx, guard, w.stage, w.fn)
			},
			Logger: o.log,
		})
	}
	return set
}

// pollSessionStartup provisions sessions for agents whose context
// pipeline just completed, then starts them.
func (o *Orchestrator) pollSessionStartup(ctx context.Context, guard *Guard) {
	agents, err := o.store.AgentsByStage(ctx, store.StageContextComplete, pollerBatchLimit)
	if err != nil {
		o.log.Error("startup poll failed", "error", err)
		return
	}
	for _, agent := range agents {
		if !guard.TryAcquire(agent.ID) {
			continue
		}
		if err := o.CreateAgentSessionsForEvent(ctx, agent.EventID); err != nil {
			o.log.Error("session provisioning failed",
				"event_id", agent.EventID, "agent_id", agent.ID, "error", err)
			guard.Release(agent.ID)
			continue
		}
		if err := o.StartEvent(ctx, agent.EventID, agent.ID); err != nil {
			o.log.Error("startup failed",
				"event_id", agent.EventID, "agent_id", agent.ID, "error", err)
		}
		guard.Release(agent.ID)
	}
}

// pollPauseResume reconciles durable agent status against the in-memory
// runtime status. The durable record is authoritative.
func (o *Orchestrator) pollPauseResume(ctx context.Context, guard *Guard) {
	for _, rt := range o.manager.Runtimes() {
		if !guard.TryAcquire(rt.AgentID) {
			continue
		}
		o.reconcileRuntime(ctx, rt)
		guard.Release(rt.AgentID)
	}
}

func (o *Orchestrator) reconcileRuntime(ctx context.Context, rt *runtime.EventRuntime) {
	agent, err := o.store.AgentForEvent(ctx, rt.EventID)
	if err != nil {
		o.log.Warn("reconcile: agent lookup failed",
			"event_id", rt.EventID, "error", err)
		return
	}
	switch {
	case agent.Status == store.AgentPaused && rt.Status == runtime.StatusRunning:
		o.log.Info("reconcile: pausing runtime", "event_id", rt.EventID)
		if err := o.PauseEvent(ctx, rt.EventID); err != nil {
			o.log.Error("reconcile pause failed", "event_id", rt.EventID, "error", err)
		}
	case agent.Status == store.AgentActive && rt.Status == runtime.StatusPaused:
		o.log.Info("reconcile: resuming runtime", "event_id", rt.EventID)
		if err := o.ResumeEvent(ctx, rt.EventID, agent.ID); err != nil {
			o.log.Error("reconcile resume failed", "event_id", rt.EventID, "error", err)
		}
	case agent.Status == store.AgentEnded && rt.Status != runtime.StatusEnded:
		o.log.Info("reconcile: stopping runtime", "event_id", rt.EventID)
		if err := o.StopEvent(ctx, rt.EventID); err != nil {
			o.log.Error("reconcile stop failed", "event_id", rt.EventID, "error", err)
		}
	}
}

// pollStage hands agents at a pre-runtime stage to the given callback.
func (o *Orchestrator) pollStage(ctx context.Context, guard *Guard, stage store.AgentStage, fn func(context.Context, store.Agent)) {
	agents, err := o.store.AgentsByStage(ctx, stage, pollerBatchLimit)
	if err != nil {
		o.log.Error("stage poll failed", "stage", stage, "error", err)
		return
	}
	for _, agent := range agents {
		if !guard.TryAcquire(agent.ID) {
			continue
		}
		fn(ctx, agent)
		guard.Release(agent.ID)
	}
}
