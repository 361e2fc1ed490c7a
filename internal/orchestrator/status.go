package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/veyra-labs/briefwire/internal/runtime"
	"github.com/veyra-labs/briefwire/pkg/push"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// defaultStatusInterval is how often the updater pushes a snapshot for
// every live runtime, independent of change-driven pushes.
const defaultStatusInterval = 30 * time.Second

// AgentSessionStatus is one agent's entry in a status snapshot.
type AgentSessionStatus struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// EventStatus is the wire form of a runtime status snapshot.
type EventStatus struct {
	EventID string                        `json:"event_id"`
	Status  string                        `json:"status"`
	Agents  map[string]AgentSessionStatus `json:"agents"`
	At      time.Time                     `json:"at"`
}

// StatusUpdater publishes status_update envelopes, both on demand (the
// lifecycle chokepoint calls PushStatus after every session transition)
// and periodically for all runtimes.
type StatusUpdater struct {
	pub      push.Publisher
	manager  *runtime.Manager
	log      *slog.Logger
	interval time.Duration
}

// NewStatusUpdater creates an updater with the default interval.
func NewStatusUpdater(pub push.Publisher, m *runtime.Manager, log *slog.Logger) *StatusUpdater {
	if log == nil {
		log = slog.Default()
	}
	return &StatusUpdater{
		pub:      pub,
		manager:  m,
		log:      log,
		interval: defaultStatusInterval,
	}
}

// PushStatus publishes one runtime's current snapshot.
func (u *StatusUpdater) PushStatus(ctx context.Context, rt *runtime.EventRuntime) {
	if u.pub == nil {
		return
	}
	env, err := push.Marshal(push.TypeStatusUpdate, rt.EventID, snapshotStatus(rt))
	if err != nil {
		u.log.Warn("status snapshot marshal failed", "event_id", rt.EventID, "error", err)
		return
	}
	u.pub.Publish(ctx, env)
}

// Run pushes periodic snapshots for every live runtime until ctx ends.
func (u *StatusUpdater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, rt := range u.manager.Runtimes() {
				u.PushStatus(ctx, rt)
			}
		}
	}
}

// snapshotStatus reads the runtime's per-agent session view. Disabled
// agents appear with status "disabled" so consumers see all three types.
func snapshotStatus(rt *runtime.EventRuntime) EventStatus {
	agents := make(map[string]AgentSessionStatus, len(store.AllAgentTypes))
	for _, at := range store.AllAgentTypes {
		if !rt.Enabled(at) {
			agents[string(at)] = AgentSessionStatus{Status: "disabled"}
			continue
		}
		slot := rt.Slot(at)
		status := string(slot.LastDriverStatus)
		if status == "" {
			status = "idle"
		}
		agents[string(at)] = AgentSessionStatus{
			Status:    status,
			SessionID: slot.SessionID,
		}
	}
	return EventStatus{
		EventID: rt.EventID,
		Status:  string(rt.Status),
		Agents:  agents,
		At:      time.Now(),
	}
}
