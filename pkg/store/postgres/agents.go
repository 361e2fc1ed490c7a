package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// AgentForEvent implements [store.AgentStore].
func (s *Store) AgentForEvent(ctx context.Context, eventID string) (store.Agent, error) {
	const q = `
		SELECT id, event_id, status, stage, model_set, last_error, created_at, updated_at
		FROM   agents
		WHERE  event_id = $1`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return store.Agent{}, fmt.Errorf("postgres agents: query: %w", err)
	}
	agent, err := pgx.CollectOneRow(rows, scanAgent)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Agent{}, fmt.Errorf("postgres agents: event %s: %w", eventID, store.ErrNotFound)
	}
	if err != nil {
		return store.Agent{}, fmt.Errorf("postgres agents: scan: %w", err)
	}
	return agent, nil
}

// AgentsByStatus implements [store.AgentStore].
func (s *Store) AgentsByStatus(ctx context.Context, status store.AgentStatus, limit int) ([]store.Agent, error) {
	const q = `
		SELECT id, event_id, status, stage, model_set, last_error, created_at, updated_at
		FROM   agents
		WHERE  status = $1
		ORDER  BY updated_at
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, status, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres agents: by status: %w", err)
	}
	return collectAgents(rows)
}

// AgentsByStage implements [store.AgentStore].
func (s *Store) AgentsByStage(ctx context.Context, stage store.AgentStage, limit int) ([]store.Agent, error) {
	const q = `
		SELECT id, event_id, status, stage, model_set, last_error, created_at, updated_at
		FROM   agents
		WHERE  stage = $1
		ORDER  BY updated_at
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, stage, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres agents: by stage: %w", err)
	}
	return collectAgents(rows)
}

// UpdateAgent implements [store.AgentStore].
func (s *Store) UpdateAgent(ctx context.Context, agentID string, status store.AgentStatus, stage store.AgentStage) error {
	const q = `
		UPDATE agents
		SET    status = $2, stage = $3, updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, agentID, status, stage)
	if err != nil {
		return fmt.Errorf("postgres agents: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres agents: agent %s: %w", agentID, store.ErrNotFound)
	}
	return nil
}

// SetAgentError implements [store.AgentStore].
func (s *Store) SetAgentError(ctx context.Context, agentID string, msg string) error {
	const q = `
		UPDATE agents
		SET    status = 'error', last_error = $2, updated_at = now()
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, agentID, msg); err != nil {
		return fmt.Errorf("postgres agents: set error: %w", err)
	}
	return nil
}

// ── Sessions ───────────────────────────────────────────────────────────────────

// SessionsForAgent implements [store.SessionStore].
func (s *Store) SessionsForAgent(ctx context.Context, agentID string) ([]store.AgentSession, error) {
	const q = `
		SELECT id, agent_id, event_id, agent_type, status, provider_session_id,
		       model, connection_count, created_at, updated_at
		FROM   agent_sessions
		WHERE  agent_id = $1
		ORDER  BY agent_type`

	rows, err := s.pool.Query(ctx, q, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres sessions: query: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("postgres sessions: scan: %w", err)
	}
	return sessions, nil
}

// ReplaceSessions implements [store.SessionStore]. Delete and re-insert
// happen in one transaction so concurrent readers never observe a
// partial session set.
func (s *Store) ReplaceSessions(ctx context.Context, agentID string, sessions []store.AgentSession) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres sessions: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM agent_sessions WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("postgres sessions: delete: %w", err)
	}

	const ins = `
		INSERT INTO agent_sessions
		    (id, agent_id, event_id, agent_type, status, provider_session_id, model, connection_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for _, sess := range sessions {
		id := sess.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := tx.Exec(ctx, ins,
			id, agentID, sess.EventID, sess.AgentType, sess.Status,
			sess.ProviderSessionID, sess.Model, sess.ConnectionCount,
		); err != nil {
			return fmt.Errorf("postgres sessions: insert %s: %w", sess.AgentType, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres sessions: commit: %w", err)
	}
	return nil
}

// UpdateSessionStatus implements [store.SessionStore]. An empty
// providerSessionID leaves the stored id untouched.
func (s *Store) UpdateSessionStatus(ctx context.Context, eventID string, agentType store.AgentType, status store.SessionStatus, providerSessionID string) error {
	const q = `
		UPDATE agent_sessions
		SET    status = $3,
		       provider_session_id = CASE WHEN $4 <> '' THEN $4 ELSE provider_session_id END,
		       updated_at = now()
		WHERE  event_id = $1 AND agent_type = $2`

	tag, err := s.pool.Exec(ctx, q, eventID, agentType, status, providerSessionID)
	if err != nil {
		return fmt.Errorf("postgres sessions: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres sessions: %s/%s: %w", eventID, agentType, store.ErrNotFound)
	}
	return nil
}

// BumpConnection implements [store.SessionStore].
func (s *Store) BumpConnection(ctx context.Context, eventID string, agentType store.AgentType) error {
	const q = `
		UPDATE agent_sessions
		SET    connection_count = connection_count + 1, updated_at = now()
		WHERE  event_id = $1 AND agent_type = $2`

	if _, err := s.pool.Exec(ctx, q, eventID, agentType); err != nil {
		return fmt.Errorf("postgres sessions: bump connection: %w", err)
	}
	return nil
}

// LogSessionEvent implements [store.SessionStore].
func (s *Store) LogSessionEvent(ctx context.Context, ev store.SessionEvent) error {
	const q = `
		INSERT INTO session_events
		    (event_id, agent_id, agent_type, event_type, provider_session_id, at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))`

	at := &ev.At
	if ev.At.IsZero() {
		at = nil
	}
	if _, err := s.pool.Exec(ctx, q,
		ev.EventID, ev.AgentID, ev.AgentType, ev.EventType, ev.ProviderSessionID, at,
	); err != nil {
		return fmt.Errorf("postgres sessions: log event: %w", err)
	}
	return nil
}

// ── Row scanners ───────────────────────────────────────────────────────────────

func scanAgent(row pgx.CollectableRow) (store.Agent, error) {
	var a store.Agent
	err := row.Scan(
		&a.ID, &a.EventID, &a.Status, &a.Stage,
		&a.ModelSet, &a.LastError, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func collectAgents(rows pgx.Rows) ([]store.Agent, error) {
	agents, err := pgx.CollectRows(rows, scanAgent)
	if err != nil {
		return nil, fmt.Errorf("postgres agents: scan rows: %w", err)
	}
	return agents, nil
}

func scanSession(row pgx.CollectableRow) (store.AgentSession, error) {
	var s store.AgentSession
	err := row.Scan(
		&s.ID, &s.AgentID, &s.EventID, &s.AgentType, &s.Status,
		&s.ProviderSessionID, &s.Model, &s.ConnectionCount,
		&s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}
