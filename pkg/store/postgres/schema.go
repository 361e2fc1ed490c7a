// Package postgres provides the PostgreSQL-backed implementation of the
// briefwire store contract.
//
// Every capability shares a single [pgxpool.Pool]. The pgvector extension
// must be available in the target database; [Migrate] installs it via
// CREATE EXTENSION IF NOT EXISTS. The transcript change feed rides on
// LISTEN/NOTIFY: an insert trigger publishes finalized chunks on the
// transcript_inserts channel.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// transcriptChannel is the LISTEN/NOTIFY channel carrying finalized
// transcript inserts.
const transcriptChannel = "transcript_inserts"

// ─────────────────────────────────────────────────────────────────────────────
// Agents, sessions, session history
// ─────────────────────────────────────────────────────────────────────────────

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id          TEXT         PRIMARY KEY,
    event_id    TEXT         NOT NULL UNIQUE,
    status      TEXT         NOT NULL DEFAULT 'idle',
    stage       TEXT         NOT NULL DEFAULT 'blueprint',
    model_set   TEXT         NOT NULL DEFAULT '',
    last_error  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agents_status ON agents (status);
CREATE INDEX IF NOT EXISTS idx_agents_stage  ON agents (stage);

CREATE TABLE IF NOT EXISTS agent_sessions (
    id                  TEXT         PRIMARY KEY,
    agent_id            TEXT         NOT NULL REFERENCES agents (id) ON DELETE CASCADE,
    event_id            TEXT         NOT NULL,
    agent_type          TEXT         NOT NULL,
    status              TEXT         NOT NULL DEFAULT 'closed',
    provider_session_id TEXT         NOT NULL DEFAULT '',
    model               TEXT         NOT NULL DEFAULT '',
    connection_count    INTEGER      NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (event_id, agent_type)
);

CREATE INDEX IF NOT EXISTS idx_agent_sessions_agent_id
    ON agent_sessions (agent_id);

CREATE TABLE IF NOT EXISTS session_events (
    id                  BIGSERIAL    PRIMARY KEY,
    event_id            TEXT         NOT NULL,
    agent_id            TEXT         NOT NULL,
    agent_type          TEXT         NOT NULL,
    event_type          TEXT         NOT NULL,
    provider_session_id TEXT         NOT NULL DEFAULT '',
    at                  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_events_event_id
    ON session_events (event_id, at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Transcript log + change feed trigger
// ─────────────────────────────────────────────────────────────────────────────

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    event_id      TEXT         NOT NULL,
    seq           BIGINT       NOT NULL,
    at_ms         BIGINT       NOT NULL DEFAULT 0,
    speaker       TEXT         NOT NULL DEFAULT '',
    text          TEXT         NOT NULL,
    final         BOOLEAN      NOT NULL DEFAULT true,
    transcript_id TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (event_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcripts_event_seq
    ON transcripts (event_id, seq) WHERE final;

CREATE OR REPLACE FUNCTION notify_transcript_insert() RETURNS trigger AS $$
BEGIN
    IF NEW.final THEN
        PERFORM pg_notify('transcript_inserts', json_build_object(
            'event_id',      NEW.event_id,
            'seq',           NEW.seq,
            'at_ms',         NEW.at_ms,
            'speaker',       NEW.speaker,
            'text',          NEW.text,
            'final',         NEW.final,
            'transcript_id', NEW.transcript_id
        )::text);
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_transcripts_notify ON transcripts;
CREATE TRIGGER trg_transcripts_notify
    AFTER INSERT OR UPDATE ON transcripts
    FOR EACH ROW EXECUTE FUNCTION notify_transcript_insert();
`

// ─────────────────────────────────────────────────────────────────────────────
// Facts, cards, glossary
// ─────────────────────────────────────────────────────────────────────────────

const ddlKnowledge = `
CREATE TABLE IF NOT EXISTS facts (
    event_id      TEXT         NOT NULL,
    fact_key      TEXT         NOT NULL,
    value         JSONB        NOT NULL DEFAULT 'null',
    confidence    REAL         NOT NULL DEFAULT 0.7,
    last_seen_seq BIGINT       NOT NULL DEFAULT 0,
    sources       TEXT[]       NOT NULL DEFAULT '{}',
    active        BOOLEAN      NOT NULL DEFAULT true,
    dormant_at    TIMESTAMPTZ,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (event_id, fact_key)
);

CREATE INDEX IF NOT EXISTS idx_facts_event_active
    ON facts (event_id) WHERE active;

CREATE TABLE IF NOT EXISTS cards (
    id             TEXT         PRIMARY KEY,
    event_id       TEXT         NOT NULL,
    kind           TEXT         NOT NULL DEFAULT '',
    card_type      TEXT         NOT NULL,
    title          TEXT         NOT NULL,
    body           TEXT         NOT NULL DEFAULT '',
    label          TEXT         NOT NULL DEFAULT '',
    image_url      TEXT         NOT NULL DEFAULT '',
    source_seq     BIGINT       NOT NULL DEFAULT 0,
    concept_id     TEXT         NOT NULL DEFAULT '',
    concept_label  TEXT         NOT NULL DEFAULT '',
    template_id    TEXT         NOT NULL DEFAULT '',
    template_label TEXT         NOT NULL DEFAULT '',
    visual_request JSONB,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (event_id, source_seq, concept_id)
);

CREATE INDEX IF NOT EXISTS idx_cards_event_created
    ON cards (event_id, created_at DESC);

CREATE TABLE IF NOT EXISTS glossary_entries (
    event_id         TEXT    NOT NULL,
    term             TEXT    NOT NULL,
    definition       TEXT    NOT NULL DEFAULT '',
    acronym_for      TEXT    NOT NULL DEFAULT '',
    category         TEXT    NOT NULL DEFAULT '',
    usage_examples   TEXT[]  NOT NULL DEFAULT '{}',
    related_terms    TEXT[]  NOT NULL DEFAULT '{}',
    confidence_score REAL    NOT NULL DEFAULT 0,
    active           BOOLEAN NOT NULL DEFAULT true,
    PRIMARY KEY (event_id, term)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_glossary_event_term
    ON glossary_entries (event_id, lower(term));
`

// ─────────────────────────────────────────────────────────────────────────────
// Checkpoints and agent output log
// ─────────────────────────────────────────────────────────────────────────────

const ddlBookkeeping = `
CREATE TABLE IF NOT EXISTS checkpoints (
    event_id           TEXT         NOT NULL,
    agent_type         TEXT         NOT NULL,
    last_processed_seq BIGINT       NOT NULL DEFAULT 0,
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (event_id, agent_type)
);

CREATE TABLE IF NOT EXISTS agent_outputs (
    id          TEXT         PRIMARY KEY,
    event_id    TEXT         NOT NULL,
    agent_type  TEXT         NOT NULL,
    output_type TEXT         NOT NULL,
    source_seq  BIGINT       NOT NULL DEFAULT 0,
    payload     JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agent_outputs_event
    ON agent_outputs (event_id, created_at);
`

// ddlContextItems returns the context corpus DDL with the embedding
// dimension substituted. The vector dimension is baked into the column
// type at schema creation time.
func ddlContextItems(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS context_items (
    id         TEXT         PRIMARY KEY,
    event_id   TEXT         NOT NULL,
    chunk      TEXT         NOT NULL,
    embedding  vector(%d),
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_context_items_event_id
    ON context_items (event_id);

CREATE INDEX IF NOT EXISTS idx_context_items_embedding
    ON context_items USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, triggers and extensions
// exist. It is idempotent and safe to call on every worker start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment. Changing it after the first migration requires a manual
// schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlAgents,
		ddlTranscripts,
		ddlKnowledge,
		ddlBookkeeping,
		ddlContextItems(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
