package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// ── Facts ──────────────────────────────────────────────────────────────────────

// UpsertFact implements [store.FactStore]. last_seen_seq only moves
// forward so concurrent writers cannot regress it.
func (s *Store) UpsertFact(ctx context.Context, fact store.Fact) error {
	const q = `
		INSERT INTO facts
		    (event_id, fact_key, value, confidence, last_seen_seq, sources, active, dormant_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7)
		ON CONFLICT (event_id, fact_key) DO UPDATE SET
		    value         = EXCLUDED.value,
		    confidence    = EXCLUDED.confidence,
		    last_seen_seq = GREATEST(facts.last_seen_seq, EXCLUDED.last_seen_seq),
		    sources       = EXCLUDED.sources,
		    active        = true,
		    dormant_at    = EXCLUDED.dormant_at,
		    updated_at    = now()`

	value := fact.Value
	if len(value) == 0 {
		value = []byte("null")
	}
	sources := fact.Sources
	if sources == nil {
		sources = []string{}
	}
	_, err := s.pool.Exec(ctx, q,
		fact.EventID, fact.Key, value, fact.Confidence,
		int64(fact.LastSeenSeq), sources, fact.DormantAt,
	)
	if err != nil {
		return fmt.Errorf("postgres facts: upsert %s: %w", fact.Key, err)
	}
	return nil
}

// ActiveFacts implements [store.FactStore].
func (s *Store) ActiveFacts(ctx context.Context, eventID string) ([]store.Fact, error) {
	const q = `
		SELECT event_id, fact_key, value, confidence, last_seen_seq, sources,
		       active, dormant_at, created_at, updated_at
		FROM   facts
		WHERE  event_id = $1 AND active
		ORDER  BY fact_key`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("postgres facts: active: %w", err)
	}
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Fact, error) {
		var (
			f   store.Fact
			seq int64
		)
		err := row.Scan(
			&f.EventID, &f.Key, &f.Value, &f.Confidence, &seq,
			&f.Sources, &f.Active, &f.DormantAt, &f.CreatedAt, &f.UpdatedAt,
		)
		f.LastSeenSeq = uint64(seq)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres facts: scan rows: %w", err)
	}
	return facts, nil
}

// MarkFactsInactive implements [store.FactStore].
func (s *Store) MarkFactsInactive(ctx context.Context, eventID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	const q = `
		UPDATE facts
		SET    active = false, updated_at = now()
		WHERE  event_id = $1 AND fact_key = ANY($2)`

	if _, err := s.pool.Exec(ctx, q, eventID, keys); err != nil {
		return fmt.Errorf("postgres facts: mark inactive: %w", err)
	}
	return nil
}

// ── Cards ──────────────────────────────────────────────────────────────────────

// InsertCard implements [store.CardStore]. The unique constraint on
// (event_id, source_seq, concept_id) makes duplicate emissions a no-op;
// the bool reports whether a row was actually written.
func (s *Store) InsertCard(ctx context.Context, card store.Card) (bool, error) {
	const q = `
		INSERT INTO cards
		    (id, event_id, kind, card_type, title, body, label, image_url,
		     source_seq, concept_id, concept_label, template_id, template_label, visual_request)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (event_id, source_seq, concept_id) DO NOTHING`

	id := card.ID
	if id == "" {
		id = uuid.NewString()
	}
	tag, err := s.pool.Exec(ctx, q,
		id, card.EventID, card.Kind, card.CardType, card.Title, card.Body,
		card.Label, card.ImageURL, int64(card.SourceSeq), card.ConceptID,
		card.ConceptLabel, card.TemplateID, card.TemplateLabel, card.VisualRequest,
	)
	if err != nil {
		return false, fmt.Errorf("postgres cards: insert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentCards implements [store.CardStore].
func (s *Store) RecentCards(ctx context.Context, eventID string, limit int) ([]store.Card, error) {
	const q = `
		SELECT id, event_id, kind, card_type, title, body, label, image_url,
		       source_seq, concept_id, concept_label, template_id, template_label,
		       visual_request, created_at
		FROM   cards
		WHERE  event_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres cards: recent: %w", err)
	}
	cards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Card, error) {
		var (
			c   store.Card
			seq int64
		)
		err := row.Scan(
			&c.ID, &c.EventID, &c.Kind, &c.CardType, &c.Title, &c.Body,
			&c.Label, &c.ImageURL, &seq, &c.ConceptID, &c.ConceptLabel,
			&c.TemplateID, &c.TemplateLabel, &c.VisualRequest, &c.CreatedAt,
		)
		c.SourceSeq = uint64(seq)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres cards: scan rows: %w", err)
	}
	return cards, nil
}

// ── Glossary ───────────────────────────────────────────────────────────────────

// ActiveGlossary implements [store.GlossaryStore].
func (s *Store) ActiveGlossary(ctx context.Context, eventID string) ([]store.GlossaryEntry, error) {
	const q = `
		SELECT event_id, term, definition, acronym_for, category,
		       usage_examples, related_terms, confidence_score
		FROM   glossary_entries
		WHERE  event_id = $1 AND active
		ORDER  BY confidence_score DESC`

	rows, err := s.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("postgres glossary: query: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.GlossaryEntry, error) {
		var e store.GlossaryEntry
		err := row.Scan(
			&e.EventID, &e.Term, &e.Definition, &e.AcronymFor, &e.Category,
			&e.UsageExamples, &e.RelatedTerms, &e.ConfidenceScore,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres glossary: scan rows: %w", err)
	}
	return entries, nil
}

// ── Checkpoints ────────────────────────────────────────────────────────────────

// Checkpoint implements [store.CheckpointStore].
func (s *Store) Checkpoint(ctx context.Context, eventID string, agentType store.AgentType) (uint64, error) {
	const q = `
		SELECT COALESCE(
		    (SELECT last_processed_seq FROM checkpoints WHERE event_id = $1 AND agent_type = $2),
		    0)`

	var seq int64
	if err := s.pool.QueryRow(ctx, q, eventID, agentType).Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres checkpoints: read: %w", err)
	}
	return uint64(seq), nil
}

// SaveCheckpoint implements [store.CheckpointStore]. GREATEST keeps the
// stored value monotonic under concurrent writers.
func (s *Store) SaveCheckpoint(ctx context.Context, eventID string, agentType store.AgentType, seq uint64) error {
	const q = `
		INSERT INTO checkpoints (event_id, agent_type, last_processed_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, agent_type) DO UPDATE SET
		    last_processed_seq = GREATEST(checkpoints.last_processed_seq, EXCLUDED.last_processed_seq),
		    updated_at         = now()`

	if _, err := s.pool.Exec(ctx, q, eventID, agentType, int64(seq)); err != nil {
		return fmt.Errorf("postgres checkpoints: save: %w", err)
	}
	return nil
}

// ── Agent output log ───────────────────────────────────────────────────────────

// AppendOutput implements [store.OutputStore].
func (s *Store) AppendOutput(ctx context.Context, out store.AgentOutput) error {
	const q = `
		INSERT INTO agent_outputs (id, event_id, agent_type, output_type, source_seq, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`

	id := out.ID
	if id == "" {
		id = uuid.NewString()
	}
	payload := out.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if _, err := s.pool.Exec(ctx, q,
		id, out.EventID, out.AgentType, out.OutputType, int64(out.SourceSeq), payload,
	); err != nil {
		return fmt.Errorf("postgres outputs: append: %w", err)
	}
	return nil
}

// ── Context retrieval ──────────────────────────────────────────────────────────

// SearchContext implements [store.Retriever]. Results are ordered by
// ascending cosine distance (most similar first); similarity is
// 1 - distance.
func (s *Store) SearchContext(ctx context.Context, eventID string, embedding []float32, topK int) ([]store.RetrievedChunk, error) {
	const q = `
		SELECT id, chunk, 1 - (embedding <=> $2) AS similarity
		FROM   context_items
		WHERE  event_id = $1
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, eventID, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("postgres retrieve: search: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.RetrievedChunk, error) {
		var c store.RetrievedChunk
		err := row.Scan(&c.ID, &c.Chunk, &c.Similarity)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres retrieve: scan rows: %w", err)
	}
	return chunks, nil
}
