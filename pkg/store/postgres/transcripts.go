package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// InsertChunk implements [store.TranscriptStore]. Chunks are upserted by
// (event_id, seq) so retried writes and back-fills are idempotent.
func (s *Store) InsertChunk(ctx context.Context, chunk store.TranscriptChunk) error {
	const q = `
		INSERT INTO transcripts
		    (event_id, seq, at_ms, speaker, text, final, transcript_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, seq) DO UPDATE SET
		    at_ms         = EXCLUDED.at_ms,
		    speaker       = EXCLUDED.speaker,
		    text          = EXCLUDED.text,
		    final         = EXCLUDED.final,
		    transcript_id = EXCLUDED.transcript_id`

	_, err := s.pool.Exec(ctx, q,
		chunk.EventID, int64(chunk.Seq), chunk.AtMS,
		chunk.Speaker, chunk.Text, chunk.Final, chunk.TranscriptID,
	)
	if err != nil {
		return fmt.Errorf("postgres transcripts: insert: %w", err)
	}
	return nil
}

// ChunksAfter implements [store.TranscriptStore].
func (s *Store) ChunksAfter(ctx context.Context, eventID string, afterSeq uint64, limit int) ([]store.TranscriptChunk, error) {
	const q = `
		SELECT event_id, seq, at_ms, speaker, text, final, transcript_id
		FROM   transcripts
		WHERE  event_id = $1 AND seq > $2 AND final
		ORDER  BY seq
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, eventID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres transcripts: chunks after: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, fmt.Errorf("postgres transcripts: scan rows: %w", err)
	}
	return chunks, nil
}

// MaxSeq implements [store.TranscriptStore].
func (s *Store) MaxSeq(ctx context.Context, eventID string) (uint64, error) {
	const q = `
		SELECT COALESCE(MAX(seq), 0)
		FROM   transcripts
		WHERE  event_id = $1 AND final`

	var max int64
	if err := s.pool.QueryRow(ctx, q, eventID).Scan(&max); err != nil {
		return 0, fmt.Errorf("postgres transcripts: max seq: %w", err)
	}
	return uint64(max), nil
}

// notifyPayload mirrors the JSON built by the transcript insert trigger.
type notifyPayload struct {
	EventID      string `json:"event_id"`
	Seq          int64  `json:"seq"`
	AtMS         int64  `json:"at_ms"`
	Speaker      string `json:"speaker"`
	Text         string `json:"text"`
	Final        bool   `json:"final"`
	TranscriptID string `json:"transcript_id"`
}

// SubscribeInserts implements [store.TranscriptStore]. It dedicates one
// pooled connection to LISTEN on the transcript channel and decodes each
// notification into a chunk. The feed stops when cancel is called or ctx
// ends; the channel is closed either way.
func (s *Store) SubscribeInserts(ctx context.Context) (<-chan store.TranscriptChunk, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres transcripts: acquire listener: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+transcriptChannel); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("postgres transcripts: listen: %w", err)
	}

	feedCtx, cancel := context.WithCancel(ctx)
	ch := make(chan store.TranscriptChunk, 256)

	go func() {
		defer close(ch)
		defer conn.Release()

		for {
			n, err := conn.Conn().WaitForNotification(feedCtx)
			if err != nil {
				if feedCtx.Err() == nil {
					slog.Error("transcript feed terminated", "error", err)
				}
				return
			}

			var p notifyPayload
			if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
				slog.Warn("transcript feed: bad payload", "error", err)
				continue
			}
			chunk := store.TranscriptChunk{
				EventID:      p.EventID,
				Seq:          uint64(p.Seq),
				AtMS:         p.AtMS,
				Speaker:      p.Speaker,
				Text:         p.Text,
				Final:        p.Final,
				TranscriptID: p.TranscriptID,
			}
			select {
			case ch <- chunk:
			case <-feedCtx.Done():
				return
			}
		}
	}()

	return ch, cancel, nil
}

func scanChunk(row pgx.CollectableRow) (store.TranscriptChunk, error) {
	var (
		c   store.TranscriptChunk
		seq int64
	)
	err := row.Scan(&c.EventID, &seq, &c.AtMS, &c.Speaker, &c.Text, &c.Final, &c.TranscriptID)
	c.Seq = uint64(seq)
	return c, err
}
