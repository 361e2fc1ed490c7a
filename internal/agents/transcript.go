package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// maxTranscriptChars bounds a single transcript chunk's text.
const maxTranscriptChars = 100_000

const transcriptWriteTimeout = 5 * time.Second

// PendingMeta carries speaker and timing metadata from the audio append
// path to the transcription event that the provider emits later.
type PendingMeta struct {
	Speaker string
	AtMS    int64
	// Seq, when non-zero, overrides the handler's own sequence
	// assignment for the next completed transcription.
	Seq uint64
}

// TranscriptSink receives each finalized chunk after its durable write.
type TranscriptSink func(chunk store.TranscriptChunk)

// TranscriptHandler turns provider transcription events into durable
// transcript chunks. Sequence numbers are assigned only on completed
// transcriptions; deltas update interim state and never advance them.
type TranscriptHandler struct {
	eventID     string
	transcripts store.TranscriptStore
	nextSeq     func() uint64
	sink        TranscriptSink
	log         *slog.Logger

	mu      sync.Mutex
	interim map[string]string // item id → accumulated interim text
	meta    PendingMeta
}

// NewTranscriptHandler builds the handler. nextSeq must return the next
// unassigned sequence number for the event; sink receives each chunk
// after the write-through.
func NewTranscriptHandler(eventID string, transcripts store.TranscriptStore, nextSeq func() uint64, sink TranscriptSink, log *slog.Logger) *TranscriptHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TranscriptHandler{
		eventID:     eventID,
		transcripts: transcripts,
		nextSeq:     nextSeq,
		sink:        sink,
		log:         log.With("event_id", eventID, "agent_type", store.AgentTranscript),
		interim:     make(map[string]string),
	}
}

// SetPendingMeta records metadata for the next completed transcription.
func (h *TranscriptHandler) SetPendingMeta(m PendingMeta) {
	h.mu.Lock()
	h.meta = m
	h.mu.Unlock()
}

// HandleEvent processes one inbound provider event. Only transcription
// events are acted on; everything else is ignored here.
func (h *TranscriptHandler) HandleEvent(ctx context.Context, evt realtime.ServerEvent) {
	switch evt.Type {
	case realtime.EventTranscriptionDelta:
		h.mu.Lock()
		h.interim[evt.ItemID] += evt.Text
		h.mu.Unlock()

	case realtime.EventTranscriptionCompleted:
		h.completed(ctx, evt)
	}
}

func (h *TranscriptHandler) completed(ctx context.Context, evt realtime.ServerEvent) {
	text := evt.Text
	h.mu.Lock()
	if text == "" {
		text = h.interim[evt.ItemID]
	}
	delete(h.interim, evt.ItemID)
	meta := h.meta
	// A caller-supplied seq applies to exactly one completion.
	h.meta.Seq = 0
	h.mu.Unlock()

	if text == "" {
		h.log.Warn("transcription completed with empty text", "item_id", evt.ItemID)
		return
	}
	if len(text) > maxTranscriptChars {
		h.log.Warn("transcription over length cap, truncating",
			"item_id", evt.ItemID, "chars", len(text))
		text = text[:maxTranscriptChars]
	}

	atMS := meta.AtMS
	if atMS == 0 {
		atMS = time.Now().UnixMilli()
	}
	seq := meta.Seq
	if seq == 0 {
		seq = h.nextSeq()
	}
	chunk := store.TranscriptChunk{
		EventID:      h.eventID,
		Seq:          seq,
		AtMS:         atMS,
		Speaker:      meta.Speaker,
		Text:         text,
		Final:        true,
		TranscriptID: evt.ItemID,
	}

	// Durable write first, then hand off; the in-memory path never leads
	// the log.
	wctx, cancel := context.WithTimeout(ctx, transcriptWriteTimeout)
	err := h.transcripts.InsertChunk(wctx, chunk)
	cancel()
	if err != nil {
		h.log.Error("transcript write-through failed", "seq", chunk.Seq, "error", err)
	}

	h.sink(chunk)
}
