package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/veyra-labs/briefwire/internal/agents"
	"github.com/veyra-labs/briefwire/internal/driver"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Mailbox sizing and transcript reordering parameters.
const (
	DefaultMailboxSize = 1024

	// ReorderWindow is how many out-of-order transcript commands are held
	// back waiting for the gap to fill.
	ReorderWindow = 32

	// ReorderDelay is how long a gap is waited on before the held chunks
	// are released anyway.
	ReorderDelay = 250 * time.Millisecond
)

// ErrMailboxFull is returned by Enqueue when the bounded queue is
// saturated. Callers must apply backpressure, not retry in a loop.
var ErrMailboxFull = errors.New("runtime: mailbox full")

// Command is one unit of work for a runtime actor.
type Command interface{ command() }

// AppendAudioCmd streams one audio chunk to the transcript session.
type AppendAudioCmd struct {
	Chunk realtime.AudioChunk
}

// HandleTranscriptCmd ingests one transcript chunk.
type HandleTranscriptCmd struct {
	Chunk store.TranscriptChunk
}

// HandleCardResponseCmd applies one parsed card from the cards model.
type HandleCardResponseCmd struct {
	Card store.Card
}

// HandleFactsResponseCmd applies one parsed facts array.
type HandleFactsResponseCmd struct {
	Updates []agents.FactUpdate
}

// FlushFactsCmd fires the facts debounce. Enqueued by the debounce
// timer, never by external callers.
type FlushFactsCmd struct{}

// SessionStatusChangeCmd reports a driver status transition.
type SessionStatusChangeCmd struct {
	AgentType store.AgentType
	Status    driver.Status
	SessionID string
}

// PauseCmd, ResumeCmd, CloseCmd, ShutdownCmd and CheckpointCmd drive the
// runtime lifecycle.
type (
	PauseCmd      struct{}
	ResumeCmd     struct{}
	CloseCmd      struct{}
	ShutdownCmd   struct{}
	CheckpointCmd struct{}
)

func (AppendAudioCmd) command()         {}
func (HandleTranscriptCmd) command()    {}
func (HandleCardResponseCmd) command()  {}
func (HandleFactsResponseCmd) command() {}
func (FlushFactsCmd) command()          {}
func (SessionStatusChangeCmd) command() {}
func (PauseCmd) command()               {}
func (ResumeCmd) command()              {}
func (CloseCmd) command()               {}
func (ShutdownCmd) command()            {}
func (CheckpointCmd) command()          {}

// Handler executes commands against a runtime. Implementations run on
// the actor goroutine and may perform I/O; pure store mutation must not
// block.
type Handler interface {
	HandleAppendAudio(ctx context.Context, rt *EventRuntime, chunk realtime.AudioChunk)
	HandleTranscript(ctx context.Context, rt *EventRuntime, chunk store.TranscriptChunk)
	HandleCardResponse(ctx context.Context, rt *EventRuntime, card store.Card)
	HandleFactsResponse(ctx context.Context, rt *EventRuntime, updates []agents.FactUpdate)
	FlushFacts(ctx context.Context, rt *EventRuntime)
	HandleSessionStatusChange(ctx context.Context, rt *EventRuntime, agentType store.AgentType, status driver.Status, sessionID string)
	HandlePause(ctx context.Context, rt *EventRuntime)
	HandleResume(ctx context.Context, rt *EventRuntime)
	HandleClose(ctx context.Context, rt *EventRuntime)
	Checkpoint(ctx context.Context, rt *EventRuntime)
}

// Mailbox is the bounded single-consumer command queue that serializes
// all mutation of one EventRuntime.
type Mailbox struct {
	ch  chan Command
	log *slog.Logger
}

// NewMailbox creates a mailbox with the given capacity (DefaultMailboxSize
// when size <= 0).
func NewMailbox(size int, log *slog.Logger) *Mailbox {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Mailbox{ch: make(chan Command, size), log: log}
}

// Enqueue posts a command without blocking. Returns ErrMailboxFull when
// the queue is saturated.
func (m *Mailbox) Enqueue(cmd Command) error {
	select {
	case m.ch <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Depth returns the number of queued commands.
func (m *Mailbox) Depth() int { return len(m.ch) }

// Run consumes commands until ctx ends or a Close/Shutdown command is
// processed. Transcript commands are released in seq order: out-of-order
// arrivals are buffered up to ReorderWindow items for up to ReorderDelay,
// then released ascending; chunks older than the last delivered seq are
// logged and dropped.
func (m *Mailbox) Run(ctx context.Context, rt *EventRuntime, h Handler) {
	held := make(map[uint64]store.TranscriptChunk)
	var gapTimer *time.Timer
	var gapC <-chan time.Time

	stopTimer := func() {
		if gapTimer != nil {
			gapTimer.Stop()
			gapTimer = nil
			gapC = nil
		}
	}
	armTimer := func() {
		if gapTimer == nil {
			gapTimer = time.NewTimer(ReorderDelay)
			gapC = gapTimer.C
		}
	}
	releaseHeld := func() {
		stopTimer()
		if len(held) == 0 {
			return
		}
		seqs := make([]uint64, 0, len(held))
		for seq := range held {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			chunk := held[seq]
			delete(held, seq)
			h.HandleTranscript(ctx, rt, chunk)
		}
	}
	// drainInOrder dispatches consecutive held chunks following the
	// runtime's last delivered seq.
	drainInOrder := func() {
		for {
			next, ok := held[rt.TranscriptLastSeq+1]
			if !ok {
				break
			}
			delete(held, next.Seq)
			h.HandleTranscript(ctx, rt, next)
		}
		if len(held) == 0 {
			stopTimer()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return

		case <-gapC:
			gapTimer = nil
			gapC = nil
			releaseHeld()

		case cmd := <-m.ch:
			switch c := cmd.(type) {
			case HandleTranscriptCmd:
				chunk := c.Chunk
				switch {
				case chunk.Seq == 0 || chunk.Seq == rt.TranscriptLastSeq+1:
					// In order, or seq still unassigned: deliver directly.
					h.HandleTranscript(ctx, rt, chunk)
					drainInOrder()
				case chunk.Seq <= rt.TranscriptLastSeq:
					m.log.Warn("dropping stale transcript chunk",
						"seq", chunk.Seq, "last_seq", rt.TranscriptLastSeq)
				default:
					held[chunk.Seq] = chunk
					armTimer()
					if len(held) >= ReorderWindow {
						releaseHeld()
					}
				}

			case AppendAudioCmd:
				h.HandleAppendAudio(ctx, rt, c.Chunk)
			case HandleCardResponseCmd:
				h.HandleCardResponse(ctx, rt, c.Card)
			case HandleFactsResponseCmd:
				h.HandleFactsResponse(ctx, rt, c.Updates)
			case FlushFactsCmd:
				h.FlushFacts(ctx, rt)
			case SessionStatusChangeCmd:
				h.HandleSessionStatusChange(ctx, rt, c.AgentType, c.Status, c.SessionID)
			case PauseCmd:
				h.HandlePause(ctx, rt)
			case ResumeCmd:
				h.HandleResume(ctx, rt)
			case CheckpointCmd:
				h.Checkpoint(ctx, rt)
			case CloseCmd, ShutdownCmd:
				releaseHeld()
				h.HandleClose(ctx, rt)
				return
			default:
				m.log.Warn("unknown mailbox command", "command", cmd)
			}
		}
	}
}
