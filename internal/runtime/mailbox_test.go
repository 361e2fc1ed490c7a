package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/veyra-labs/briefwire/internal/agents"
	"github.com/veyra-labs/briefwire/internal/driver"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// recordingHandler records command dispatch order. HandleTranscript
// advances the runtime's seq counters the way the real processor does,
// which the mailbox's reorder logic depends on.
type recordingHandler struct {
	mu     sync.Mutex
	seqs   []uint64
	events []string
	closed bool
}

func (h *recordingHandler) note(ev string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) deliveredSeqs() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, len(h.seqs))
	copy(out, h.seqs)
	return out
}

func (h *recordingHandler) wasClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *recordingHandler) HandleTranscript(_ context.Context, rt *EventRuntime, chunk store.TranscriptChunk) {
	h.mu.Lock()
	h.seqs = append(h.seqs, chunk.Seq)
	h.mu.Unlock()
	if chunk.Seq > rt.TranscriptLastSeq {
		rt.TranscriptLastSeq = chunk.Seq
	}
}

func (h *recordingHandler) HandleAppendAudio(context.Context, *EventRuntime, realtime.AudioChunk) {
	h.note("audio")
}
func (h *recordingHandler) HandleCardResponse(context.Context, *EventRuntime, store.Card) {
	h.note("card")
}
func (h *recordingHandler) HandleFactsResponse(context.Context, *EventRuntime, []agents.FactUpdate) {
	h.note("facts")
}
func (h *recordingHandler) FlushFacts(context.Context, *EventRuntime) { h.note("flush") }
func (h *recordingHandler) HandleSessionStatusChange(_ context.Context, _ *EventRuntime, _ store.AgentType, _ driver.Status, _ string) {
	h.note("status")
}
func (h *recordingHandler) HandlePause(context.Context, *EventRuntime)  { h.note("pause") }
func (h *recordingHandler) HandleResume(context.Context, *EventRuntime) { h.note("resume") }
func (h *recordingHandler) HandleClose(context.Context, *EventRuntime) {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}
func (h *recordingHandler) Checkpoint(context.Context, *EventRuntime) { h.note("checkpoint") }

var _ Handler = (*recordingHandler)(nil)

func startMailbox(t *testing.T) (*Mailbox, *EventRuntime, *recordingHandler, context.CancelFunc) {
	t.Helper()
	m := NewMailbox(0, nil)
	rt := &EventRuntime{EventID: "ev-1", Mailbox: m}
	h := &recordingHandler{}
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx, rt, h)
	t.Cleanup(cancel)
	return m, rt, h, cancel
}

func waitSeqs(t *testing.T, h *recordingHandler, want int) []uint64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := h.deliveredSeqs(); len(got) >= want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("delivered %v, want %d chunks", h.deliveredSeqs(), want)
	return nil
}

func transcriptCmd(seq uint64) HandleTranscriptCmd {
	return HandleTranscriptCmd{Chunk: store.TranscriptChunk{Seq: seq, Text: "t", Final: true}}
}

func TestMailbox_InOrderDelivery(t *testing.T) {
	m, _, h, _ := startMailbox(t)
	for seq := uint64(1); seq <= 3; seq++ {
		if err := m.Enqueue(transcriptCmd(seq)); err != nil {
			t.Fatalf("enqueue %d: %v", seq, err)
		}
	}
	got := waitSeqs(t, h, 3)
	for i, want := range []uint64{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("delivered %v", got)
		}
	}
}

func TestMailbox_ReordersOutOfOrderArrivals(t *testing.T) {
	m, _, h, _ := startMailbox(t)
	m.Enqueue(transcriptCmd(3))
	m.Enqueue(transcriptCmd(2))
	m.Enqueue(transcriptCmd(1))

	got := waitSeqs(t, h, 3)
	for i, want := range []uint64{1, 2, 3} {
		if got[i] != want {
			t.Fatalf("delivered %v, want [1 2 3]", got)
		}
	}
}

func TestMailbox_GapTimeoutReleasesHeld(t *testing.T) {
	m, _, h, _ := startMailbox(t)
	m.Enqueue(transcriptCmd(5))
	m.Enqueue(transcriptCmd(7))

	// Seq 6 never arrives; after ReorderDelay both are released ascending.
	got := waitSeqs(t, h, 2)
	if got[0] != 5 || got[1] != 7 {
		t.Fatalf("delivered %v, want [5 7]", got)
	}
}

func TestMailbox_StaleSeqDropped(t *testing.T) {
	m, _, h, _ := startMailbox(t)
	m.Enqueue(transcriptCmd(1))
	m.Enqueue(transcriptCmd(2))
	waitSeqs(t, h, 2)

	m.Enqueue(transcriptCmd(1))
	m.Enqueue(transcriptCmd(3))
	got := waitSeqs(t, h, 3)
	if len(got) != 3 || got[2] != 3 {
		t.Fatalf("delivered %v, stale seq re-delivered", got)
	}
}

func TestMailbox_WindowOverflowReleases(t *testing.T) {
	m, _, h, _ := startMailbox(t)
	// Hold ReorderWindow chunks behind a missing seq 1; the overflow
	// release must not wait for the timer.
	for seq := uint64(2); seq < uint64(2+ReorderWindow); seq++ {
		m.Enqueue(transcriptCmd(seq))
	}
	got := waitSeqs(t, h, ReorderWindow)
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("release not ascending: %v", got)
		}
	}
}

func TestMailbox_CloseReleasesHeldAndStops(t *testing.T) {
	m, _, h, _ := startMailbox(t)
	m.Enqueue(transcriptCmd(4)) // held behind missing 1..3
	m.Enqueue(CloseCmd{})

	waitSeqs(t, h, 1)
	deadline := time.Now().Add(2 * time.Second)
	for !h.wasClosed() {
		if time.Now().After(deadline) {
			t.Fatal("close handler never ran")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// The loop has exited; commands pile up unconsumed.
	m.Enqueue(transcriptCmd(5))
	time.Sleep(20 * time.Millisecond)
	if got := h.deliveredSeqs(); len(got) != 1 {
		t.Fatalf("delivered %v after close", got)
	}
}

func TestMailbox_EnqueueFull(t *testing.T) {
	m := NewMailbox(1, nil)
	if err := m.Enqueue(FlushFactsCmd{}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := m.Enqueue(FlushFactsCmd{}); err != ErrMailboxFull {
		t.Fatalf("err = %v, want ErrMailboxFull", err)
	}
	if m.Depth() != 1 {
		t.Errorf("depth = %d, want 1", m.Depth())
	}
}

func TestMailbox_DispatchesLifecycleCommands(t *testing.T) {
	m, _, h, _ := startMailbox(t)
	m.Enqueue(PauseCmd{})
	m.Enqueue(ResumeCmd{})
	m.Enqueue(CheckpointCmd{})
	m.Enqueue(FlushFactsCmd{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mu.Lock()
		n := len(h.events)
		h.mu.Unlock()
		if n >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = %v", h.events)
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	want := []string{"pause", "resume", "checkpoint", "flush"}
	for i, ev := range want {
		if h.events[i] != ev {
			t.Fatalf("events = %v, want %v", h.events, want)
		}
	}
}
