package driver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime/mock"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// statusRecorder collects status callback invocations.
type statusRecorder struct {
	mu      sync.Mutex
	entries []Status
}

func (r *statusRecorder) callback(_ store.AgentType, st Status, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, st)
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *statusRecorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return ""
	}
	return r.entries[len(r.entries)-1]
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func turnCount(s *mock.Session) func() bool {
	return func() bool { return len(s.Turns()) > 0 }
}

func TestDriverConnectIdempotent(t *testing.T) {
	sess := mock.NewSession("sess-1")
	p := &mock.Provider{Session: sess}
	rec := &statusRecorder{}
	d := New(Config{
		AgentType: store.AgentCards,
		Provider:  p,
		OnStatus:  rec.callback,
	})
	defer d.Close()

	id, err := d.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("expected session id sess-1, got %q", id)
	}

	id2, err := d.Connect(context.Background())
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if id2 != "sess-1" {
		t.Errorf("expected same session id, got %q", id2)
	}
	if got := len(p.ConnectCalls); got != 1 {
		t.Errorf("expected 1 provider connect, got %d", got)
	}

	sts := rec.statuses()
	if len(sts) < 2 || sts[0] != StatusConnecting || sts[1] != StatusActive {
		t.Errorf("expected connecting→active, got %v", sts)
	}
}

func TestDriverConnectError(t *testing.T) {
	p := &mock.Provider{ConnectErr: errors.New("boom")}
	rec := &statusRecorder{}
	d := New(Config{AgentType: store.AgentFacts, Provider: p, OnStatus: rec.callback})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if rec.last() != StatusError {
		t.Errorf("expected error status, got %v", rec.statuses())
	}
}

func TestDriverAtMostOneInFlight(t *testing.T) {
	sess := mock.NewSession("sess-1")
	p := &mock.Provider{Session: sess}
	d := New(Config{
		AgentType:       store.AgentCards,
		Provider:        p,
		ResponseTimeout: time.Second,
	})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := d.Send(context.Background(), "first", true); err != nil {
		t.Fatalf("send first: %v", err)
	}
	if err := d.Send(context.Background(), "second", true); err != nil {
		t.Fatalf("send second: %v", err)
	}

	waitFor(t, turnCount(sess), "first turn issued")
	time.Sleep(20 * time.Millisecond)
	if got := len(sess.Turns()); got != 1 {
		t.Fatalf("expected second send gated, got %d turns", got)
	}

	sess.Emit(realtime.ServerEvent{Type: realtime.EventResponseDone})

	waitFor(t, func() bool { return len(sess.Turns()) == 2 }, "second turn released")
	turns := sess.Turns()
	if turns[1].Turn.Text != "second" {
		t.Errorf("expected second turn, got %q", turns[1].Turn.Text)
	}
}

func TestDriverResponseTimeoutReleasesQueue(t *testing.T) {
	sess := mock.NewSession("sess-1")
	p := &mock.Provider{Session: sess}
	d := New(Config{
		AgentType:       store.AgentCards,
		Provider:        p,
		ResponseTimeout: 30 * time.Millisecond,
	})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := d.Send(context.Background(), "first", true); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := d.Send(context.Background(), "second", true); err != nil {
		t.Fatalf("send: %v", err)
	}

	// No response_done is ever emitted; the timeout must unblock the queue.
	waitFor(t, func() bool { return len(sess.Turns()) == 2 }, "timeout released queue")
}

func TestDriverPauseResume(t *testing.T) {
	sess := mock.NewSession("sess-1")
	p := &mock.Provider{Session: sess}
	rec := &statusRecorder{}
	d := New(Config{AgentType: store.AgentTranscript, Provider: p, OnStatus: rec.callback})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	d.Pause()
	if d.Status() != StatusPaused {
		t.Fatalf("expected paused, got %v", d.Status())
	}

	if err := d.Send(context.Background(), "while paused", false); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(sess.Turns()); got != 0 {
		t.Fatalf("expected send suppressed while paused, got %d turns", got)
	}

	id, err := d.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("expected existing session id, got %q", id)
	}
	waitFor(t, turnCount(sess), "queued send released on resume")

	t.Run("audio rejected while paused", func(t *testing.T) {
		d.Pause()
		err := d.AppendAudioChunk(context.Background(), realtime.AudioChunk{AudioBase64: "AA=="})
		if err == nil {
			t.Error("expected error appending audio while paused")
		}
	})
}

func TestDriverAppendAudio(t *testing.T) {
	sess := mock.NewSession("sess-1")
	p := &mock.Provider{Session: sess}
	d := New(Config{AgentType: store.AgentTranscript, Provider: p})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	chunk := realtime.AudioChunk{AudioBase64: "AA==", Final: true, SampleRate: 16000}
	if err := d.AppendAudioChunk(context.Background(), chunk); err != nil {
		t.Fatalf("append audio: %v", err)
	}
	if len(sess.Audios()) != 1 || !sess.Audios()[0].Chunk.Final {
		t.Errorf("expected 1 final audio call, got %v", sess.Audios())
	}
}

func TestDriverReconnectOnStreamClose(t *testing.T) {
	first := mock.NewSession("sess-1")
	second := mock.NewSession("sess-2")
	p := &mock.Provider{Session: first}
	rec := &statusRecorder{}
	d := New(Config{
		AgentType: store.AgentCards,
		Provider:  p,
		OnStatus:  rec.callback,
		Backoff:   time.Millisecond,
	})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p.Session = second
	first.CloseEvents()

	waitFor(t, func() bool { return d.SessionID() == "sess-2" }, "reconnected to new session")
	if d.Status() != StatusActive {
		t.Errorf("expected active after reconnect, got %v", d.Status())
	}
	if len(p.ConnectCalls) != 2 {
		t.Errorf("expected 2 connects, got %d", len(p.ConnectCalls))
	}
}

func TestDriverReconnectExhaustionIsFatal(t *testing.T) {
	first := mock.NewSession("sess-1")
	p := &mock.Provider{Session: first}
	rec := &statusRecorder{}
	d := New(Config{
		AgentType:  store.AgentFacts,
		Provider:   p,
		OnStatus:   rec.callback,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p.ConnectErr = errors.New("still down")
	first.CloseEvents()

	waitFor(t, func() bool { return d.Status() == StatusError }, "driver moved to error")
	if len(p.ConnectCalls) != 3 { // initial + 2 retries
		t.Errorf("expected 3 connects, got %d", len(p.ConnectCalls))
	}
}

func TestDriverConnectAfterErrorKeepsSingleQueueConsumer(t *testing.T) {
	first := mock.NewSession("sess-1")
	p := &mock.Provider{Session: first}
	d := New(Config{
		AgentType:       store.AgentCards,
		Provider:        p,
		MaxRetries:      1,
		Backoff:         time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
		ResponseTimeout: time.Second,
	})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Kill the session and exhaust the single reconnect attempt.
	p.ConnectErr = errors.New("still down")
	first.CloseEvents()
	waitFor(t, func() bool { return d.Status() == StatusError }, "driver moved to error")

	// Operator recovery: a fresh Connect on the errored driver.
	second := mock.NewSession("sess-2")
	p.ConnectErr = nil
	p.Session = second
	id, err := d.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect after error: %v", err)
	}
	if id != "sess-2" {
		t.Errorf("expected new session id, got %q", id)
	}

	// With a single queue consumer the second response-expecting turn
	// must stay gated until the first one's response_done arrives.
	if err := d.Send(context.Background(), "first", true); err != nil {
		t.Fatalf("send first: %v", err)
	}
	if err := d.Send(context.Background(), "second", true); err != nil {
		t.Fatalf("send second: %v", err)
	}
	waitFor(t, turnCount(second), "first turn issued")
	time.Sleep(20 * time.Millisecond)
	if got := len(second.Turns()); got != 1 {
		t.Fatalf("expected second send gated after recovery, got %d turns", got)
	}

	second.Emit(realtime.ServerEvent{Type: realtime.EventResponseDone})
	waitFor(t, func() bool { return len(second.Turns()) == 2 }, "second turn released")
}

func TestDriverClose(t *testing.T) {
	sess := mock.NewSession("sess-1")
	p := &mock.Provider{Session: sess}
	rec := &statusRecorder{}
	d := New(Config{AgentType: store.AgentCards, Provider: p, OnStatus: rec.callback})

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if d.Status() != StatusClosed {
		t.Errorf("expected closed, got %v", d.Status())
	}
	if sess.CloseCallCount != 1 {
		t.Errorf("expected session closed once, got %d", sess.CloseCallCount)
	}

	t.Run("idempotent", func(t *testing.T) {
		if err := d.Close(); err != nil {
			t.Errorf("second close: %v", err)
		}
	})

	t.Run("send after close", func(t *testing.T) {
		if err := d.Send(context.Background(), "late", false); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	})
}

func TestDriverSessionIDFromServerEvent(t *testing.T) {
	sess := mock.NewSession("") // provider id arrives via session.created
	p := &mock.Provider{Session: sess}
	d := New(Config{AgentType: store.AgentCards, Provider: p})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sess.Emit(realtime.ServerEvent{Type: realtime.EventSessionCreated, SessionID: "late-id"})
	waitFor(t, func() bool { return d.SessionID() == "late-id" }, "session id updated from event")
}

func TestDriverForwardsEvents(t *testing.T) {
	sess := mock.NewSession("sess-1")
	p := &mock.Provider{Session: sess}

	var mu sync.Mutex
	var got []realtime.EventType
	d := New(Config{
		AgentType: store.AgentTranscript,
		Provider:  p,
		OnEvent: func(evt realtime.ServerEvent) {
			mu.Lock()
			got = append(got, evt.Type)
			mu.Unlock()
		},
	})
	defer d.Close()

	if _, err := d.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sess.Emit(realtime.ServerEvent{Type: realtime.EventTranscriptionCompleted, Text: "hello"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "event forwarded")
}
