// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to drive the inbound event stream and inspect which
// methods the driver invoked.
//
// Example:
//
//	sess := mock.NewSession("sess-1")
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.ServerEvent{Type: realtime.EventResponseDone})
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// default Session.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectErrs, if non-empty, is consumed one entry per Connect call
	// before ConnectErr is consulted; nil entries mean success. Used to
	// script reconnect sequences.
	ConnectErrs []error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})

	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession("mock-session"), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// TurnCall records a single invocation of Session.SendTurn.
type TurnCall struct {
	Turn realtime.Turn
}

// ToolResultCall records a single invocation of Session.SendToolResult.
type ToolResultCall struct {
	CallID string
	Output json.RawMessage
}

// AudioCall records a single invocation of Session.AppendAudio.
type AudioCall struct {
	Chunk realtime.AudioChunk
}

// Session is a mock implementation of realtime.Session. Tests feed
// inbound events with Emit and close the stream with CloseEvents.
type Session struct {
	mu sync.Mutex

	// SessionID is returned by ID.
	SessionID string

	// EventsCh is the channel returned by Events. NewSession creates it
	// buffered; callers own it and may close it via CloseEvents.
	EventsCh chan realtime.ServerEvent

	// --- Configurable errors ---

	// SessionErr is returned by Err.
	SessionErr error

	// SendTurnErr, if non-nil, is returned by every SendTurn call.
	SendTurnErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// AppendAudioErr, if non-nil, is returned by every AppendAudio call.
	AppendAudioErr error

	// PingErr, if non-nil, is returned by every Ping call.
	PingErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// TurnCalls records every call to SendTurn in order.
	TurnCalls []TurnCall

	// ToolResultCalls records every call to SendToolResult in order.
	ToolResultCalls []ToolResultCall

	// AudioCalls records every call to AppendAudio in order.
	AudioCalls []AudioCall

	// PingCallCount is the number of times Ping was called.
	PingCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	closeOnce sync.Once
}

// NewSession creates a mock session with a buffered event channel.
func NewSession(id string) *Session {
	return &Session{
		SessionID: id,
		EventsCh:  make(chan realtime.ServerEvent, 64),
	}
}

// Emit places an inbound event on the stream. Panics if the channel was
// closed; tests should not emit after CloseEvents.
func (s *Session) Emit(evt realtime.ServerEvent) {
	s.EventsCh <- evt
}

// CloseEvents closes the event stream, signalling end-of-session.
// Idempotent.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.EventsCh) })
}

// ID returns SessionID.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionID
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.ServerEvent { return s.EventsCh }

// Err returns SessionErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionErr
}

// SendTurn records the call and returns SendTurnErr.
func (s *Session) SendTurn(ctx context.Context, turn realtime.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TurnCalls = append(s.TurnCalls, TurnCall{Turn: turn})
	return s.SendTurnErr
}

// SendToolResult records the call and returns SendToolResultErr.
func (s *Session) SendToolResult(ctx context.Context, callID string, output json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(json.RawMessage, len(output))
	copy(cp, output)
	s.ToolResultCalls = append(s.ToolResultCalls, ToolResultCall{CallID: callID, Output: cp})
	return s.SendToolResultErr
}

// AppendAudio records the call and returns AppendAudioErr.
func (s *Session) AppendAudio(ctx context.Context, chunk realtime.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AudioCalls = append(s.AudioCalls, AudioCall{Chunk: chunk})
	return s.AppendAudioErr
}

// Ping records the call and returns PingErr.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingCallCount++
	return s.PingErr
}

// Close records the call, closes the event stream per the Session
// contract, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.CloseEvents()
	return err
}

// Turns returns a snapshot of TurnCalls. Thread-safe.
func (s *Session) Turns() []TurnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnCall, len(s.TurnCalls))
	copy(out, s.TurnCalls)
	return out
}

// ToolResults returns a snapshot of recorded SendToolResult calls.
// Thread-safe.
func (s *Session) ToolResults() []ToolResultCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolResultCall, len(s.ToolResultCalls))
	copy(out, s.ToolResultCalls)
	return out
}

// Audios returns a snapshot of AudioCalls. Thread-safe.
func (s *Session) Audios() []AudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AudioCall, len(s.AudioCalls))
	copy(out, s.AudioCalls)
	return out
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TurnCalls = nil
	s.ToolResultCalls = nil
	s.AudioCalls = nil
	s.PingCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
