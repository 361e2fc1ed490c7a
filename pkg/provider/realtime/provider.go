// Package realtime defines the Provider interface for duplex realtime
// model backends.
//
// A realtime provider wraps a streaming model service that holds one
// long-lived, stateful session per connection: text turns and audio go
// out, transcription events, text responses and tool calls come back.
// The central abstraction is Session: a bidirectional channel that
// multiplexes every inbound provider event onto a single stream, leaving
// queueing, heartbeats and reconnects to the caller.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes one function tool offered to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig is the initial configuration for a new realtime session.
type SessionConfig struct {
	// Model selects the concrete provider model for this session.
	Model string

	// Instructions is the system-level prompt sent with the initial
	// session configuration.
	Instructions string

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Transcription enables inbound audio transcription events. Only the
	// transcript session sets this.
	Transcription bool

	// TranscriptionModel selects the transcription model when
	// Transcription is set. Empty uses the provider default.
	TranscriptionModel string
}

// EventType discriminates the inbound events a Session emits.
type EventType string

const (
	EventSessionCreated         EventType = "session_created"
	EventSessionUpdated         EventType = "session_updated"
	EventToolCall               EventType = "tool_call"
	EventResponseTextDelta      EventType = "response_text_delta"
	EventResponseTextDone       EventType = "response_text_done"
	EventResponseDone           EventType = "response_done"
	EventTranscriptionDelta     EventType = "transcription_delta"
	EventTranscriptionCompleted EventType = "transcription_completed"
	EventPong                   EventType = "pong"
	EventError                  EventType = "error"
)

// ServerEvent is one inbound provider event, already decoded from the
// wire format. Only the fields relevant to the Type are populated.
type ServerEvent struct {
	Type EventType

	// SessionID is set on session_created and session_updated.
	SessionID string

	// Text carries the delta or final text for response and transcription
	// events.
	Text string

	// ItemID identifies the provider-side item a transcription event
	// belongs to.
	ItemID string

	// ToolName, ToolCallID and ToolArgs are set on tool_call. ToolArgs is
	// the raw JSON arguments string.
	ToolName   string
	ToolCallID string
	ToolArgs   string

	// Err is set on error events. Inspect with errors.As for
	// provider-specific detail.
	Err error
}

// AudioChunk is one opaque audio segment streamed to a transcription
// session.
type AudioChunk struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"is_final"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	// Seq, when non-zero, is the caller-assigned sequence number for the
	// transcript chunk this audio produces.
	Seq     uint64 `json:"seq,omitempty"`
	Speaker string `json:"speaker,omitempty"`
}

// Turn is one outbound text turn.
type Turn struct {
	// Text is the user-role message content.
	Text string

	// ResponseExpected requests a model response after the turn is
	// appended. The caller must not issue another response-expecting turn
	// until response_done arrives.
	ResponseExpected bool
}

// Session represents one open realtime session. Implementations own a
// receive goroutine that decodes provider events onto the Events channel;
// the channel is closed when the session ends. After it closes, call Err
// to check whether the session ended cleanly.
//
// Callers must call Close when the session is no longer needed. All
// methods are safe for concurrent use.
type Session interface {
	// ID returns the provider-assigned session id, or empty before
	// session_created has arrived.
	ID() string

	// Events returns the multiplexed inbound event stream. Consumers must
	// drain it promptly; a stalled consumer stalls the receive loop.
	Events() <-chan ServerEvent

	// Err returns the error that closed the Events channel prematurely,
	// or nil if the session ended cleanly.
	Err() error

	// SendTurn appends a text turn and, when the turn expects a response,
	// requests one.
	SendTurn(ctx context.Context, turn Turn) error

	// SendToolResult returns a tool call's output to the model and
	// requests the continuation response.
	SendToolResult(ctx context.Context, callID string, output json.RawMessage) error

	// AppendAudio streams one audio chunk; a final chunk commits the
	// provider's input buffer.
	AppendAudio(ctx context.Context, chunk AudioChunk) error

	// Ping sends a transport-level keepalive and waits for the pong.
	Ping(ctx context.Context) error

	// Close terminates the session and releases all resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime backend.
//
// Implementations must be safe for concurrent use; the worker opens up
// to three concurrent sessions per event.
type Provider interface {
	// Connect establishes a new session with the given configuration.
	// The returned Session is ready to accept turns immediately. The
	// caller owns the Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
