// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API
// protocol. Audio is forwarded as base64 chunks; inbound events are
// decoded into realtime.ServerEvent values and multiplexed onto the
// session's Events channel.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the
// realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultTranscriptionModel = "gpt-4o-transcribe"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests
// to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and
// options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Realtime session with the given
// configuration. The returned Session is ready once the session.update
// message has been sent.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.ServerEvent, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions            string              `json:"instructions,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	Modalities              []string            `json:"modalities,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	InputAudioTranscription *transcriptionHints `json:"input_audio_transcription,omitempty"`
}

type transcriptionHints struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.text.delta / conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// session.created / session.updated
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.ServerEvent

	mu        sync.Mutex
	sessionID string
	errVal    error
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends the initial session.update event configuring
// instructions, tools and transcription.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	params := sessionParams{
		Instructions: cfg.Instructions,
		Modalities:   []string{"text"},
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	if cfg.Transcription {
		model := cfg.TranscriptionModel
		if model == "" {
			model = defaultTranscriptionModel
		}
		params.InputAudioFormat = "pcm16"
		params.InputAudioTranscription = &transcriptionHints{Model: model}
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It
// owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created", "session.updated":
		id := ""
		if evt.Session != nil {
			id = evt.Session.ID
		}
		if id != "" {
			s.mu.Lock()
			s.sessionID = id
			s.mu.Unlock()
		}
		typ := realtime.EventSessionCreated
		if evt.Type == "session.updated" {
			typ = realtime.EventSessionUpdated
		}
		s.emit(realtime.ServerEvent{Type: typ, SessionID: id})

	case "response.text.delta", "response.output_text.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.ServerEvent{Type: realtime.EventResponseTextDelta, Text: evt.Delta})

	case "response.text.done", "response.output_text.done":
		s.emit(realtime.ServerEvent{Type: realtime.EventResponseTextDone, Text: evt.Text})

	case "response.done":
		s.emit(realtime.ServerEvent{Type: realtime.EventResponseDone})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.ServerEvent{
			Type:   realtime.EventTranscriptionDelta,
			Text:   evt.Delta,
			ItemID: evt.ItemID,
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.ServerEvent{
			Type:   realtime.EventTranscriptionCompleted,
			Text:   evt.Transcript,
			ItemID: evt.ItemID,
		})

	case "response.function_call_arguments.done":
		s.emit(realtime.ServerEvent{
			Type:       realtime.EventToolCall,
			ToolName:   evt.Name,
			ToolCallID: evt.CallID,
			ToolArgs:   evt.Arguments,
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.ServerEvent{
			Type: realtime.EventError,
			Err:  fmt.Errorf("openai: %s", msg),
		})
	}
}

func (s *session) emit(evt realtime.ServerEvent) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// toOAITools converts realtime.ToolDefinition slice to the Realtime
// tool format.
func toOAITools(tools []realtime.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ────────────────────────────────────────────────────────────

// ID returns the provider-assigned session id.
func (s *session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Events returns the multiplexed inbound event stream.
func (s *session) Events() <-chan realtime.ServerEvent { return s.events }

// Err returns the first non-nil error that caused the session to
// terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// SendTurn appends a user text turn and optionally requests a response.
func (s *session) SendTurn(ctx context.Context, turn realtime.Turn) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: turn.Text},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("openai: send turn: %w", err)
	}
	if turn.ResponseExpected {
		if err := s.writeJSON(map[string]string{"type": "response.create"}); err != nil {
			return fmt.Errorf("openai: response create: %w", err)
		}
	}
	return nil
}

// SendToolResult returns a tool call's output and requests the
// continuation response.
func (s *session) SendToolResult(ctx context.Context, callID string, output json.RawMessage) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("openai: tool result: %w", err)
	}
	if err := s.writeJSON(map[string]string{"type": "response.create"}); err != nil {
		return fmt.Errorf("openai: response create: %w", err)
	}
	return nil
}

// AppendAudio streams one base64 audio chunk; a final chunk commits the
// input buffer.
func (s *session) AppendAudio(ctx context.Context, chunk realtime.AudioChunk) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if chunk.AudioBase64 != "" {
		msg := appendAudioMessage{Type: "input_audio_buffer.append", Audio: chunk.AudioBase64}
		if err := s.writeJSON(msg); err != nil {
			return fmt.Errorf("openai: append audio: %w", err)
		}
	}
	if chunk.Final {
		if err := s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
			return fmt.Errorf("openai: commit audio: %w", err)
		}
	}
	return nil
}

// Ping sends a WebSocket ping and waits for the pong.
func (s *session) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("openai: ping: %w", err)
	}
	return nil
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("openai: session closed")
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
