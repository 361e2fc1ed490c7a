package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veyra-labs/briefwire/internal/orchestrator"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
)

// controlMock records calls and returns scripted errors per method.
type controlMock struct {
	AppendErr   error
	SessionsErr error
	StartErr    error
	PauseErr    error
	ResumeErr   error
	StopErr     error

	Status   orchestrator.EventStatus
	StatusOK bool

	AppendCalls []realtime.AudioChunk
	EventIDs    []string
}

func (m *controlMock) AppendTranscriptAudio(_ context.Context, eventID string, chunk realtime.AudioChunk) error {
	m.EventIDs = append(m.EventIDs, eventID)
	m.AppendCalls = append(m.AppendCalls, chunk)
	return m.AppendErr
}

func (m *controlMock) CreateAgentSessionsForEvent(_ context.Context, eventID string) error {
	m.EventIDs = append(m.EventIDs, eventID)
	return m.SessionsErr
}

func (m *controlMock) StartEventByID(_ context.Context, eventID string) error {
	m.EventIDs = append(m.EventIDs, eventID)
	return m.StartErr
}

func (m *controlMock) PauseEvent(_ context.Context, eventID string) error {
	m.EventIDs = append(m.EventIDs, eventID)
	return m.PauseErr
}

func (m *controlMock) ResumeEvent(_ context.Context, eventID, _ string) error {
	m.EventIDs = append(m.EventIDs, eventID)
	return m.ResumeErr
}

func (m *controlMock) StopEvent(_ context.Context, eventID string) error {
	m.EventIDs = append(m.EventIDs, eventID)
	return m.StopErr
}

func (m *controlMock) EventStatus(string) (orchestrator.EventStatus, bool) {
	return m.Status, m.StatusOK
}

var _ Control = (*controlMock)(nil)

func newServer(ctrl Control) *httptest.Server {
	mux := http.NewServeMux()
	New(ctrl, nil).Register(mux)
	return httptest.NewServer(mux)
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAppendAudio(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		appendErr  error
		wantStatus int
	}{
		{"ok", `{"event_id":"ev-1","audio_base64":"AAEC","duration_ms":200}`, nil, http.StatusOK},
		{"missing event id", `{"audio_base64":"AAEC"}`, nil, http.StatusBadRequest},
		{"missing audio", `{"event_id":"ev-1"}`, nil, http.StatusBadRequest},
		{"malformed json", `{"event_id":`, nil, http.StatusBadRequest},
		{"no runtime", `{"event_id":"ev-1","audio_base64":"AAEC"}`, orchestrator.ErrNotFound, http.StatusNotFound},
		{"mailbox full", `{"event_id":"ev-1","audio_base64":"AAEC"}`, orchestrator.ErrBusy, http.StatusConflict},
		{"fatal", `{"event_id":"ev-1","audio_base64":"AAEC"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &controlMock{AppendErr: tt.appendErr}
			srv := newServer(ctrl)
			defer srv.Close()

			resp := post(t, srv.URL+"/sessions/transcript/audio", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestAppendAudio_ForwardsChunkFields(t *testing.T) {
	ctrl := &controlMock{}
	srv := newServer(ctrl)
	defer srv.Close()

	post(t, srv.URL+"/sessions/transcript/audio",
		`{"event_id":"ev-1","audio_base64":"AAEC","is_final":true,"sample_rate":16000,"seq":7,"speaker":"host"}`)

	if len(ctrl.AppendCalls) != 1 {
		t.Fatalf("append calls = %d, want 1", len(ctrl.AppendCalls))
	}
	got := ctrl.AppendCalls[0]
	if got.AudioBase64 != "AAEC" || !got.Final || got.SampleRate != 16000 || got.Speaker != "host" {
		t.Errorf("chunk = %+v", got)
	}
	if got.Seq != 7 {
		t.Errorf("seq = %d, want 7", got.Seq)
	}
	if ctrl.EventIDs[0] != "ev-1" {
		t.Errorf("event id = %q", ctrl.EventIDs[0])
	}
}

func TestLifecycleRoutes(t *testing.T) {
	ctrl := &controlMock{}
	srv := newServer(ctrl)
	defer srv.Close()

	for _, route := range []string{"sessions", "start", "pause", "resume", "stop"} {
		resp := post(t, srv.URL+"/events/ev-9/"+route, "")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", route, resp.StatusCode)
		}
	}
	if len(ctrl.EventIDs) != 5 {
		t.Fatalf("control calls = %d, want 5", len(ctrl.EventIDs))
	}
	for _, id := range ctrl.EventIDs {
		if id != "ev-9" {
			t.Errorf("event id = %q, want ev-9", id)
		}
	}
}

func TestLifecycleRoutes_ErrorMapping(t *testing.T) {
	ctrl := &controlMock{StartErr: orchestrator.ErrNotFound, PauseErr: orchestrator.ErrBusy}
	srv := newServer(ctrl)
	defer srv.Close()

	if resp := post(t, srv.URL+"/events/ev-1/start", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("start status = %d, want 404", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/events/ev-1/pause", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("pause status = %d, want 409", resp.StatusCode)
	}
}

func TestEventStatus_AbsentRuntimeReturnsNulls(t *testing.T) {
	srv := newServer(&controlMock{StatusOK: false})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/ev-1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"transcript", "cards", "facts"} {
		if string(body[key]) != "null" {
			t.Errorf("%s = %s, want null", key, body[key])
		}
	}
}

func TestEventStatus_ReportsAgents(t *testing.T) {
	ctrl := &controlMock{
		StatusOK: true,
		Status: orchestrator.EventStatus{
			EventID: "ev-1",
			Status:  "running",
			Agents: map[string]orchestrator.AgentSessionStatus{
				"transcript": {Status: "active", SessionID: "sess-t"},
				"cards":      {Status: "active", SessionID: "sess-c"},
				"facts":      {Status: "disabled"},
			},
		},
	}
	srv := newServer(ctrl)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/ev-1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "running" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Transcript == nil || body.Transcript.SessionID != "sess-t" {
		t.Errorf("transcript = %+v", body.Transcript)
	}
	if body.Facts == nil || body.Facts.Status != "disabled" {
		t.Errorf("facts = %+v", body.Facts)
	}
}
