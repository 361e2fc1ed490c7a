package agents

import (
	"testing"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
)

func TestParseFactsResponse(t *testing.T) {
	text := "Here are the facts:\n```json\n" +
		`[{"key":"Deadline","value":"January 15","confidence":0.8},
		  {"key":"team size","value":4},
		  {"key":"","value":"skipped"},
		  {"key":"overconfident","value":1,"confidence":7.5}]` +
		"\n```\nDone."

	updates, err := ParseFactsResponse(text)
	if err != nil {
		t.Fatalf("ParseFactsResponse: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3: %+v", len(updates), updates)
	}
	if updates[0].Key != "deadline" || updates[0].Confidence != 0.8 {
		t.Errorf("first update: %+v", updates[0])
	}
	if updates[1].Key != "team_size" {
		t.Errorf("key not normalised: %q", updates[1].Key)
	}
	if updates[1].Confidence != defaultFactConfidence {
		t.Errorf("default confidence = %v", updates[1].Confidence)
	}
	if updates[2].Confidence != 1.0 {
		t.Errorf("confidence not clamped: %v", updates[2].Confidence)
	}
}

func TestParseFactsResponse_NoArray(t *testing.T) {
	if _, err := ParseFactsResponse("I have nothing to report."); err == nil {
		t.Error("expected error for missing array")
	}
}

func TestNormalizeFactKey(t *testing.T) {
	cases := map[string]string{
		"Deadline":       "deadline",
		"Team Size":      "team_size",
		"  API--Key!!  ": "api_key",
		"already_snake":  "already_snake",
	}
	for in, want := range cases {
		if got := normalizeFactKey(in); got != want {
			t.Errorf("normalizeFactKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFactsHandler_AccumulatesDeltas(t *testing.T) {
	h := NewFactsHandler("ev-1", nil)

	if _, done := h.HandleEvent(realtime.ServerEvent{
		Type: realtime.EventResponseTextDelta, Text: `[{"key":"a",`,
	}); done {
		t.Fatal("delta reported completion")
	}
	updates, done := h.HandleEvent(realtime.ServerEvent{
		Type: realtime.EventResponseTextDelta, Text: `"value":1}]`,
	})
	if done || updates != nil {
		t.Fatal("second delta reported completion")
	}

	updates, done = h.HandleEvent(realtime.ServerEvent{Type: realtime.EventResponseTextDone})
	if !done {
		t.Fatal("text done not reported")
	}
	if len(updates) != 1 || updates[0].Key != "a" {
		t.Fatalf("updates = %+v", updates)
	}

	// Buffer resets between responses.
	if _, done := h.HandleEvent(realtime.ServerEvent{Type: realtime.EventResponseTextDone}); done {
		t.Error("empty follow-up response parsed")
	}
}

func TestFactsHandler_FinalTextWins(t *testing.T) {
	h := NewFactsHandler("ev-1", nil)
	h.HandleEvent(realtime.ServerEvent{Type: realtime.EventResponseTextDelta, Text: "garbage"})

	updates, done := h.HandleEvent(realtime.ServerEvent{
		Type: realtime.EventResponseTextDone,
		Text: `[{"key":"b","value":2,"confidence":0.5}]`,
	})
	if !done || len(updates) != 1 || updates[0].Key != "b" {
		t.Fatalf("final text not preferred: done=%v updates=%+v", done, updates)
	}
}
