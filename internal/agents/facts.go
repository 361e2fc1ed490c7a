package agents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// FactUpdate is one normalised item from the facts model's JSON array
// response.
type FactUpdate struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	Status     string          `json:"status,omitempty"`
}

const defaultFactConfidence = 0.7

// FactsHandler accumulates a facts response across text deltas and
// parses the JSON array when the response text completes.
type FactsHandler struct {
	eventID string
	log     *slog.Logger

	mu  sync.Mutex
	buf strings.Builder
}

// NewFactsHandler builds a handler for one event's facts session.
func NewFactsHandler(eventID string, log *slog.Logger) *FactsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &FactsHandler{
		eventID: eventID,
		log:     log.With("event_id", eventID, "agent_type", store.AgentFacts),
	}
}

// HandleEvent feeds one inbound event. Returns the parsed updates and
// true when a response completed; deltas return (nil, false).
func (h *FactsHandler) HandleEvent(evt realtime.ServerEvent) ([]FactUpdate, bool) {
	switch evt.Type {
	case realtime.EventResponseTextDelta:
		h.mu.Lock()
		h.buf.WriteString(evt.Text)
		h.mu.Unlock()
		return nil, false

	case realtime.EventResponseTextDone:
		h.mu.Lock()
		text := evt.Text
		if text == "" {
			text = h.buf.String()
		}
		h.buf.Reset()
		h.mu.Unlock()

		updates, err := ParseFactsResponse(text)
		if err != nil {
			h.log.Warn("unparseable facts response", "error", err)
			return nil, false
		}
		return updates, true
	}
	return nil, false
}

// ParseFactsResponse extracts and normalises the JSON array of fact
// updates from a model response. Code fences and surrounding prose are
// tolerated; items with an empty key are skipped; keys are lowered to
// snake_case; confidence defaults to 0.7 and is clamped to [0.1, 1.0].
func ParseFactsResponse(text string) ([]FactUpdate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("agents: facts response: no JSON array found")
	}

	var raw []FactUpdate
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("agents: facts response: %w", err)
	}

	updates := make([]FactUpdate, 0, len(raw))
	for _, u := range raw {
		u.Key = normalizeFactKey(u.Key)
		if u.Key == "" {
			continue
		}
		if u.Confidence == 0 {
			u.Confidence = defaultFactConfidence
		}
		if u.Confidence < 0.1 {
			u.Confidence = 0.1
		}
		if u.Confidence > 1.0 {
			u.Confidence = 1.0
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// normalizeFactKey lowers a key to snake_case: letters and digits kept,
// runs of anything else collapse to single underscores.
func normalizeFactKey(key string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
