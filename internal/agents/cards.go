package agents

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// produceCardArgs mirrors the produce_card tool payload on the wire.
type produceCardArgs struct {
	Kind          string               `json:"kind"`
	CardType      string               `json:"card_type"`
	Title         string               `json:"title"`
	Body          string               `json:"body"`
	Label         string               `json:"label"`
	ImageURL      string               `json:"image_url"`
	SourceSeq     uint64               `json:"source_seq"`
	ConceptID     string               `json:"concept_id"`
	ConceptLabel  string               `json:"concept_label"`
	TemplateID    string               `json:"template_id"`
	TemplateLabel string               `json:"template_label"`
	VisualRequest *store.VisualRequest `json:"visual_request"`
}

// ParseProduceCard validates one produce_card invocation and applies the
// per-card-type defaults:
//
//   - text: body required; image_url and label cleared
//   - text_visual: body required; image_url or visual_request present; label cleared
//   - visual: label required; body cleared; image_url or visual_request present
func ParseProduceCard(eventID string, args json.RawMessage) (store.Card, error) {
	var a produceCardArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return store.Card{}, fmt.Errorf("agents: produce_card args: %w", err)
	}

	cardType, err := NormalizeCardType(a.CardType)
	if err != nil {
		return store.Card{}, err
	}
	if a.Title == "" {
		return store.Card{}, fmt.Errorf("agents: produce_card: missing title")
	}
	if a.SourceSeq == 0 {
		return store.Card{}, fmt.Errorf("agents: produce_card: missing source_seq")
	}

	hasImage := a.ImageURL != "" || a.VisualRequest != nil
	switch cardType {
	case CardTypeText:
		if a.Body == "" {
			return store.Card{}, fmt.Errorf("agents: produce_card: text card without body")
		}
		a.ImageURL = ""
		a.VisualRequest = nil
		a.Label = ""
	case CardTypeTextVisual:
		if a.Body == "" {
			return store.Card{}, fmt.Errorf("agents: produce_card: text_visual card without body")
		}
		if !hasImage {
			return store.Card{}, fmt.Errorf("agents: produce_card: text_visual card without image_url or visual_request")
		}
		a.Label = ""
	case CardTypeVisual:
		if a.Label == "" {
			return store.Card{}, fmt.Errorf("agents: produce_card: visual card without label")
		}
		if !hasImage {
			return store.Card{}, fmt.Errorf("agents: produce_card: visual card without image_url or visual_request")
		}
		a.Body = ""
	}

	return store.Card{
		EventID:       eventID,
		Kind:          a.Kind,
		CardType:      cardType,
		Title:         a.Title,
		Body:          a.Body,
		Label:         a.Label,
		ImageURL:      a.ImageURL,
		SourceSeq:     a.SourceSeq,
		ConceptID:     a.ConceptID,
		ConceptLabel:  a.ConceptLabel,
		TemplateID:    a.TemplateID,
		TemplateLabel: a.TemplateLabel,
		VisualRequest: a.VisualRequest,
	}, nil
}

// CardsHandler tracks produce_card invocations per response turn. The
// cards model is expected to call the tool exactly once per turn; extra
// invocations within the same turn are logged and discarded.
type CardsHandler struct {
	eventID string
	log     *slog.Logger

	mu        sync.Mutex
	turnCalls int
}

// NewCardsHandler builds a handler for one event's cards session.
func NewCardsHandler(eventID string, log *slog.Logger) *CardsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CardsHandler{
		eventID: eventID,
		log:     log.With("event_id", eventID, "agent_type", store.AgentCards),
	}
}

// HandleToolCall processes one produce_card tool event. Returns the
// parsed card and true when this is the turn's first valid invocation.
func (h *CardsHandler) HandleToolCall(evt realtime.ServerEvent) (store.Card, bool) {
	if evt.ToolName != ToolProduceCard {
		h.log.Warn("unexpected tool call on cards session", "tool", evt.ToolName)
		return store.Card{}, false
	}

	h.mu.Lock()
	h.turnCalls++
	calls := h.turnCalls
	h.mu.Unlock()

	if calls > 1 {
		h.log.Warn("extra produce_card call in turn, discarding", "calls", calls)
		return store.Card{}, false
	}

	card, err := ParseProduceCard(h.eventID, []byte(evt.ToolArgs))
	if err != nil {
		h.log.Warn("invalid produce_card payload", "error", err)
		return store.Card{}, false
	}
	return card, true
}

// EndTurn resets the per-turn call counter. Call on response_done.
func (h *CardsHandler) EndTurn() {
	h.mu.Lock()
	h.turnCalls = 0
	h.mu.Unlock()
}
