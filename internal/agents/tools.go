package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/veyra-labs/briefwire/internal/observe"
	"github.com/veyra-labs/briefwire/pkg/provider/embeddings"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Tool names exposed to the models.
const (
	ToolRetrieve    = "retrieve"
	ToolEmbed       = "embed"
	ToolProduceCard = "produce_card"
)

const (
	maxRetrieveTopK     = 10
	defaultRetrieveTopK = 5

	embedTimeout    = 10 * time.Second
	retrieveTimeout = 5 * time.Second
)

// Tools answers retrieve and embed tool calls for one event. Safe for
// concurrent use.
type Tools struct {
	eventID   string
	embedder  embeddings.Provider
	retriever store.Retriever
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewTools builds the tool surface for an event. metrics may be nil.
func NewTools(eventID string, embedder embeddings.Provider, retriever store.Retriever, metrics *observe.Metrics, log *slog.Logger) *Tools {
	if log == nil {
		log = slog.Default()
	}
	return &Tools{
		eventID:   eventID,
		embedder:  embedder,
		retriever: retriever,
		metrics:   metrics,
		log:       log.With("event_id", eventID),
	}
}

// Definitions returns the retrieve and embed tool declarations sent with
// the session configuration.
func Definitions() []realtime.ToolDefinition {
	return []realtime.ToolDefinition{
		{
			Name:        ToolRetrieve,
			Description: "Search the event's context corpus by semantic similarity.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"top_k": map[string]any{"type": "integer", "maximum": maxRetrieveTopK},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolEmbed,
			Description: "Compute the embedding vector for a piece of text.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []string{"text"},
			},
		},
	}
}

// ProduceCardDefinition returns the produce_card tool declaration for
// the cards agent session.
func ProduceCardDefinition() realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name:        ToolProduceCard,
		Description: "Emit one explainer card for the triggered concept.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind":          map[string]any{"type": "string"},
				"card_type":     map[string]any{"type": "string", "enum": []string{CardTypeText, CardTypeTextVisual, CardTypeVisual}},
				"title":         map[string]any{"type": "string"},
				"body":          map[string]any{"type": "string"},
				"label":         map[string]any{"type": "string"},
				"image_url":     map[string]any{"type": "string"},
				"source_seq":    map[string]any{"type": "integer"},
				"template_id":   map[string]any{"type": "string"},
				"visual_request": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"strategy":     map[string]any{"type": "string", "enum": []string{"fetch", "generate"}},
						"instructions": map[string]any{"type": "string"},
						"source_url":   map[string]any{"type": "string"},
					},
				},
			},
			"required": []string{"card_type", "title", "source_seq"},
		},
	}
}

type retrieveArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrieveHit struct {
	ID         string  `json:"id"`
	Chunk      string  `json:"chunk"`
	Similarity float64 `json:"similarity"`
}

type embedArgs struct {
	Text string `json:"text"`
}

// Handle executes one tool call and returns the JSON result to send
// back to the model.
func (t *Tools) Handle(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	out, err := t.dispatch(ctx, name, args)
	if t.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		t.metrics.RecordToolCall(ctx, name, status)
		t.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	}
	return out, err
}

func (t *Tools) dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case ToolRetrieve:
		return t.retrieve(ctx, args)
	case ToolEmbed:
		return t.embed(ctx, args)
	}
	return nil, fmt.Errorf("agents: unknown tool %q", name)
}

func (t *Tools) retrieve(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a retrieveArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("agents: retrieve args: %w", err)
	}
	if a.Query == "" {
		return nil, fmt.Errorf("agents: retrieve: empty query")
	}
	topK := a.TopK
	if topK <= 0 {
		topK = defaultRetrieveTopK
	}
	if topK > maxRetrieveTopK {
		topK = maxRetrieveTopK
	}

	ectx, cancel := context.WithTimeout(ctx, embedTimeout)
	vec, err := t.embedder.Embed(ectx, a.Query)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("agents: retrieve: embed query: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, retrieveTimeout)
	chunks, err := t.retriever.SearchContext(rctx, t.eventID, vec, topK)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("agents: retrieve: search: %w", err)
	}

	hits := make([]retrieveHit, len(chunks))
	for i, c := range chunks {
		hits[i] = retrieveHit{ID: c.ID, Chunk: c.Chunk, Similarity: c.Similarity}
	}
	return json.Marshal(hits)
}

func (t *Tools) embed(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var a embedArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("agents: embed args: %w", err)
	}
	if a.Text == "" {
		return nil, fmt.Errorf("agents: embed: empty text")
	}

	ectx, cancel := context.WithTimeout(ctx, embedTimeout)
	vec, err := t.embedder.Embed(ectx, a.Text)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("agents: embed: %w", err)
	}
	return json.Marshal(map[string]any{
		"embedding":  vec,
		"dimensions": len(vec),
	})
}
