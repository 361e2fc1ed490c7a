package lifecycle

import (
	"fmt"
	"log/slog"

	"github.com/veyra-labs/briefwire/internal/agents"
	"github.com/veyra-labs/briefwire/internal/driver"
	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// ModelSet names the concrete models used by one event's three sessions.
type ModelSet struct {
	Transcript    string
	Cards         string
	Facts         string
	Transcription string
}

// Model returns the session model for the agent type.
func (s ModelSet) Model(agentType store.AgentType) string {
	switch agentType {
	case store.AgentTranscript:
		return s.Transcript
	case store.AgentCards:
		return s.Cards
	case store.AgentFacts:
		return s.Facts
	}
	return ""
}

// Per-agent policy prompts sent as session instructions.
const (
	transcriptInstructions = `You transcribe live event audio. Do not respond with text; emit transcription events only.`

	cardsInstructions = `You produce explainer cards for concepts surfacing in a live event.
For every prompt, call the produce_card tool exactly once with the concept you were given.
Use the retrieve tool when the supplied context is insufficient. Keep titles short and bodies under three sentences.`

	factsInstructions = `You maintain a compact knowledge base of key/value facts for a live event.
When prompted with a transcript excerpt and the current facts, return the full updated facts as a JSON array
of {key, value, confidence, status} objects. Use snake_case keys, confidences between 0.1 and 1.0,
and status "inactive" for facts that no longer hold. Use the retrieve tool to verify uncertain claims.`
)

func instructionsFor(agentType store.AgentType) string {
	switch agentType {
	case store.AgentTranscript:
		return transcriptInstructions
	case store.AgentCards:
		return cardsInstructions
	case store.AgentFacts:
		return factsInstructions
	}
	return ""
}

// Factory builds SessionDrivers keyed by model set.
type Factory struct {
	Provider realtime.Provider

	// ModelSets maps a model-set name to its models. DefaultSet selects
	// the set used when an event carries no override.
	ModelSets  map[string]ModelSet
	DefaultSet string

	Logger *slog.Logger
}

// Resolve returns the named model set, falling back to the default.
func (f *Factory) Resolve(name string) (ModelSet, error) {
	if name == "" {
		name = f.DefaultSet
	}
	set, ok := f.ModelSets[name]
	if !ok {
		return ModelSet{}, fmt.Errorf("lifecycle: unknown model set %q", name)
	}
	return set, nil
}

// NewDriver constructs a driver for one agent type on one event. The
// driver is created but not connected.
func (f *Factory) NewDriver(eventID string, agentType store.AgentType, set ModelSet,
	tools []realtime.ToolDefinition, onStatus driver.StatusCallback, onEvent driver.EventCallback) *driver.Driver {

	cfg := realtime.SessionConfig{
		Model:        set.Model(agentType),
		Instructions: instructionsFor(agentType),
		Tools:        tools,
	}
	if agentType == store.AgentTranscript {
		cfg.Transcription = true
		cfg.TranscriptionModel = set.Transcription
	}

	log := f.Logger
	if log == nil {
		log = slog.Default()
	}
	return driver.New(driver.Config{
		AgentType: agentType,
		Provider:  f.Provider,
		Session:   cfg,
		OnStatus:  onStatus,
		OnEvent:   onEvent,
		Logger:    log.With("event_id", eventID),
	})
}

// toolsFor returns the tool surface declared on each agent type's
// session. The transcript session carries none.
func toolsFor(agentType store.AgentType) []realtime.ToolDefinition {
	switch agentType {
	case store.AgentCards:
		return append(agents.Definitions(), agents.ProduceCardDefinition())
	case store.AgentFacts:
		return agents.Definitions()
	}
	return nil
}
