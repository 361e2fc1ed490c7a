// Package agents contains the per-agent-type glue between a model
// session and the event runtime: prompt turn assembly, tool-call
// handling, and output parsing.
//
// Three handlers exist, one per agent type. The transcript handler
// turns provider transcription events into durable transcript chunks.
// The cards handler validates produce_card tool invocations. The facts
// handler parses the JSON array the facts model returns. None of them
// mutate runtime state directly; they produce values the runtime actor
// applies.
package agents

import (
	"fmt"
	"strings"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// Card type values accepted from the cards model.
const (
	CardTypeText       = "text"
	CardTypeTextVisual = "text_visual"
	CardTypeVisual     = "visual"
)

// NormalizeCardType maps loose model spellings onto the canonical card
// type values.
func NormalizeCardType(s string) (string, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.ReplaceAll(t, "-", "_")
	t = strings.ReplaceAll(t, " ", "_")
	switch t {
	case CardTypeText, CardTypeTextVisual, CardTypeVisual:
		return t, nil
	case "textvisual", "text_and_visual":
		return CardTypeTextVisual, nil
	}
	return "", fmt.Errorf("agents: unknown card_type %q", s)
}

// CardTrigger carries the supporting context assembled for one cards
// prompt turn.
type CardTrigger struct {
	ConceptID    string
	ConceptLabel string
	SourceSeq    uint64

	// FactsBlock, GlossaryBlock and ContextBullets are preformatted
	// bullet sections.
	FactsBlock     string
	GlossaryBlock  string
	ContextBullets string

	RecentCards []store.Card
	RecentText  string
}

// BuildCardsTurn renders the per-turn user message for the cards agent.
// The policy prompt itself is session-level configuration; this message
// carries only the trigger and its supporting context.
func BuildCardsTurn(t CardTrigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Concept: %s (id %s, seq %d)\n", t.ConceptLabel, t.ConceptID, t.SourceSeq)
	if t.ContextBullets != "" {
		b.WriteString("\nRecent discussion:\n")
		b.WriteString(t.ContextBullets)
		b.WriteString("\n")
	}
	if t.FactsBlock != "" {
		b.WriteString("\nKnown facts:\n")
		b.WriteString(t.FactsBlock)
		b.WriteString("\n")
	}
	if t.GlossaryBlock != "" {
		b.WriteString("\nGlossary:\n")
		b.WriteString(t.GlossaryBlock)
		b.WriteString("\n")
	}
	if len(t.RecentCards) > 0 {
		b.WriteString("\nCards already shown:\n")
		for _, c := range t.RecentCards {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Title, c.CardType)
		}
	}
	fmt.Fprintf(&b, "\nProduce exactly one card for this concept with source_seq=%d.", t.SourceSeq)
	return b.String()
}

// BuildFactsTurn renders the per-turn user message for the facts agent.
func BuildFactsTurn(factsBlock, recentText string) string {
	var b strings.Builder
	b.WriteString("Transcript excerpt:\n")
	b.WriteString(recentText)
	b.WriteString("\n")
	if factsBlock != "" {
		b.WriteString("\nCurrent knowledge base:\n")
		b.WriteString(factsBlock)
		b.WriteString("\n")
	}
	b.WriteString("\nReturn the updated facts as a JSON array of {key, value, confidence, status}.")
	return b.String()
}
