package processor

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/veyra-labs/briefwire/internal/runtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Concept candidate sources, strongest signal first.
const (
	sourceGlossary    = "glossary"
	sourceFact        = "fact"
	sourceCapitalized = "capitalized"
	sourceNounPhrase  = "noun_phrase"
)

// nearDuplicateThreshold is the Jaro-Winkler similarity above which two
// concept labels count as the same concept.
const nearDuplicateThreshold = 0.93

var (
	// capitalizedPhraseRe matches runs of two or more capitalised words.
	capitalizedPhraseRe = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9'-]*(?:\s+[A-Z][a-zA-Z0-9'-]*)+\b`)

	// acronymRe matches standalone all-caps tokens.
	acronymRe = regexp.MustCompile(`\b[A-Z]{2,6}\b`)

	slugRe = regexp.MustCompile(`[^a-z0-9]+`)

	nonWordRe = regexp.MustCompile(`[^a-z0-9\s]+`)
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"of": true, "in": true, "on": true, "to": true, "for": true, "with": true,
	"is": true, "are": true, "was": true, "be": true, "this": true, "that": true,
	"it": true, "we": true, "you": true, "they": true, "have": true, "has": true,
	"about": true, "so": true, "as": true, "at": true, "by": true, "from": true,
}

// ConceptCandidate is one extracted card concept, in signal-strength
// order relative to its siblings.
type ConceptCandidate struct {
	ID     string
	Label  string
	Source string
}

// ConceptInput bundles the runtime state concept extraction reads.
type ConceptInput struct {
	Chunks             []store.TranscriptChunk
	Glossary           *runtime.GlossaryCache
	Facts              []runtime.Fact
	ExistingConceptIDs []string
}

// Slug normalises a concept label into a stable identifier.
func Slug(label string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(label), "-")
	return strings.Trim(s, "-")
}

// ExtractConcepts returns card concept candidates from the recent
// transcript window, ordered by signal strength: glossary match, then
// fact key/value match, then capitalised phrase, then repeated noun
// phrase. Candidates matching an existing concept id or a near-duplicate
// of a stronger candidate are suppressed.
func ExtractConcepts(in ConceptInput) []ConceptCandidate {
	if len(in.Chunks) == 0 {
		return nil
	}
	texts := make([]string, len(in.Chunks))
	for i, c := range in.Chunks {
		texts[i] = c.Text
	}
	joined := strings.Join(texts, "\n")

	existing := make([]string, 0, len(in.ExistingConceptIDs))
	for _, id := range in.ExistingConceptIDs {
		existing = append(existing, strings.ReplaceAll(id, "-", " "))
	}

	var out []ConceptCandidate
	accept := func(label, source string) {
		label = strings.TrimSpace(label)
		if label == "" {
			return
		}
		id := Slug(label)
		if id == "" {
			return
		}
		for _, e := range in.ExistingConceptIDs {
			if e == id {
				return
			}
		}
		lower := strings.ToLower(label)
		for _, e := range existing {
			if nearDuplicate(lower, e) {
				return
			}
		}
		for _, c := range out {
			if c.ID == id || nearDuplicate(lower, strings.ToLower(c.Label)) {
				return
			}
		}
		out = append(out, ConceptCandidate{ID: id, Label: label, Source: source})
	}

	// 1. Glossary terms found in the window.
	if in.Glossary != nil {
		for _, e := range in.Glossary.FindInText(joined) {
			accept(e.Term, sourceGlossary)
		}
	}

	// 2. Fact keys (and string values) mentioned in the window.
	for _, f := range in.Facts {
		label := strings.ReplaceAll(f.Key, "_", " ")
		if containsFold(joined, label) {
			accept(label, sourceFact)
			continue
		}
		if f.Value != "" && len(f.Value) <= 64 && containsFold(joined, f.Value) {
			accept(f.Value, sourceFact)
		}
	}

	// 3. Capitalised phrases and acronyms.
	for _, m := range capitalizedPhraseRe.FindAllString(joined, -1) {
		if !allStopwords(m) {
			accept(m, sourceCapitalized)
		}
	}
	for _, m := range acronymRe.FindAllString(joined, -1) {
		accept(m, sourceCapitalized)
	}

	// 4. Noun-phrase heuristic: lowercase bigrams repeated across chunks.
	for _, phrase := range repeatedBigrams(texts) {
		accept(phrase, sourceNounPhrase)
	}

	return out
}

// CountConceptOccurrences returns in how many of the chunks the label
// appears, case-insensitively.
func CountConceptOccurrences(chunks []store.TranscriptChunk, label string) int {
	n := 0
	for _, c := range chunks {
		if containsFold(c.Text, label) {
			n++
		}
	}
	return n
}

// nearDuplicate treats very similar labels as one concept. Jaro-Winkler
// favours shared prefixes, which suits singular/plural and inflected
// variants of the same term.
func nearDuplicate(a, b string) bool {
	if a == b {
		return true
	}
	return matchr.JaroWinkler(a, b, true) >= nearDuplicateThreshold
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func allStopwords(phrase string) bool {
	for _, w := range strings.Fields(strings.ToLower(phrase)) {
		if !stopwords[w] {
			return false
		}
	}
	return true
}

// repeatedBigrams returns lowercase word pairs appearing in at least two
// distinct chunks, in first-seen order.
func repeatedBigrams(texts []string) []string {
	seenIn := make(map[string]int)
	lastText := make(map[string]int)
	var order []string

	for i, text := range texts {
		words := strings.Fields(nonWordRe.ReplaceAllString(strings.ToLower(text), " "))
		for j := 0; j+1 < len(words); j++ {
			a, b := words[j], words[j+1]
			if stopwords[a] || stopwords[b] || len(a) < 3 || len(b) < 3 {
				continue
			}
			phrase := a + " " + b
			if prev, ok := lastText[phrase]; ok && prev == i {
				continue
			}
			lastText[phrase] = i
			seenIn[phrase]++
			if seenIn[phrase] == 2 {
				order = append(order, phrase)
			}
		}
	}
	return order
}
