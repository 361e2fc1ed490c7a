package runtime

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/veyra-labs/briefwire/pkg/store"
)

const (
	glossaryMaxResults = 15
	glossaryMaxWindow  = 4 // longest phrase, in words, checked during lookup
)

var wordSplitRe = regexp.MustCompile(`[^\w]+`)

// GlossaryCache is the read-only term→entry map preloaded at runtime
// creation. Terms are keyed lowercase; lookup slides word windows of one
// to four normalized words over a text and collects every matching entry.
//
// The cache is immutable after Load, so reads take only the read lock.
type GlossaryCache struct {
	mu      sync.RWMutex
	entries map[string]store.GlossaryEntry
}

// NewGlossaryCache creates an empty cache.
func NewGlossaryCache() *GlossaryCache {
	return &GlossaryCache{entries: make(map[string]store.GlossaryEntry)}
}

// Load replaces the cache contents with the given entries. Duplicate
// terms keep the higher-confidence entry.
func (g *GlossaryCache) Load(entries []store.GlossaryEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries = make(map[string]store.GlossaryEntry, len(entries))
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Term))
		if key == "" {
			continue
		}
		if prev, ok := g.entries[key]; ok && prev.ConfidenceScore >= e.ConfidenceScore {
			continue
		}
		g.entries[key] = e
	}
}

// Get returns the entry for term, matched case-insensitively.
func (g *GlossaryCache) Get(term string) (store.GlossaryEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[strings.ToLower(strings.TrimSpace(term))]
	return e, ok
}

// Size returns the number of loaded entries.
func (g *GlossaryCache) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// FindInText scans text for glossary terms by sliding windows of one to
// four words, returning up to 15 distinct entries sorted by descending
// confidence score.
func (g *GlossaryCache) FindInText(text string) []store.GlossaryEntry {
	words := splitWords(text)
	if len(words) == 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var found []store.GlossaryEntry
	for i := range words {
		for w := 1; w <= glossaryMaxWindow && i+w <= len(words); w++ {
			phrase := strings.Join(words[i:i+w], " ")
			if seen[phrase] {
				continue
			}
			if e, ok := g.entries[phrase]; ok {
				seen[phrase] = true
				found = append(found, e)
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].ConfidenceScore > found[j].ConfidenceScore
	})
	if len(found) > glossaryMaxResults {
		found = found[:glossaryMaxResults]
	}
	return found
}

// FormatEntries renders entries as bullet lines for prompt injection:
// "- term: definition (Stands for: X) [category]".
func FormatEntries(entries []store.GlossaryEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "- %s: %s", e.Term, e.Definition)
		if e.AcronymFor != "" {
			fmt.Fprintf(&b, " (Stands for: %s)", e.AcronymFor)
		}
		if e.Category != "" {
			fmt.Fprintf(&b, " [%s]", e.Category)
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

// splitWords lowercases text and splits it on runs of non-word
// characters, dropping empty tokens.
func splitWords(text string) []string {
	raw := wordSplitRe.Split(strings.ToLower(text), -1)
	words := raw[:0]
	for _, w := range raw {
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}
