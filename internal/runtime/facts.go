package runtime

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Confidence dynamics constants. Confidence always stays in [0.1, 1.0].
const (
	defaultConfidence   = 0.7
	confidenceBoost     = 0.1 // matching value re-observed
	confidencePenalty   = 0.2 // conflicting value observed
	minConfidence       = 0.1
	maxConfidence       = 1.0
	maxFactSources      = 10
	DefaultFactCapacity = 50
)

// Fact is the in-memory form of one knowledge-base claim. Value holds the
// canonical JSON text of the opaque value so equality checks are cheap.
type Fact struct {
	Key           string
	Value         string
	Confidence    float64
	LastSeenSeq   uint64
	Sources       []string
	MergedFrom    []string
	MergedAt      time.Time
	MissStreak    int
	CreatedAt     time.Time
	LastTouchedAt time.Time
	DormantAt     *time.Time
	PrunedAt      *time.Time
}

// FactsStore is a bounded key→fact map with confidence dynamics, dormancy
// and a prune drain queue. All operations are synchronous, never perform
// I/O and never fail: invalid input is dropped and reported through the
// configured log function.
//
// Capacity is enforced on every insert; evicted keys are returned so the
// caller can mark them inactive in the durable store.
//
// All methods are safe for concurrent use.
type FactsStore struct {
	mu       sync.RWMutex
	facts    map[string]*Fact
	maxItems int
	pruned   []string // drain queue of pruned keys
	logf     func(msg string, args ...any)
}

// FactsOption configures a [FactsStore].
type FactsOption func(*FactsStore)

// WithFactsLog overrides the log function used to report rejected input.
// The default logs through slog.Warn.
func WithFactsLog(logf func(msg string, args ...any)) FactsOption {
	return func(s *FactsStore) { s.logf = logf }
}

// NewFactsStore creates a store holding at most maxItems facts.
// A maxItems of zero or less falls back to [DefaultFactCapacity].
func NewFactsStore(maxItems int, opts ...FactsOption) *FactsStore {
	if maxItems <= 0 {
		maxItems = DefaultFactCapacity
	}
	s := &FactsStore{
		facts:    make(map[string]*Fact, maxItems),
		maxItems: maxItems,
		logf:     slog.Warn,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert inserts or updates the fact under key and returns any keys
// evicted by capacity enforcement.
//
// A new key is inserted with the provided confidence (or
// [defaultConfidence] when confidence is zero). Re-observing the same
// value raises confidence by +0.1, a conflicting value lowers it by −0.2
// and replaces the stored value; both are clamped to [0.1, 1.0].
func (s *FactsStore) Upsert(key, value string, confidence float64, sourceSeq uint64, sourceID string) []string {
	if key == "" || math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		s.logf("facts store: rejecting invalid upsert", "key", key, "confidence", confidence)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	f, ok := s.facts[key]
	if !ok {
		if confidence == 0 {
			confidence = defaultConfidence
		}
		f = &Fact{
			Key:        key,
			Value:      value,
			Confidence: clampConfidence(confidence),
			CreatedAt:  now,
		}
		s.facts[key] = f
	} else if f.Value == value {
		f.Confidence = clampConfidence(f.Confidence + confidenceBoost)
	} else {
		f.Confidence = clampConfidence(f.Confidence - confidencePenalty)
		f.Value = value
	}

	if sourceSeq > f.LastSeenSeq {
		f.LastSeenSeq = sourceSeq
	}
	f.LastTouchedAt = now
	f.MissStreak = 0
	if sourceID != "" {
		f.Sources = appendSource(f.Sources, sourceID)
	}

	return s.enforceCapacityLocked()
}

// LoadFacts bulk-inserts a snapshot, typically at runtime creation.
// Returns every key evicted by capacity enforcement so the caller can
// reconcile the durable store.
func (s *FactsStore) LoadFacts(snapshot []Fact) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range snapshot {
		f := snapshot[i]
		if f.Key == "" || math.IsNaN(f.Confidence) {
			s.logf("facts store: skipping invalid snapshot fact", "key", f.Key)
			continue
		}
		f.Confidence = clampConfidence(f.Confidence)
		s.facts[f.Key] = &f
	}
	return s.enforceCapacityLocked()
}

// Get returns the live fact stored under key.
func (s *FactsStore) Get(key string) (Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	if !ok {
		return Fact{}, false
	}
	return *f, true
}

// MarkDormant sets the dormancy marker on key and drops its confidence by
// deltaC (clamped to the minimum). Dormant facts are excluded from default
// snapshots until revived.
func (s *FactsStore) MarkDormant(key string, now time.Time, deltaC float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[key]
	if !ok {
		return
	}
	f.Confidence = clampConfidence(f.Confidence - deltaC)
	t := now
	f.DormantAt = &t
}

// ReviveFromSelection clears dormancy on key when its confidence has
// recovered by at least hysteresisDelta over previousConf. Otherwise it
// is a no-op. Reports whether the fact was revived.
func (s *FactsStore) ReviveFromSelection(key string, previousConf, hysteresisDelta float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.facts[key]
	if !ok || f.DormantAt == nil {
		return false
	}
	if f.Confidence-previousConf < hysteresisDelta {
		return false
	}
	f.DormantAt = nil
	return true
}

// RecordMisses increments the miss streak of every live fact whose key is
// absent from seen, and resets the streak of present keys. Returns the
// keys whose streak reached threshold; callers typically mark those
// dormant.
func (s *FactsStore) RecordMisses(seen map[string]bool, threshold int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for key, f := range s.facts {
		if seen[key] {
			f.MissStreak = 0
			continue
		}
		f.MissStreak++
		if threshold > 0 && f.MissStreak >= threshold && f.DormantAt == nil {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)
	return stale
}

// Prune removes key from the live view and enqueues it on the drain
// queue. Consumers drain the queue with [FactsStore.DrainPruned] to
// reconcile the durable store.
func (s *FactsStore) Prune(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.facts[key]; !ok {
		return
	}
	delete(s.facts, key)
	s.pruned = append(s.pruned, key)
}

// DrainPruned returns the accumulated pruned keys and clears the queue.
func (s *FactsStore) DrainPruned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pruned
	s.pruned = nil
	return out
}

// GetSnapshot returns the live facts sorted by descending confidence.
// Dormant facts are excluded unless includeDormant is set.
func (s *FactsStore) GetSnapshot(includeDormant bool) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		if !includeDormant && f.DormantAt != nil {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// GetAll returns every live fact, dormant included, sorted by key.
func (s *FactsStore) GetAll() []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// GetContextFormat renders the non-dormant facts as "key=value" pairs with
// confidence annotations for prompt injection.
func (s *FactsStore) GetContextFormat() string {
	snapshot := s.GetSnapshot(false)
	lines := make([]string, 0, len(snapshot))
	for _, f := range snapshot {
		lines = append(lines, fmt.Sprintf("%s=%s (%.1f)", f.Key, f.Value, f.Confidence))
	}
	return strings.Join(lines, "\n")
}

// GetBullets renders up to limit non-dormant facts as "- key: value" lines.
func (s *FactsStore) GetBullets(limit int) string {
	snapshot := s.GetSnapshot(false)
	if limit > 0 && len(snapshot) > limit {
		snapshot = snapshot[:limit]
	}
	lines := make([]string, 0, len(snapshot))
	for _, f := range snapshot {
		lines = append(lines, fmt.Sprintf("- %s: %s", f.Key, f.Value))
	}
	return strings.Join(lines, "\n")
}

// FactsStats reports store occupancy.
type FactsStats struct {
	Size          int
	Dormant       int
	PendingPrunes int
}

// GetStats returns current occupancy counts.
func (s *FactsStore) GetStats() FactsStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := FactsStats{Size: len(s.facts), PendingPrunes: len(s.pruned)}
	for _, f := range s.facts {
		if f.DormantAt != nil {
			st.Dormant++
		}
	}
	return st
}

// enforceCapacityLocked drops the lowest (confidence, lastSeenSeq) facts
// until the store is within capacity and returns the evicted keys.
// Must be called with s.mu held.
func (s *FactsStore) enforceCapacityLocked() []string {
	if len(s.facts) <= s.maxItems {
		return nil
	}

	all := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence < all[j].Confidence
		}
		if all[i].LastSeenSeq != all[j].LastSeenSeq {
			return all[i].LastSeenSeq < all[j].LastSeenSeq
		}
		return all[i].Key < all[j].Key
	})

	var evicted []string
	for i := 0; len(s.facts) > s.maxItems && i < len(all); i++ {
		delete(s.facts, all[i].Key)
		evicted = append(evicted, all[i].Key)
	}
	return evicted
}

// appendSource maintains sources as an insertion-ordered set capped at
// [maxFactSources], keeping the most recent ids.
func appendSource(sources []string, id string) []string {
	for i, s := range sources {
		if s == id {
			// Move to the end to reflect recency.
			sources = append(append(sources[:i:i], sources[i+1:]...), id)
			return sources
		}
	}
	sources = append(sources, id)
	if len(sources) > maxFactSources {
		sources = sources[len(sources)-maxFactSources:]
	}
	return sources
}

func clampConfidence(c float64) float64 {
	if c < minConfidence {
		return minConfidence
	}
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}
