// Package runtime holds the per-event in-memory state of the briefwire
// worker: the transcript ring buffer, the facts and cards stores, the
// glossary cache, the event runtime actor, and the runtime manager.
//
// Everything in this package is bounded by construction. The stores never
// perform I/O and never return errors from mutating operations; invalid
// input is rejected and logged by the caller-supplied log function.
package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/veyra-labs/briefwire/pkg/store"
)

// RingBuffer is a bounded window of transcript chunks with two
// simultaneous caps: a maximum item count and a maximum age. Chunks that
// exceed either limit are evicted on every [RingBuffer.Add] call.
//
// Chunks may arrive out of seq order; Add appends in arrival order and
// ordering is resolved on read. All methods are safe for concurrent use.
type RingBuffer struct {
	mu       sync.RWMutex
	chunks   []store.TranscriptChunk
	maxItems int
	maxAge   time.Duration
}

// NewRingBuffer creates a buffer retaining at most maxItems chunks and
// evicting chunks older than maxAge.
func NewRingBuffer(maxItems int, maxAge time.Duration) *RingBuffer {
	return &RingBuffer{
		chunks:   make([]store.TranscriptChunk, 0, maxItems),
		maxItems: maxItems,
		maxAge:   maxAge,
	}
}

// Add appends a chunk and evicts anything over the count or age cap.
// A zero AtMS is stamped with the current time so age eviction works for
// chunks that arrive without a timestamp.
func (b *RingBuffer) Add(chunk store.TranscriptChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if chunk.AtMS == 0 {
		chunk.AtMS = time.Now().UnixMilli()
	}
	b.chunks = append(b.chunks, chunk)
	b.evict()
}

// GetLastN returns the most recent n finalized chunks ordered by seq,
// oldest first.
func (b *RingBuffer) GetLastN(n int) []store.TranscriptChunk {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastNLocked(n)
}

// lastNLocked collects finalized chunks sorted by seq and returns the
// trailing n. Must be called with b.mu held (read or write).
func (b *RingBuffer) lastNLocked(n int) []store.TranscriptChunk {
	if n <= 0 {
		return nil
	}
	finalized := make([]store.TranscriptChunk, 0, len(b.chunks))
	for _, c := range b.chunks {
		if c.Final {
			finalized = append(finalized, c)
		}
	}
	sort.Slice(finalized, func(i, j int) bool { return finalized[i].Seq < finalized[j].Seq })
	if len(finalized) > n {
		finalized = finalized[len(finalized)-n:]
	}
	return finalized
}

// GetRecentText concatenates the text of the last n finalized chunks,
// separated by single spaces, truncated from the left to maxChars.
func (b *RingBuffer) GetRecentText(n, maxChars int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	chunks := b.lastNLocked(n)
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, " ")
	if maxChars > 0 && len(text) > maxChars {
		text = text[len(text)-maxChars:]
	}
	return text
}

// GetContextBullets renders the last n finalized chunks as
// "[speaker] text" lines, one per chunk, capped at maxChars overall.
// Chunks without a speaker render without the bracket prefix.
func (b *RingBuffer) GetContextBullets(n, maxChars int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	chunks := b.lastNLocked(n)
	lines := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Speaker != "" {
			lines = append(lines, fmt.Sprintf("[%s] %s", c.Speaker, c.Text))
		} else {
			lines = append(lines, c.Text)
		}
	}
	text := strings.Join(lines, "\n")
	if maxChars > 0 && len(text) > maxChars {
		text = text[len(text)-maxChars:]
	}
	return text
}

// Stats reports the number of finalized and total chunks currently held.
type Stats struct {
	Finalized int
	Total     int
}

// GetStats returns current buffer occupancy.
func (b *RingBuffer) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Total: len(b.chunks)}
	for _, c := range b.chunks {
		if c.Final {
			s.Finalized++
		}
	}
	return s
}

// evict removes chunks that are too old or exceed maxItems.
// Must be called with b.mu held.
//
// Survivors are copied to a fresh backing array so evicted chunks do not
// pin memory for the lifetime of the event.
func (b *RingBuffer) evict() {
	cutoff := time.Now().Add(-b.maxAge).UnixMilli()

	start := 0
	for start < len(b.chunks) && b.chunks[start].AtMS < cutoff {
		start++
	}

	keep := b.chunks[start:]
	if len(keep) > b.maxItems {
		keep = keep[len(keep)-b.maxItems:]
	}

	if start > 0 || len(keep) < len(b.chunks) {
		fresh := make([]store.TranscriptChunk, len(keep), b.maxItems)
		copy(fresh, keep)
		b.chunks = fresh
	}
}
