package runtime

import (
	"strings"
	"testing"
	"time"

	"github.com/veyra-labs/briefwire/pkg/store"
)

func chunk(seq uint64, text string, final bool) store.TranscriptChunk {
	return store.TranscriptChunk{
		EventID: "ev-1",
		Seq:     seq,
		AtMS:    time.Now().UnixMilli(),
		Text:    text,
		Final:   final,
	}
}

func TestRingBufferAddAndGetLastN(t *testing.T) {
	b := NewRingBuffer(10, time.Minute)

	b.Add(chunk(1, "one", true))
	b.Add(chunk(3, "three", true))
	b.Add(chunk(2, "two", true))
	b.Add(chunk(4, "interim", false))

	got := b.GetLastN(5)
	if len(got) != 3 {
		t.Fatalf("expected 3 finalized chunks, got %d", len(got))
	}
	for i, want := range []uint64{1, 2, 3} {
		if got[i].Seq != want {
			t.Errorf("chunk %d: expected seq %d, got %d", i, want, got[i].Seq)
		}
	}

	t.Run("trailing window", func(t *testing.T) {
		got := b.GetLastN(2)
		if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
			t.Errorf("expected seqs [2 3], got %v", got)
		}
	})

	t.Run("zero n", func(t *testing.T) {
		if got := b.GetLastN(0); got != nil {
			t.Errorf("expected nil, got %v", got)
		}
	})
}

func TestRingBufferCountEviction(t *testing.T) {
	b := NewRingBuffer(3, time.Minute)

	for seq := uint64(1); seq <= 5; seq++ {
		b.Add(chunk(seq, "text", true))
	}

	got := b.GetLastN(10)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks after eviction, got %d", len(got))
	}
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Errorf("expected seqs [3 4 5], got %v", got)
	}
}

func TestRingBufferAgeEviction(t *testing.T) {
	b := NewRingBuffer(10, 50*time.Millisecond)

	old := chunk(1, "old", true)
	old.AtMS = time.Now().Add(-time.Second).UnixMilli()
	b.Add(old)
	b.Add(chunk(2, "fresh", true))

	got := b.GetLastN(10)
	if len(got) != 1 {
		t.Fatalf("expected 1 chunk after age eviction, got %d", len(got))
	}
	if got[0].Seq != 2 {
		t.Errorf("expected seq 2 to survive, got %d", got[0].Seq)
	}
}

func TestRingBufferStampsMissingTimestamp(t *testing.T) {
	b := NewRingBuffer(10, time.Minute)

	c := chunk(1, "no timestamp", true)
	c.AtMS = 0
	b.Add(c)

	got := b.GetLastN(1)
	if len(got) != 1 || got[0].AtMS == 0 {
		t.Fatalf("expected stamped AtMS, got %v", got)
	}
}

func TestRingBufferGetRecentText(t *testing.T) {
	b := NewRingBuffer(10, time.Minute)
	b.Add(chunk(1, "the quick", true))
	b.Add(chunk(2, "brown fox", true))

	if got := b.GetRecentText(5, 0); got != "the quick brown fox" {
		t.Errorf("expected joined text, got %q", got)
	}

	t.Run("left truncation", func(t *testing.T) {
		got := b.GetRecentText(5, 9)
		if got != "brown fox" {
			t.Errorf("expected trailing 9 chars, got %q", got)
		}
	})
}

func TestRingBufferGetContextBullets(t *testing.T) {
	b := NewRingBuffer(10, time.Minute)

	c := chunk(1, "hello", true)
	c.Speaker = "alice"
	b.Add(c)
	b.Add(chunk(2, "world", true))

	got := b.GetContextBullets(5, 0)
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", got)
	}
	if lines[0] != "[alice] hello" {
		t.Errorf("expected speaker prefix, got %q", lines[0])
	}
	if lines[1] != "world" {
		t.Errorf("expected bare text for unknown speaker, got %q", lines[1])
	}
}

func TestRingBufferStats(t *testing.T) {
	b := NewRingBuffer(10, time.Minute)
	b.Add(chunk(1, "final", true))
	b.Add(chunk(2, "interim", false))

	s := b.GetStats()
	if s.Total != 2 || s.Finalized != 1 {
		t.Errorf("expected total=2 finalized=1, got %+v", s)
	}
}
