// Package mock provides a test double for the push.Publisher interface.
//
// Use Publisher to capture published envelopes and assert on their type,
// event id and payload without a live delivery endpoint.
package mock

import (
	"context"
	"sync"

	"github.com/veyra-labs/briefwire/pkg/push"
)

// Publisher is a mock implementation of push.Publisher.
type Publisher struct {
	mu sync.Mutex

	// Published records every envelope in order.
	Published []push.Envelope

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Publish records the envelope.
func (p *Publisher) Publish(ctx context.Context, env push.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, env)
}

// Close records the call.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return nil
}

// Envelopes returns a snapshot of the published envelopes. Thread-safe.
func (p *Publisher) Envelopes() []push.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]push.Envelope, len(p.Published))
	copy(out, p.Published)
	return out
}

// ByType returns the published envelopes with the given type. Thread-safe.
func (p *Publisher) ByType(typ string) []push.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []push.Envelope
	for _, e := range p.Published {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears all recorded envelopes. Thread-safe.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = nil
	p.CloseCallCount = 0
}

// Ensure Publisher implements push.Publisher at compile time.
var _ push.Publisher = (*Publisher)(nil)
