// Package push publishes runtime artifacts to the downstream delivery
// endpoint: cards, fact updates and status snapshots.
//
// Delivery is fire-and-forget. Publishing never blocks the runtime's hot
// path and never surfaces an error to the caller: failures are logged
// and the envelope is dropped. Consumers that need durability read the
// database; the push bus only accelerates delivery.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Envelope types.
const (
	TypeCardCreated     = "card_created"
	TypeCardUpdated     = "card_updated"
	TypeCardDeactivated = "card_deactivated"
	TypeCardDeleted     = "card_deleted"
	TypeFactUpdate      = "fact_update"
	TypeStatusUpdate    = "status_update"
)

const (
	defaultQueueSize = 256
	defaultTimeout   = 5 * time.Second
)

// Envelope is one published message.
type Envelope struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"timestamp"`
}

// Publisher delivers envelopes downstream. Implementations must never
// block the caller beyond enqueueing.
type Publisher interface {
	// Publish enqueues one envelope for delivery. A full queue drops the
	// envelope.
	Publish(ctx context.Context, env Envelope)

	// Close flushes the queue and stops the delivery worker.
	Close() error
}

// Compile-time interface check.
var _ Publisher = (*HTTPPublisher)(nil)

// HTTPPublisher POSTs envelopes as JSON to a webhook endpoint, one
// delivery worker draining a bounded queue.
type HTTPPublisher struct {
	endpoint  string
	authToken string
	client    *http.Client
	log       *slog.Logger

	queue     chan Envelope
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// HTTPOption configures an [HTTPPublisher].
type HTTPOption func(*HTTPPublisher)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPPublisher) { p.client = c }
}

// WithLogger overrides the logger used for delivery failures.
func WithLogger(log *slog.Logger) HTTPOption {
	return func(p *HTTPPublisher) { p.log = log }
}

// WithAuthToken sends token as a Bearer credential on every delivery.
func WithAuthToken(token string) HTTPOption {
	return func(p *HTTPPublisher) { p.authToken = token }
}

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(n int) HTTPOption {
	return func(p *HTTPPublisher) {
		if n > 0 {
			p.queue = make(chan Envelope, n)
		}
	}
}

// NewHTTPPublisher creates a publisher delivering to endpoint and starts
// its delivery worker.
func NewHTTPPublisher(endpoint string, opts ...HTTPOption) *HTTPPublisher {
	p := &HTTPPublisher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultTimeout},
		log:      slog.Default(),
		queue:    make(chan Envelope, defaultQueueSize),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	p.wg.Add(1)
	go p.deliverLoop()
	return p
}

// Publish implements [Publisher]. A full queue drops the envelope with a
// warning; the runtime never waits on delivery.
func (p *HTTPPublisher) Publish(ctx context.Context, env Envelope) {
	if env.At.IsZero() {
		env.At = time.Now()
	}
	select {
	case p.queue <- env:
	default:
		p.log.Warn("push queue full, dropping envelope",
			"type", env.Type, "event_id", env.EventID)
	}
}

// Close implements [Publisher]. Pending envelopes are delivered before
// the worker exits.
func (p *HTTPPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

// Ping probes the delivery endpoint with a HEAD request. Endpoints that
// reject the method still count as reachable; only transport errors and
// 5xx responses fail the probe.
func (p *HTTPPublisher) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		return fmt.Errorf("push: ping: %w", err)
	}
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: ping: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("push: ping: endpoint status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPPublisher) deliverLoop() {
	defer p.wg.Done()

	for {
		select {
		case env := <-p.queue:
			p.deliver(env)
		case <-p.done:
			// Flush what is already queued, then stop.
			for {
				select {
				case env := <-p.queue:
					p.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (p *HTTPPublisher) deliver(env Envelope) {
	body, err := json.Marshal(env)
	if err != nil {
		p.log.Warn("push marshal failed", "type", env.Type, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		p.log.Warn("push request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("push delivery failed",
			"type", env.Type, "event_id", env.EventID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.log.Warn("push delivery rejected",
			"type", env.Type, "event_id", env.EventID, "status", resp.StatusCode)
	}
}

// Marshal builds an envelope from any payload, logging on failure. It
// keeps call sites one line in the processors.
func Marshal(typ, eventID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("push: marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, EventID: eventID, Payload: raw, At: time.Now()}, nil
}
