// Package driver manages one long-lived duplex model session per
// (event, agent type): connection state, the outbound message queue,
// heartbeats, and automatic reconnection.
//
// A Driver wraps a realtime.Session and layers three guarantees on top:
// at most one response-expecting send is in flight at a time, a
// heartbeat detects dead connections, and transient failures reconnect
// with exponential backoff and full jitter. Status transitions are
// reported to a single caller-supplied callback.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/veyra-labs/briefwire/pkg/provider/realtime"
	"github.com/veyra-labs/briefwire/pkg/store"
)

// Default connection management parameters.
const (
	defaultResponseTimeout   = 30 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultPongTimeout       = 10 * time.Second
	defaultMaxRetries        = 10
	defaultBackoff           = 1 * time.Second
	defaultMaxBackoff        = 30 * time.Second
	defaultQueueSize         = 64

	// maxMissedPongs is how many consecutive heartbeat failures trigger a
	// reconnect.
	maxMissedPongs = 2
)

// Status is the driver's connection state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

// ErrClosed is returned by operations on a closed driver.
var ErrClosed = errors.New("driver: closed")

// ErrQueueFull is returned by Send when the outbound queue is full and
// the caller's context expires before space frees up.
var ErrQueueFull = errors.New("driver: send queue full")

// StatusCallback receives every driver status transition. sessionID may
// be empty when the provider has not assigned one yet.
type StatusCallback func(agentType store.AgentType, status Status, sessionID string)

// EventCallback receives every routed inbound provider event.
// response_done events are consumed by the queue before being forwarded.
type EventCallback func(evt realtime.ServerEvent)

// Config configures a [Driver].
type Config struct {
	// AgentType names the agent this driver serves.
	AgentType store.AgentType

	// Provider establishes sessions.
	Provider realtime.Provider

	// Session is the configuration passed to Provider.Connect.
	Session realtime.SessionConfig

	// OnStatus receives status transitions. May be nil.
	OnStatus StatusCallback

	// OnEvent receives inbound events. May be nil.
	OnEvent EventCallback

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// ResponseTimeout bounds how long a response-expecting send blocks
	// the queue. Defaults to 30s if zero.
	ResponseTimeout time.Duration

	// HeartbeatInterval, PongTimeout, MaxRetries, Backoff, MaxBackoff
	// override the connection management defaults when non-zero.
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	MaxRetries        int
	Backoff           time.Duration
	MaxBackoff        time.Duration
}

type sendRequest struct {
	turn realtime.Turn
	done chan error
}

// Driver owns one duplex model session. All methods are safe for
// concurrent use.
type Driver struct {
	agentType store.AgentType
	provider  realtime.Provider
	sessCfg   realtime.SessionConfig
	onStatus  StatusCallback
	onEvent   EventCallback
	log       *slog.Logger

	responseTimeout   time.Duration
	heartbeatInterval time.Duration
	pongTimeout       time.Duration
	maxRetries        int
	backoff           time.Duration
	maxBackoff        time.Duration

	sendCh   chan sendRequest
	respDone chan struct{}
	downCh   chan int // session generation that went down

	mu         sync.Mutex
	status     Status
	sess       realtime.Session
	sessionID  string
	gen        int           // increments per established session
	resumeGate chan struct{} // non-nil while paused; closed on resume

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	loopsStarted bool // guarded by mu; the worker trio runs at most once
}

// New creates a driver in status created. Call Connect to establish the
// session.
func New(cfg Config) *Driver {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Driver{
		agentType:         cfg.AgentType,
		provider:          cfg.Provider,
		sessCfg:           cfg.Session,
		onStatus:          cfg.OnStatus,
		onEvent:           cfg.OnEvent,
		log:               log.With("agent_type", cfg.AgentType),
		responseTimeout:   cfg.ResponseTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		pongTimeout:       cfg.PongTimeout,
		maxRetries:        cfg.MaxRetries,
		backoff:           cfg.Backoff,
		maxBackoff:        cfg.MaxBackoff,
		sendCh:            make(chan sendRequest, defaultQueueSize),
		respDone:          make(chan struct{}, 1),
		downCh:            make(chan int, 4),
		status:            StatusCreated,
	}
	if d.responseTimeout <= 0 {
		d.responseTimeout = defaultResponseTimeout
	}
	if d.heartbeatInterval <= 0 {
		d.heartbeatInterval = defaultHeartbeatInterval
	}
	if d.pongTimeout <= 0 {
		d.pongTimeout = defaultPongTimeout
	}
	if d.maxRetries <= 0 {
		d.maxRetries = defaultMaxRetries
	}
	if d.backoff <= 0 {
		d.backoff = defaultBackoff
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = defaultMaxBackoff
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Status returns the current connection state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SessionID returns the current provider session id, or empty.
func (d *Driver) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// AgentType returns the agent type this driver serves.
func (d *Driver) AgentType() store.AgentType { return d.agentType }

// ── Lifecycle ──────────────────────────────────────────────────────────────────

// Connect establishes the session and transitions to active. Idempotent:
// calling Connect on an already-active driver returns the existing
// session id without reconnecting.
func (d *Driver) Connect(ctx context.Context) (string, error) {
	d.mu.Lock()
	switch d.status {
	case StatusActive:
		id := d.sessionID
		d.mu.Unlock()
		return id, nil
	case StatusClosing, StatusClosed:
		d.mu.Unlock()
		return "", ErrClosed
	}
	d.mu.Unlock()

	d.setStatus(StatusConnecting, "")

	sess, err := d.provider.Connect(ctx, d.sessCfg)
	if err != nil {
		d.setStatus(StatusError, "")
		return "", fmt.Errorf("driver: connect %s: %w", d.agentType, err)
	}

	id := d.installSession(sess)

	// The send queue, heartbeat, and supervisor are shared across session
	// generations. A repeat Connect (recovery after reconnect exhaustion)
	// only installs a fresh session; a second consumer on sendCh would
	// allow two response-expecting turns in flight at once.
	d.mu.Lock()
	start := !d.loopsStarted
	d.loopsStarted = true
	d.mu.Unlock()
	if start {
		d.wg.Add(3)
		go d.sendLoop()
		go d.heartbeatLoop()
		go d.supervise()
	}

	d.setStatus(StatusActive, id)
	return id, nil
}

// installSession swaps in a new session, bumps the generation, starts
// its router, and returns the provider session id.
func (d *Driver) installSession(sess realtime.Session) string {
	d.mu.Lock()
	d.sess = sess
	d.gen++
	gen := d.gen
	d.sessionID = sess.ID()
	id := d.sessionID
	d.mu.Unlock()

	d.wg.Add(1)
	go d.routeLoop(sess, gen)
	return id
}

// Pause suppresses outbound sends while keeping the inbound drain. The
// socket stays open.
func (d *Driver) Pause() {
	d.mu.Lock()
	if d.status != StatusActive {
		d.mu.Unlock()
		return
	}
	d.status = StatusPaused
	d.resumeGate = make(chan struct{})
	id := d.sessionID
	d.mu.Unlock()

	d.emit(StatusPaused, id)
}

// Resume returns the driver to active and releases any sends queued
// while paused. If the session died while paused, it reconnects first.
func (d *Driver) Resume(ctx context.Context) (string, error) {
	d.mu.Lock()
	switch d.status {
	case StatusActive:
		id := d.sessionID
		d.mu.Unlock()
		return id, nil
	case StatusClosing, StatusClosed:
		d.mu.Unlock()
		return "", ErrClosed
	case StatusPaused:
	default:
		d.mu.Unlock()
		return d.Connect(ctx)
	}
	sess := d.sess
	gate := d.resumeGate
	d.mu.Unlock()

	if sess == nil {
		// Session dropped while paused; establish a fresh one.
		newSess, err := d.provider.Connect(ctx, d.sessCfg)
		if err != nil {
			d.setStatus(StatusError, "")
			return "", fmt.Errorf("driver: resume %s: %w", d.agentType, err)
		}
		d.installSession(newSess)
	}

	d.mu.Lock()
	d.status = StatusActive
	d.resumeGate = nil
	id := d.sessionID
	d.mu.Unlock()

	if gate != nil {
		close(gate)
	}
	d.emit(StatusActive, id)
	return id, nil
}

// Close transitions to closed, cancels the heartbeat, and discards the
// pending queue. Safe to call multiple times.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.status = StatusClosing
		sess := d.sess
		d.sess = nil
		id := d.sessionID
		gate := d.resumeGate
		d.resumeGate = nil
		d.mu.Unlock()

		d.emit(StatusClosing, id)
		if gate != nil {
			close(gate)
		}
		d.cancel()
		if sess != nil {
			_ = sess.Close()
		}
		d.wg.Wait()
		d.drainQueue()

		d.mu.Lock()
		d.status = StatusClosed
		d.mu.Unlock()
		d.emit(StatusClosed, id)
	})
	return nil
}

// drainQueue discards everything still queued, failing the waiters.
func (d *Driver) drainQueue() {
	for {
		select {
		case req := <-d.sendCh:
			req.done <- ErrClosed
		default:
			return
		}
	}
}

// ── Outbound ───────────────────────────────────────────────────────────────────

// Send enqueues a text turn. Response-expecting turns are issued only
// after the prior one's response_done arrived or its timeout cancelled
// it. The returned error reflects enqueueing, not delivery.
func (d *Driver) Send(ctx context.Context, text string, responseExpected bool) error {
	if d.Status() == StatusClosed || d.Status() == StatusClosing {
		return ErrClosed
	}
	req := sendRequest{
		turn: realtime.Turn{Text: text, ResponseExpected: responseExpected},
		done: make(chan error, 1),
	}
	select {
	case d.sendCh <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("driver: enqueue %s: %w", d.agentType, errors.Join(ErrQueueFull, ctx.Err()))
	case <-d.ctx.Done():
		return ErrClosed
	}
}

// SendToolResult bypasses the turn queue: tool outputs continue an
// in-flight response rather than starting a new one.
func (d *Driver) SendToolResult(ctx context.Context, callID string, output []byte) error {
	sess := d.currentSession()
	if sess == nil {
		return ErrClosed
	}
	return sess.SendToolResult(ctx, callID, output)
}

// AppendAudioChunk streams one audio chunk to the provider. Transcript
// drivers only; audio bypasses the turn queue.
func (d *Driver) AppendAudioChunk(ctx context.Context, chunk realtime.AudioChunk) error {
	d.mu.Lock()
	if d.status != StatusActive {
		st := d.status
		d.mu.Unlock()
		return fmt.Errorf("driver: append audio while %s: %w", st, ErrClosed)
	}
	sess := d.sess
	d.mu.Unlock()

	if sess == nil {
		return ErrClosed
	}
	return sess.AppendAudio(ctx, chunk)
}

// sendLoop is the queue consumer: one turn at a time, response-expecting
// turns gate on response_done.
func (d *Driver) sendLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case req := <-d.sendCh:
			d.processSend(req)
		}
	}
}

func (d *Driver) processSend(req sendRequest) {
	if !d.awaitSendable() {
		req.done <- ErrClosed
		return
	}

	sess := d.currentSession()
	if sess == nil {
		req.done <- ErrClosed
		return
	}

	if req.turn.ResponseExpected {
		// Clear a stale completion signal from a cancelled predecessor.
		select {
		case <-d.respDone:
		default:
		}
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.responseTimeout)
	err := sess.SendTurn(ctx, req.turn)
	cancel()
	req.done <- err
	if err != nil {
		d.log.Warn("send failed", "error", err)
		return
	}

	if req.turn.ResponseExpected {
		select {
		case <-d.respDone:
		case <-time.After(d.responseTimeout):
			// Cancel and proceed; the response may still arrive and is
			// handled by the router regardless.
			d.log.Warn("response timeout, releasing queue")
		case <-d.ctx.Done():
		}
	}
}

// awaitSendable blocks while the driver is paused; reports false when it
// is shutting down.
func (d *Driver) awaitSendable() bool {
	for {
		d.mu.Lock()
		st := d.status
		gate := d.resumeGate
		d.mu.Unlock()

		switch st {
		case StatusPaused:
			select {
			case <-gate:
			case <-d.ctx.Done():
				return false
			}
		case StatusClosing, StatusClosed:
			return false
		default:
			return true
		}
	}
}

func (d *Driver) currentSession() realtime.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sess
}

// ── Inbound ────────────────────────────────────────────────────────────────────

// routeLoop drains one session's event stream. When the stream closes
// unexpectedly it reports the session generation on downCh so the
// supervisor can reconnect.
func (d *Driver) routeLoop(sess realtime.Session, gen int) {
	defer d.wg.Done()

	for evt := range sess.Events() {
		switch evt.Type {
		case realtime.EventSessionCreated, realtime.EventSessionUpdated:
			if evt.SessionID != "" {
				d.updateSessionID(gen, evt.SessionID)
			}
		case realtime.EventResponseDone:
			select {
			case d.respDone <- struct{}{}:
			default:
			}
		case realtime.EventError:
			d.log.Warn("provider error event", "error", evt.Err)
		}
		if d.onEvent != nil {
			d.onEvent(evt)
		}
	}

	if d.ctx.Err() != nil {
		return
	}
	select {
	case d.downCh <- gen:
	case <-d.ctx.Done():
	}
}

// updateSessionID records a late-arriving provider session id and
// re-emits active so listeners learn it.
func (d *Driver) updateSessionID(gen int, id string) {
	d.mu.Lock()
	if gen != d.gen || d.sessionID == id {
		d.mu.Unlock()
		return
	}
	d.sessionID = id
	active := d.status == StatusActive
	d.mu.Unlock()

	if active {
		d.emit(StatusActive, id)
	}
}

// ── Supervision ────────────────────────────────────────────────────────────────

// supervise reacts to dead sessions with a reconnect cycle.
func (d *Driver) supervise() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case gen := <-d.downCh:
			d.mu.Lock()
			stale := gen != d.gen
			paused := d.status == StatusPaused
			if !stale && paused {
				// Dropped while paused: reconnect lazily on Resume.
				d.sess = nil
			}
			d.mu.Unlock()
			if stale || paused {
				continue
			}
			// Unblock a send waiting on a response that will never come.
			select {
			case d.respDone <- struct{}{}:
			default:
			}
			d.attemptReconnect()
		}
	}
}

// heartbeatLoop pings the session every heartbeat interval; two
// consecutive failures count the session as dead.
func (d *Driver) heartbeatLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			active := d.status == StatusActive
			sess := d.sess
			gen := d.gen
			d.mu.Unlock()
			if !active || sess == nil {
				missed = 0
				continue
			}

			ctx, cancel := context.WithTimeout(d.ctx, d.pongTimeout)
			err := sess.Ping(ctx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			missed++
			d.log.Warn("heartbeat failed", "missed", missed, "error", err)
			if missed >= maxMissedPongs {
				missed = 0
				select {
				case d.downCh <- gen:
				default:
				}
			}
		}
	}
}

// attemptReconnect re-establishes the session with exponential backoff
// and full jitter. Exhausting the attempts is fatal: the driver moves to
// error and stops.
func (d *Driver) attemptReconnect() {
	d.setStatus(StatusConnecting, "")

	d.mu.Lock()
	old := d.sess
	d.sess = nil
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	currentBackoff := d.backoff
	for attempt := 1; attempt <= d.maxRetries; attempt++ {
		if d.ctx.Err() != nil {
			return
		}

		d.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", d.maxRetries,
			"backoff", currentBackoff,
		)

		ctx, cancel := context.WithTimeout(d.ctx, d.responseTimeout)
		sess, err := d.provider.Connect(ctx, d.sessCfg)
		cancel()
		if err == nil {
			id := d.installSession(sess)
			d.setStatus(StatusActive, id)
			d.log.Info("reconnection successful", "attempt", attempt)
			return
		}

		d.log.Warn("reconnection attempt failed", "attempt", attempt, "error", err)

		// Full jitter: sleep a uniform fraction of the current backoff.
		sleep := time.Duration(rand.Float64() * float64(currentBackoff))
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(sleep):
		}

		currentBackoff *= 2
		if currentBackoff > d.maxBackoff {
			currentBackoff = d.maxBackoff
		}
	}

	d.log.Error("reconnection failed after max retries", "max_retries", d.maxRetries)
	d.setStatus(StatusError, "")
}

// ── Status machine ─────────────────────────────────────────────────────────────

func (d *Driver) setStatus(st Status, sessionID string) {
	d.mu.Lock()
	if d.status == StatusClosed || d.status == StatusClosing {
		d.mu.Unlock()
		return
	}
	d.status = st
	if sessionID != "" {
		d.sessionID = sessionID
	}
	id := d.sessionID
	d.mu.Unlock()

	d.emit(st, id)
}

func (d *Driver) emit(st Status, sessionID string) {
	if d.onStatus != nil {
		d.onStatus(d.agentType, st, sessionID)
	}
}
