// Package ackretry implements the ACK & Retry Engine of spec §4.G: a
// per-message timer with cancellable exponential backoff, generalized from
// an injectable Clock abstraction and per-client state tracking pattern
// (internal/input/gate.go).
package ackretry

import (
	"sync"
	"time"

	"relay.example/messaging-relay/internal/config"
	"relay.example/messaging-relay/internal/logging"
)

// State mirrors the client-side delivery state machine named in the
// GLOSSARY, tracked here so the engine's logs and callbacks speak the same
// vocabulary as the wire protocol.
type State string

const (
	StatePendingDelivery State = "pending_delivery"
	StateDelivered        State = "delivered"
	StateFailed           State = "failed"
)

// Resender retransmits a message to a single recipient on retry.
type Resender interface {
	Resend(msgID, deviceID string)
}

// FailureNotifier is invoked once a message exhausts its retry budget.
type FailureNotifier interface {
	DeliveryFailed(msgID, deviceID string)
}

type tracked struct {
	mu      sync.Mutex
	timer   *time.Timer
	retries int
	state   State
}

// Engine tracks one timer per (message, recipient) pair.
type Engine struct {
	mu    sync.Mutex
	items map[string]*tracked

	ackTimeout  time.Duration
	backoffBase time.Duration
	backoffCap  time.Duration
	maxRetries  int

	resender Resender
	notifier FailureNotifier
	logger   *logging.Logger
}

// Option configures optional Engine behaviour.
type Option func(*Engine)

// WithLogger overrides the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTimings overrides the default ACK timeout and backoff envelope.
// Production code should leave this unset; it exists so tests can drive
// the state machine without waiting on the real 30-second timeout.
func WithTimings(ackTimeout, backoffBase, backoffCap time.Duration) Option {
	return func(e *Engine) {
		if ackTimeout > 0 {
			e.ackTimeout = ackTimeout
		}
		if backoffBase > 0 {
			e.backoffBase = backoffBase
		}
		if backoffCap > 0 {
			e.backoffCap = backoffCap
		}
	}
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// New constructs an ACK & Retry Engine.
func New(resender Resender, notifier FailureNotifier, opts ...Option) *Engine {
	e := &Engine{
		items:       make(map[string]*tracked),
		ackTimeout:  config.AckTimeout,
		backoffBase: config.RetryBackoffBase,
		backoffCap:  config.RetryBackoffCap,
		maxRetries:  config.MaxDeliveryRetries,
		resender:    resender,
		notifier:    notifier,
		logger:      logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func key(msgID, deviceID string) string { return msgID + "|" + deviceID }

// backoff implements min(base * 2^retryCount, cap) per §4.G.
func (e *Engine) backoff(retryCount int) time.Duration {
	d := e.backoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= e.backoffCap {
			return e.backoffCap
		}
	}
	return d
}

// TrackSend starts the ACK timer for one outbound send. Expiration always
// overrides retry: callers MUST call Cancel when the message expires,
// regardless of remaining attempts.
func (e *Engine) TrackSend(msgID, deviceID string) {
	item := &tracked{state: StatePendingDelivery}
	item.timer = time.AfterFunc(e.ackTimeout, func() { e.onTimeout(msgID, deviceID) })

	e.mu.Lock()
	k := key(msgID, deviceID)
	if prior, exists := e.items[k]; exists {
		prior.mu.Lock()
		if prior.timer != nil {
			prior.timer.Stop()
		}
		prior.mu.Unlock()
	}
	e.items[k] = item
	e.mu.Unlock()
}

func (e *Engine) onTimeout(msgID, deviceID string) {
	k := key(msgID, deviceID)
	e.mu.Lock()
	item, ok := e.items[k]
	e.mu.Unlock()
	if !ok {
		return
	}

	item.mu.Lock()
	if item.state != StatePendingDelivery {
		item.mu.Unlock()
		return
	}
	item.retries++
	retries := item.retries
	item.mu.Unlock()

	if retries >= e.maxRetries {
		item.mu.Lock()
		item.state = StateFailed
		item.mu.Unlock()
		e.mu.Lock()
		delete(e.items, k)
		e.mu.Unlock()
		e.logger.Warn("delivery_failed", logging.MessageID(msgID), logging.DeviceID(deviceID))
		if e.notifier != nil {
			e.notifier.DeliveryFailed(msgID, deviceID)
		}
		return
	}

	delay := e.backoff(retries)
	item.mu.Lock()
	item.timer = time.AfterFunc(delay, func() { e.onTimeout(msgID, deviceID) })
	item.mu.Unlock()

	if e.resender != nil {
		e.resender.Resend(msgID, deviceID)
	}
}

// Ack cancels the timer for (msgID, deviceID) and transitions it to
// Delivered. A call for an untracked pair is a no-op.
func (e *Engine) Ack(msgID, deviceID string) {
	k := key(msgID, deviceID)
	e.mu.Lock()
	item, ok := e.items[k]
	if ok {
		delete(e.items, k)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	item.mu.Lock()
	if item.timer != nil {
		item.timer.Stop()
	}
	item.state = StateDelivered
	item.mu.Unlock()
}

// Cancel stops tracking (msgID, deviceID) without marking it Delivered,
// used when the message expires or the recipient device is revoked (§4.G,
// §5 "no message state is assumed to survive shutdown").
func (e *Engine) Cancel(msgID, deviceID string) {
	k := key(msgID, deviceID)
	e.mu.Lock()
	item, ok := e.items[k]
	if ok {
		delete(e.items, k)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	item.mu.Lock()
	if item.timer != nil {
		item.timer.Stop()
	}
	item.mu.Unlock()
}

// StateOf reports the tracked state for (msgID, deviceID), or "" if untracked.
func (e *Engine) StateOf(msgID, deviceID string) State {
	k := key(msgID, deviceID)
	e.mu.Lock()
	item, ok := e.items[k]
	e.mu.Unlock()
	if !ok {
		return ""
	}
	item.mu.Lock()
	defer item.mu.Unlock()
	return item.state
}
