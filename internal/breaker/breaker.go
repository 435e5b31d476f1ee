// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package breaker implements per-webhook circuit breakers guarding
// dispatcher calls. A breaker trips on consecutive failures, or on the
// error rate or slow-call rate observed within a sliding monitoring
// window, and admits a single probe call after the reset timeout.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/oculairmedia/huly-webhook/core/webhook"
)

// State is the breaker state machine position.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// StateTopic is the pubsub topic state transitions are published on.
const StateTopic = "breaker.state"

// StateChange is the payload published on StateTopic. Listeners are
// observability-only; publication must never block the breaker.
type StateChange struct {
	WebhookID string
	Old       State
	New       State
	At        time.Time
}

// Hub is where state transitions are published. Satisfied by
// pubsub.SimpleHub.
type Hub interface {
	Publish(topic string, data interface{}) func()
}

// Logger represents the logging methods used by this package.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
}

// Config holds the breaker thresholds. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	VolumeThreshold  int
	ErrorRatePct     int
	SlowCall         time.Duration
	SlowCallRatePct  int
	MonitoringPeriod time.Duration
}

// DefaultConfig returns the service-wide breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		VolumeThreshold:  10,
		ErrorRatePct:     50,
		SlowCall:         5 * time.Second,
		SlowCallRatePct:  50,
		MonitoringPeriod: time.Minute,
	}
}

// withOverrides applies a webhook's breaker overrides to the defaults.
func (c Config) withOverrides(o *webhook.BreakerOverrides) Config {
	if o == nil {
		return c
	}
	if o.FailureThreshold != nil {
		c.FailureThreshold = *o.FailureThreshold
	}
	if o.ResetTimeout != nil {
		c.ResetTimeout = *o.ResetTimeout
	}
	if o.SuccessThreshold != nil {
		c.SuccessThreshold = *o.SuccessThreshold
	}
	if o.ErrorRatePct != nil {
		c.ErrorRatePct = *o.ErrorRatePct
	}
	if o.SlowCallRatePct != nil {
		c.SlowCallRatePct = *o.SlowCallRatePct
	}
	return c
}

// OpenError is the synthetic failure returned while a breaker is open. It
// is recoverable from the delivery's point of view but is never fed back
// into the breaker's own statistics.
type OpenError struct {
	WebhookID  string
	RetryAfter time.Duration
}

// Error is part of the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for webhook %q, retry after %s", e.WebhookID, e.RetryAfter)
}

// IsOpenError reports whether err is a breaker-open rejection.
func IsOpenError(err error) (*OpenError, bool) {
	oe, ok := errors.Cause(err).(*OpenError)
	return oe, ok
}

// ignoredError wraps failures that must not count toward breaker
// statistics: permanent client errors and rate limits, where the endpoint
// itself is healthy.
type ignoredError struct {
	error
}

// Ignored marks err as invisible to the breaker's failure accounting.
func Ignored(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err}
}

// IsIgnored reports whether err was marked with Ignored and unwraps it.
func IsIgnored(err error) (error, bool) {
	if ie, ok := errors.Cause(err).(*ignoredError); ok {
		return ie.error, true
	}
	return err, false
}

// timeoutError marks a failure as a timeout for window accounting.
type timeoutError struct {
	error
}

// Timeout marks err as a call timeout.
func Timeout(err error) error {
	if err == nil {
		return nil
	}
	return &timeoutError{err}
}

type callRecord struct {
	at      time.Time
	success bool
	slow    bool
	timeout bool
	elapsed time.Duration
}

// Stats is a point-in-time aggregate of a breaker's window.
type Stats struct {
	State        State
	Failures     int
	Successes    int
	WindowCalls  int
	ErrorRate    int
	SlowCallRate int
	NextAttempt  time.Time
}

type breakerState struct {
	mu sync.Mutex

	config        Config
	state         State
	failures      int
	successes     int
	nextAttemptAt time.Time
	window        []callRecord
}

// Breakers tracks one breaker per webhook.
type Breakers struct {
	clock  clock.Clock
	hub    Hub
	logger Logger

	mu       sync.Mutex
	defaults Config
	states   map[string]*breakerState
}

// NewBreakers builds the breaker set. Hub may be nil when state-change
// notifications are not wanted.
func NewBreakers(defaults Config, clk clock.Clock, hub Hub, logger Logger) *Breakers {
	return &Breakers{
		clock:    clk,
		hub:      hub,
		logger:   logger,
		defaults: defaults,
		states:   make(map[string]*breakerState),
	}
}

func (b *Breakers) forWebhook(wh webhook.Webhook) *breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[wh.ID]
	if !ok {
		st = &breakerState{
			config: b.defaults.withOverrides(wh.Breaker),
			state:  Closed,
		}
		b.states[wh.ID] = st
	}
	return st
}

// Execute runs call under the webhook's breaker. While the breaker is open
// it returns an *OpenError without invoking call. Failures returned by
// call count toward the breaker unless marked with Ignored.
func (b *Breakers) Execute(wh webhook.Webhook, call func() error) error {
	st := b.forWebhook(wh)
	now := b.clock.Now()

	st.mu.Lock()
	switch st.state {
	case Open:
		if now.Before(st.nextAttemptAt) {
			retryAfter := st.nextAttemptAt.Sub(now)
			st.mu.Unlock()
			return &OpenError{WebhookID: wh.ID, RetryAfter: retryAfter}
		}
		b.transition(wh.ID, st, HalfOpen, now)
	}
	st.mu.Unlock()

	start := b.clock.Now()
	err := call()
	elapsed := b.clock.Now().Sub(start)

	if _, ignored := IsIgnored(err); ignored && err != nil {
		// The endpoint answered; the caller is at fault. Record nothing.
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err == nil && elapsed < st.config.SlowCall {
		b.recordSuccess(wh.ID, st, elapsed)
	} else {
		_, isTimeout := errors.Cause(err).(*timeoutError)
		b.recordFailure(wh.ID, st, elapsed, err == nil, isTimeout)
		// A slow success still completes the delivery.
		if err == nil {
			return nil
		}
	}
	return err
}

// recordSuccess must be called with st.mu held.
func (b *Breakers) recordSuccess(id string, st *breakerState, elapsed time.Duration) {
	now := b.clock.Now()
	st.window = append(st.window, callRecord{at: now, success: true, elapsed: elapsed})
	st.prune(now)
	switch st.state {
	case HalfOpen:
		st.successes++
		if st.successes >= st.config.SuccessThreshold {
			b.transition(id, st, Closed, now)
		}
	case Closed:
		st.failures = 0
	}
}

// recordFailure must be called with st.mu held. slowSuccess marks calls
// that succeeded but breached the slow-call threshold.
func (b *Breakers) recordFailure(id string, st *breakerState, elapsed time.Duration, slowSuccess, timeout bool) {
	now := b.clock.Now()
	st.window = append(st.window, callRecord{
		at:      now,
		success: slowSuccess,
		slow:    elapsed >= st.config.SlowCall,
		timeout: timeout,
		elapsed: elapsed,
	})
	st.prune(now)
	switch st.state {
	case HalfOpen:
		b.trip(id, st, now)
	case Closed:
		if !slowSuccess {
			st.failures++
		}
		if st.shouldTrip() {
			b.trip(id, st, now)
		}
	}
}

// shouldTrip evaluates the CLOSED → OPEN conditions. Caller holds st.mu.
func (st *breakerState) shouldTrip() bool {
	if st.failures >= st.config.FailureThreshold {
		return true
	}
	if len(st.window) < st.config.VolumeThreshold {
		return false
	}
	var failed, slow int
	for _, c := range st.window {
		if !c.success {
			failed++
		}
		if c.slow {
			slow++
		}
	}
	total := len(st.window)
	if failed*100 >= st.config.ErrorRatePct*total {
		return true
	}
	return slow*100 >= st.config.SlowCallRatePct*total
}

func (b *Breakers) trip(id string, st *breakerState, now time.Time) {
	st.nextAttemptAt = now.Add(st.config.ResetTimeout)
	b.transition(id, st, Open, now)
}

// transition must be called with st.mu held.
func (b *Breakers) transition(id string, st *breakerState, to State, now time.Time) {
	from := st.state
	if from == to {
		return
	}
	st.state = to
	switch to {
	case Closed:
		st.failures = 0
		st.successes = 0
		st.nextAttemptAt = time.Time{}
	case HalfOpen:
		st.successes = 0
	}
	if b.logger != nil {
		b.logger.Infof("circuit breaker for webhook %q: %s -> %s", id, from, to)
	}
	if b.hub != nil {
		b.hub.Publish(StateTopic, StateChange{WebhookID: id, Old: from, New: to, At: now})
	}
}

// prune discards window entries older than the monitoring period. Caller
// holds st.mu.
func (st *breakerState) prune(now time.Time) {
	cutoff := now.Add(-st.config.MonitoringPeriod)
	i := 0
	for ; i < len(st.window); i++ {
		if !st.window[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		st.window = append(st.window[:0], st.window[i:]...)
	}
}

// Prune drops expired window entries for every breaker. Called
// periodically by the dispatcher's maintenance loop.
func (b *Breakers) Prune() {
	now := b.clock.Now()
	b.mu.Lock()
	states := make([]*breakerState, 0, len(b.states))
	for _, st := range b.states {
		states = append(states, st)
	}
	b.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		st.prune(now)
		st.mu.Unlock()
	}
}

// StatsFor returns the current aggregates for a webhook's breaker.
func (b *Breakers) StatsFor(webhookID string) Stats {
	b.mu.Lock()
	st, ok := b.states[webhookID]
	b.mu.Unlock()
	if !ok {
		return Stats{State: Closed}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := Stats{
		State:       st.state,
		Failures:    st.failures,
		Successes:   st.successes,
		WindowCalls: len(st.window),
		NextAttempt: st.nextAttemptAt,
	}
	if n := len(st.window); n > 0 {
		var failed, slow int
		for _, c := range st.window {
			if !c.success {
				failed++
			}
			if c.slow {
				slow++
			}
		}
		stats.ErrorRate = failed * 100 / n
		stats.SlowCallRate = slow * 100 / n
	}
	return stats
}

// Force moves a webhook's breaker to the given state, for operator use.
func (b *Breakers) Force(wh webhook.Webhook, to State) {
	st := b.forWebhook(wh)
	now := b.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	if to == Open {
		st.nextAttemptAt = now.Add(st.config.ResetTimeout)
	}
	b.transition(wh.ID, st, to, now)
}

// Reset clears a webhook's breaker back to CLOSED with empty counters.
func (b *Breakers) Reset(wh webhook.Webhook) {
	st := b.forWebhook(wh)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.window = st.window[:0]
	st.failures = 0
	st.successes = 0
	b.transition(wh.ID, st, Closed, b.clock.Now())
}

// UpdateConfig replaces the service-wide defaults. Existing breakers keep
// their current config until Reset.
func (b *Breakers) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.defaults = cfg
}
