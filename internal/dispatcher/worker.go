// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dispatcher drains the delivery queue. A pool of workers claims
// due deliveries under a lease, sends each as a signed HTTP POST through
// the webhook's circuit breaker, and records the outcome: success,
// scheduled retry, or dead-lettering. A maintenance loop reclaims expired
// leases and prunes breaker windows.
package dispatcher

import (
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"gopkg.in/tomb.v2"

	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/core/event"
	"github.com/oculairmedia/huly-webhook/core/webhook"
	"github.com/oculairmedia/huly-webhook/internal/breaker"
	"github.com/oculairmedia/huly-webhook/internal/version"
)

const (
	// pollInterval paces an idle worker's queue checks.
	pollInterval = 500 * time.Millisecond
	// claimBackoff delays re-claiming after a storage error.
	claimBackoff = time.Second
	// contentionDelay is how far a claim is pushed back when another
	// worker holds the webhook's delivery lock.
	contentionDelay = 100 * time.Millisecond
	// transientDelay is how far a claim is pushed back on a storage
	// hiccup that consumed no attempt.
	transientDelay = time.Second
	// reapInterval paces expired-lease recovery.
	reapInterval = 10 * time.Second
	// pruneInterval paces breaker window pruning.
	pruneInterval = 30 * time.Second
)

// Store is the persistence surface the dispatcher drives.
type Store interface {
	ClaimDue(limit int, lease time.Duration) ([]delivery.Delivery, error)
	Complete(d delivery.Delivery, outcome delivery.Outcome) error
	Requeue(deliveryID string, at time.Time) error
	ReapExpiredLeases() (int, error)
	GetEvent(eventID string) (event.Event, error)
	PushDLQ(ev event.Event, d delivery.Delivery, history []delivery.AttemptRecord) error
}

// Registry resolves webhook IDs against the current snapshot.
type Registry interface {
	Get(id string) (webhook.Webhook, bool)
}

// Breaker guards calls per webhook. Satisfied by breaker.Breakers.
type Breaker interface {
	Execute(wh webhook.Webhook, call func() error) error
	Prune()
}

// Logger represents the logging methods used by this package.
type Logger interface {
	Tracef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config defines the operation of the dispatcher.
type Config struct {
	Store    Store
	Registry Registry
	Breaker  Breaker
	Clock    clock.Clock
	Logger   Logger

	// Workers is the pool size; each worker claims and sends
	// independently.
	Workers int
	// ClaimBatch bounds how many deliveries one worker claims per poll.
	// Defaults to 8.
	ClaimBatch int
	// RequestTimeout bounds each outbound POST.
	RequestTimeout time.Duration
	// Lease is how long a claim stays invisible to other workers.
	Lease time.Duration
	// Retry is the backoff schedule between failed attempts.
	Retry delivery.RetrySchedule
	// Client overrides the HTTP client, for tests. When nil a client
	// with RequestTimeout is used.
	Client *http.Client
}

// Validate returns an error if config cannot drive the worker.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Breaker == nil {
		return errors.NotValidf("nil Breaker")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Workers < 1 {
		return errors.NotValidf("Workers %d", config.Workers)
	}
	if config.RequestTimeout <= 0 {
		return errors.NotValidf("RequestTimeout %s", config.RequestTimeout)
	}
	if config.Lease <= config.RequestTimeout {
		return errors.NotValidf("Lease %s not exceeding request timeout", config.Lease)
	}
	if config.Retry.MaxAttempts < 1 {
		return errors.NotValidf("Retry.MaxAttempts %d", config.Retry.MaxAttempts)
	}
	return nil
}

// Dispatcher is the delivery pool worker.
type Dispatcher struct {
	catacomb  catacomb.Catacomb
	config    Config
	client    *http.Client
	userAgent string
	locks     *keyedLocks
}

// NewDispatcher starts the dispatcher pool.
func NewDispatcher(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ClaimBatch < 1 {
		config.ClaimBatch = 8
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.RequestTimeout}
	}
	w := &Dispatcher{
		config:    config,
		client:    client,
		userAgent: "webhook-dispatcher/" + version.Number,
		locks:     newKeyedLocks(),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Dispatcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Dispatcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *Dispatcher) loop() error {
	for i := 0; i < w.config.Workers; i++ {
		if err := w.catacomb.Add(newLoopWorker(w.deliverLoop)); err != nil {
			return errors.Trace(err)
		}
	}
	if err := w.catacomb.Add(newLoopWorker(w.maintenanceLoop)); err != nil {
		return errors.Trace(err)
	}
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

// loopWorker runs one pool loop as a child worker so the catacomb tears
// all loops down together.
type loopWorker struct {
	tomb tomb.Tomb
}

func newLoopWorker(run func(dying <-chan struct{}) error) *loopWorker {
	w := &loopWorker{}
	w.tomb.Go(func() error {
		return run(w.tomb.Dying())
	})
	return w
}

// Kill is part of the worker.Worker interface.
func (w *loopWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *loopWorker) Wait() error {
	return w.tomb.Wait()
}

// deliverLoop is one pool worker: claim a batch, dispatch each, repeat.
// On shutdown any unprocessed claims are handed straight back to the
// queue so they do not wait out their lease.
func (w *Dispatcher) deliverLoop(dying <-chan struct{}) error {
	for {
		select {
		case <-dying:
			return tomb.ErrDying
		default:
		}
		claimed, err := w.config.Store.ClaimDue(w.config.ClaimBatch, w.config.Lease)
		if err != nil {
			w.config.Logger.Errorf("claiming due deliveries: %v", err)
			if !w.sleep(dying, claimBackoff) {
				return tomb.ErrDying
			}
			continue
		}
		if len(claimed) == 0 {
			if !w.sleep(dying, pollInterval) {
				return tomb.ErrDying
			}
			continue
		}
		for i, d := range claimed {
			select {
			case <-dying:
				w.requeueClaims(claimed[i:])
				return tomb.ErrDying
			default:
			}
			w.dispatch(d)
		}
	}
}

// maintenanceLoop recovers expired leases and prunes breaker windows.
func (w *Dispatcher) maintenanceLoop(dying <-chan struct{}) error {
	reap := w.config.Clock.NewTimer(reapInterval)
	defer reap.Stop()
	prune := w.config.Clock.NewTimer(pruneInterval)
	defer prune.Stop()
	for {
		select {
		case <-dying:
			return tomb.ErrDying
		case <-reap.Chan():
			if n, err := w.config.Store.ReapExpiredLeases(); err != nil {
				w.config.Logger.Errorf("reaping expired leases: %v", err)
			} else if n > 0 {
				w.config.Logger.Infof("requeued %d deliveries with expired leases", n)
			}
			reap.Reset(reapInterval)
		case <-prune.Chan():
			w.config.Breaker.Prune()
			prune.Reset(pruneInterval)
		}
	}
}

// dispatch sends one claimed delivery and records its outcome.
func (w *Dispatcher) dispatch(d delivery.Delivery) {
	logger := w.config.Logger
	wh, ok := w.config.Registry.Get(d.WebhookID)
	if !ok {
		// Deregistered since matching; nothing left to deliver to.
		w.deadLetter(d, event.Event{}, delivery.Outcome{
			Status: delivery.StatusDead,
			Error:  "webhook no longer registered",
		})
		return
	}
	if !w.locks.tryAcquire(wh.ID) {
		// Another worker is mid-delivery to this endpoint. Hand the claim
		// back without consuming an attempt so event order holds.
		if err := w.config.Store.Requeue(d.ID, w.config.Clock.Now().Add(contentionDelay)); err != nil {
			logger.Errorf("requeueing contended delivery %q: %v", d.ID, err)
		}
		return
	}
	defer w.locks.release(wh.ID)

	ev, err := w.config.Store.GetEvent(d.EventID)
	if err != nil {
		if errors.Is(err, errors.NotFound) {
			w.deadLetter(d, event.Event{}, delivery.Outcome{
				Status: delivery.StatusDead,
				Error:  "event record missing",
			})
			return
		}
		logger.Errorf("loading event %q for delivery %q: %v", d.EventID, d.ID, err)
		if err := w.config.Store.Requeue(d.ID, w.config.Clock.Now().Add(transientDelay)); err != nil {
			logger.Errorf("requeueing delivery %q: %v", d.ID, err)
		}
		return
	}

	if !wh.Active {
		// A disabled webhook keeps consuming attempts so its backlog
		// drains to the dead letter queue instead of pooling forever.
		w.fail(d, ev, "webhook inactive", 0, 0, w.config.Clock.Now().Add(w.config.Retry.Delay(d.Attempt)))
		return
	}

	body, err := ev.PublicPayload()
	if err != nil {
		w.deadLetter(d, ev, delivery.Outcome{
			Status: delivery.StatusDead,
			Error:  err.Error(),
		})
		return
	}

	var code int
	start := w.config.Clock.Now()
	execErr := w.config.Breaker.Execute(wh, func() error {
		var sendErr error
		code, sendErr = w.send(wh, ev, d, body)
		return sendErr
	})
	latency := w.config.Clock.Now().Sub(start)
	w.record(d, ev, code, latency, execErr)
}

// record maps a dispatch result onto the delivery's next state.
func (w *Dispatcher) record(d delivery.Delivery, ev event.Event, code int, latency time.Duration, execErr error) {
	now := w.config.Clock.Now()
	if execErr == nil {
		w.complete(d, delivery.Outcome{
			Status:       delivery.StatusSucceeded,
			ResponseCode: code,
			Latency:      latency,
		})
		w.config.Logger.Tracef("delivered event %q to webhook %q (attempt %d)", d.EventID, d.WebhookID, d.Attempt)
		return
	}

	msg := execErr.Error()
	if open, ok := breaker.IsOpenError(execErr); ok {
		// No request was made; wait out the breaker. The attempt still
		// counts so a permanently dark endpoint eventually dead-letters.
		w.fail(d, ev, msg, 0, 0, now.Add(open.RetryAfter))
		return
	}

	inner, _ := breaker.IsIgnored(execErr)
	switch cause := errors.Cause(inner).(type) {
	case *permanentError:
		w.deadLetter(d, ev, delivery.Outcome{
			Status:       delivery.StatusDead,
			Error:        msg,
			ResponseCode: cause.code,
			Latency:      latency,
		})
	case *rateLimitedError:
		delay := w.config.Retry.Delay(d.Attempt)
		if cause.retryAfter > 0 {
			delay = cause.retryAfter
			if delay > w.config.Retry.Cap {
				delay = w.config.Retry.Cap
			}
		}
		w.fail(d, ev, msg, cause.code, latency, now.Add(delay))
	default:
		w.fail(d, ev, msg, code, latency, now.Add(w.config.Retry.Delay(d.Attempt)))
	}
}

// fail schedules a retry, or dead-letters when the attempt budget is
// spent.
func (w *Dispatcher) fail(d delivery.Delivery, ev event.Event, msg string, code int, latency time.Duration, nextAt time.Time) {
	if w.config.Retry.Exhausted(d.Attempt) {
		w.deadLetter(d, ev, delivery.Outcome{
			Status:       delivery.StatusDead,
			Error:        msg,
			ResponseCode: code,
			Latency:      latency,
		})
		return
	}
	w.config.Logger.Debugf("delivery %q attempt %d failed, retrying at %s: %s", d.ID, d.Attempt, nextAt, msg)
	w.complete(d, delivery.Outcome{
		Status:        delivery.StatusFailed,
		NextAttemptAt: nextAt,
		Error:         msg,
		ResponseCode:  code,
		Latency:       latency,
	})
}

// deadLetter terminally fails a delivery and sinks it, with its full
// attempt history, into the dead letter queue.
func (w *Dispatcher) deadLetter(d delivery.Delivery, ev event.Event, outcome delivery.Outcome) {
	w.config.Logger.Warningf("delivery %q to webhook %q dead after attempt %d: %s",
		d.ID, d.WebhookID, d.Attempt, outcome.Error)
	w.complete(d, outcome)
	history := append(append([]delivery.AttemptRecord{}, d.History...), delivery.AttemptRecord{
		Attempt:      d.Attempt,
		Error:        outcome.Error,
		ResponseCode: outcome.ResponseCode,
		At:           w.config.Clock.Now(),
	})
	if err := w.config.Store.PushDLQ(ev, d, history); err != nil {
		w.config.Logger.Errorf("dead-lettering delivery %q: %v", d.ID, err)
	}
}

func (w *Dispatcher) complete(d delivery.Delivery, outcome delivery.Outcome) {
	if err := w.config.Store.Complete(d, outcome); err != nil {
		w.config.Logger.Errorf("recording outcome for delivery %q: %v", d.ID, err)
	}
}

// requeueClaims hands claimed-but-unprocessed deliveries back to the
// queue during shutdown.
func (w *Dispatcher) requeueClaims(claimed []delivery.Delivery) {
	now := w.config.Clock.Now()
	for _, d := range claimed {
		if err := w.config.Store.Requeue(d.ID, now); err != nil {
			w.config.Logger.Errorf("requeueing delivery %q on shutdown: %v", d.ID, err)
		}
	}
}

// sleep waits for d unless dying closes first.
func (w *Dispatcher) sleep(dying <-chan struct{}, d time.Duration) bool {
	select {
	case <-dying:
		return false
	case <-w.config.Clock.After(d):
		return true
	}
}
