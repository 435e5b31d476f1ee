// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changestream tails the platform database's change feed. Each
// watched collection is a partition with its own stream worker and resume
// checkpoint; the manager supervises one stream worker per collection and
// treats any child death as fatal.
package changestream

import (
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/oculairmedia/huly-webhook/core/change"
)

// ErrInvalidated is returned when the server invalidates a stream (for
// example on collection drop). It requires operator intervention and is
// never retried.
var ErrInvalidated = errors.New("change stream invalidated")

// RawStream is a single open change stream cursor.
type RawStream interface {
	// Next blocks for the next record, returning false on error, timeout
	// or closure.
	Next(*change.RawChange) bool
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Timeout reports whether the last Next returned on an empty batch.
	Timeout() bool
	// Close releases the server-side cursor.
	Close() error
}

// StreamSource opens change streams over collections.
type StreamSource interface {
	Watch(collection string, resumeAfter change.ResumeToken, batchSize int) (RawStream, error)
}

// CheckpointStore persists per-partition resume positions.
type CheckpointStore interface {
	LoadResumeToken(partitionID string) (change.ResumeToken, error)
	SaveResumeToken(partitionID string, token change.ResumeToken) error
}

// Ingestor durably processes one raw change. See the ingest package.
type Ingestor interface {
	Ingest(partition string, rc change.RawChange) error
}

// Logger represents the logging methods used by this package.
type Logger interface {
	Tracef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Config defines the operation of the change stream manager.
type Config struct {
	Source      StreamSource
	Checkpoints CheckpointStore
	Ingestor    Ingestor
	Clock       clock.Clock
	Logger      Logger

	Collections     []string
	PartitionPrefix string
	BatchSize       int
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	FlushInterval   time.Duration
}

// Validate returns an error if config cannot drive the worker.
func (config Config) Validate() error {
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if config.Checkpoints == nil {
		return errors.NotValidf("nil Checkpoints")
	}
	if config.Ingestor == nil {
		return errors.NotValidf("nil Ingestor")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if len(config.Collections) == 0 {
		return errors.NotValidf("empty Collections")
	}
	if config.BatchSize < 1 {
		return errors.NotValidf("BatchSize %d", config.BatchSize)
	}
	return nil
}

// Manager runs one stream worker per watched collection.
type Manager struct {
	catacomb catacomb.Catacomb
	config   Config
	runner   *worker.Runner
}

// NewManager starts the change stream manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = 500 * time.Millisecond
	}
	if config.ReconnectCap <= 0 {
		config.ReconnectCap = 30 * time.Second
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	m := &Manager{
		config: config,
		runner: worker.NewRunner(worker.RunnerParams{
			// A stream worker only dies on unrecoverable errors
			// (invalidate, checkpoint corruption); reconnection is
			// handled inside the worker. Propagate the death.
			IsFatal: func(err error) bool { return true },
			Clock:   config.Clock,
		}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
		Init: []worker.Worker{m.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

func (m *Manager) loop() error {
	for _, collection := range m.config.Collections {
		collection := collection
		if err := m.runner.StartWorker(collection, func() (worker.Worker, error) {
			return newStreamWorker(m.config, collection), nil
		}); err != nil {
			return errors.Annotatef(err, "starting stream worker for %q", collection)
		}
	}
	<-m.catacomb.Dying()
	return m.catacomb.ErrDying()
}

// streamWorker tails one collection's change stream.
type streamWorker struct {
	tomb       tomb.Tomb
	config     Config
	collection string
	partition  string

	// pending is the latest token whose record has been fully ingested
	// but not yet checkpointed.
	pending   change.ResumeToken
	dirty     bool
	lastFlush time.Time
}

func newStreamWorker(config Config, collection string) *streamWorker {
	w := &streamWorker{
		config:     config,
		collection: collection,
		partition:  config.PartitionPrefix + "/" + collection,
	}
	w.tomb.Go(w.loop)
	return w
}

// Kill is part of the worker.Worker interface.
func (w *streamWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *streamWorker) Wait() error {
	return w.tomb.Wait()
}

func (w *streamWorker) loop() error {
	token, err := w.config.Checkpoints.LoadResumeToken(w.partition)
	if err != nil {
		return errors.Trace(err)
	}
	if token.IsZero() {
		w.config.Logger.Infof("partition %q has no checkpoint, starting from now", w.partition)
	} else {
		w.config.Logger.Infof("partition %q resuming from checkpoint", w.partition)
	}
	w.pending = token
	w.lastFlush = w.config.Clock.Now()

	strategy := retry.Exponential{
		Initial:  w.config.ReconnectBase,
		Factor:   2.0,
		MaxDelay: w.config.ReconnectCap,
		Jitter:   true,
	}
	attempt := retry.StartWithCancel(strategy, w.config.Clock, w.tomb.Dying())
	for {
		stream, err := w.config.Source.Watch(w.collection, w.pending, w.config.BatchSize)
		if err != nil {
			if !w.pending.IsZero() && isResumeError(err) {
				// The server no longer holds our position. Restart cold
				// from the feed head; the gap is unrecoverable and must
				// be visible to operators.
				w.config.Logger.Errorf(
					"partition %q resume token rejected, restarting from now; events in the gap are lost: %v",
					w.partition, err)
				w.pending = change.ResumeToken{}
				continue
			}
			w.config.Logger.Warningf("partition %q watch failed, backing off: %v", w.partition, err)
			if !attempt.Next() {
				return tomb.ErrDying
			}
			continue
		}
		attempt = retry.StartWithCancel(strategy, w.config.Clock, w.tomb.Dying())

		err = w.consume(stream)
		if closeErr := stream.Close(); closeErr != nil {
			w.config.Logger.Debugf("partition %q stream close: %v", w.partition, closeErr)
		}
		switch {
		case err == tomb.ErrDying:
			return w.flushTomb()
		case errors.Cause(err) == ErrInvalidated:
			w.config.Logger.Errorf("partition %q invalidated, halting ingestion", w.partition)
			return errors.Trace(err)
		case err != nil:
			w.config.Logger.Warningf("partition %q stream error, reconnecting: %v", w.partition, err)
			if !attempt.Next() {
				return w.flushTomb()
			}
		}
	}
}

// consume drains the open stream until error, invalidation or shutdown.
// The record handoff is synchronous: ingestion persisting downstream is
// this worker's backpressure, records are never dropped.
func (w *streamWorker) consume(stream RawStream) error {
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		default:
		}

		var rc change.RawChange
		if !stream.Next(&rc) {
			if err := stream.Err(); err != nil {
				// Flush what has been ingested before reconnecting.
				if flushErr := w.flush(); flushErr != nil {
					return errors.Trace(flushErr)
				}
				return errors.Trace(err)
			}
			if stream.Timeout() {
				// Empty batch; a natural point to checkpoint.
				if err := w.maybeFlush(); err != nil {
					return errors.Trace(err)
				}
				continue
			}
			return errors.Errorf("stream for %q closed unexpectedly", w.collection)
		}

		if rc.OperationType == change.OpInvalidate {
			// Notify subscribers of the invalidation, then hard-stop
			// without advancing the checkpoint.
			if err := w.config.Ingestor.Ingest(w.partition, rc); err != nil {
				w.config.Logger.Warningf("partition %q failed to record invalidation: %v", w.partition, err)
			}
			return ErrInvalidated
		}

		if err := w.config.Ingestor.Ingest(w.partition, rc); err != nil {
			// The event was not durably enqueued; the token must not
			// advance past it. Reconnect and replay.
			if flushErr := w.flush(); flushErr != nil {
				return errors.Trace(flushErr)
			}
			return errors.Annotatef(err, "ingesting change from %q", w.partition)
		}
		w.pending = rc.ResumeToken()
		w.dirty = true

		if err := w.maybeFlush(); err != nil {
			return errors.Trace(err)
		}
	}
}

// maybeFlush checkpoints when the flush interval has elapsed.
func (w *streamWorker) maybeFlush() error {
	if !w.dirty {
		return nil
	}
	now := w.config.Clock.Now()
	if now.Sub(w.lastFlush) < w.config.FlushInterval {
		return nil
	}
	return errors.Trace(w.flush())
}

// flush persists the pending resume token. Only called after every record
// up to that token has been durably ingested.
func (w *streamWorker) flush() error {
	if !w.dirty {
		return nil
	}
	if err := w.config.Checkpoints.SaveResumeToken(w.partition, w.pending); err != nil {
		return errors.Trace(err)
	}
	w.dirty = false
	w.lastFlush = w.config.Clock.Now()
	w.config.Logger.Tracef("partition %q checkpointed", w.partition)
	return nil
}

// flushTomb makes a final checkpoint attempt during shutdown.
func (w *streamWorker) flushTomb() error {
	if err := w.flush(); err != nil {
		w.config.Logger.Warningf("partition %q final checkpoint failed: %v", w.partition, err)
	}
	return tomb.ErrDying
}

// isResumeError reports whether the watch failure indicates the resume
// position is gone (oplog rolled over or token unparseable).
func isResumeError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"resume", "changestreamhistorylost", "oplog"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
