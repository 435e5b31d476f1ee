// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ingest turns raw change records into persisted events and
// pending deliveries. A record is only considered processed once the event
// and every matched delivery are durable; the caller must not checkpoint a
// resume token for a record whose Ingest returned an error.
package ingest

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/oculairmedia/huly-webhook/core/change"
	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/core/event"
	"github.com/oculairmedia/huly-webhook/internal/detector"
)

// EventStore persists an event together with its deliveries.
type EventStore interface {
	EnqueueEvent(event.Event, []delivery.Delivery) error
}

// Matcher produces the deliveries for an event.
type Matcher interface {
	Match(event.Event) []delivery.Delivery
}

// Logger represents the logging methods used by this package.
type Logger interface {
	Tracef(string, ...interface{})
	Debugf(string, ...interface{})
}

// Pipeline is the detect → match → persist stage between the change
// stream and the delivery queue.
type Pipeline struct {
	detector *detector.Detector
	matcher  Matcher
	store    EventStore
	clock    clock.Clock
	logger   Logger
}

// NewPipeline assembles the ingest pipeline.
func NewPipeline(d *detector.Detector, m Matcher, store EventStore, clk clock.Clock, logger Logger) *Pipeline {
	return &Pipeline{
		detector: d,
		matcher:  m,
		store:    store,
		clock:    clk,
		logger:   logger,
	}
}

// Ingest processes one raw change for a partition. An error means nothing
// may be checkpointed for this record; the feed replays it after restart.
func (p *Pipeline) Ingest(partition string, rc change.RawChange) error {
	res := p.detector.Detect(rc)
	ev := event.Event{
		ID:            event.NewID(),
		Type:          res.Type,
		Workspace:     detector.Workspace(rc),
		Timestamp:     p.eventTime(rc),
		Data:          res.Data,
		Changes:       res.Changes,
		Collection:    rc.Ns.Collection,
		OperationType: rc.OperationType,
		Partition:     partition,
		ResumeToken:   rc.ResumeToken(),
	}
	deliveries := p.matcher.Match(ev)
	if err := p.store.EnqueueEvent(ev, deliveries); err != nil {
		return errors.Trace(err)
	}
	p.logger.Tracef("ingested %s event %q from %s: %d deliveries",
		ev.Type, ev.ID, partition, len(deliveries))
	return nil
}

// eventTime prefers the server's cluster time; the high 32 bits of a mongo
// timestamp are epoch seconds.
func (p *Pipeline) eventTime(rc change.RawChange) time.Time {
	if rc.ClusterTime != 0 {
		return time.Unix(int64(rc.ClusterTime)>>32, 0).UTC()
	}
	return p.clock.Now()
}
