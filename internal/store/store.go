// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store persists the service's durable state in MongoDB: webhook
// registrations, normalized events, the pending-delivery queue, resume
// checkpoints and the dead-letter sink.
package store

import (
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/oculairmedia/huly-webhook/core/change"
	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/core/event"
	"github.com/oculairmedia/huly-webhook/core/webhook"
)

const (
	webhooksC    = "webhooks"
	eventsC      = "events"
	deliveriesC  = "deliveries"
	checkpointsC = "checkpoints"
	deadlettersC = "deadletters"
)

// Logger represents the logging methods used by this package.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

// Store wraps a mongo session for the service database. The session is
// owned by the caller; Store copies it per operation so a dropped socket
// on one path does not poison the others.
type Store struct {
	session *mgo.Session
	db      string
	clock   clock.Clock
	logger  Logger
}

// New returns a Store over the given session and database.
func New(session *mgo.Session, db string, clk clock.Clock, logger Logger) *Store {
	return &Store{
		session: session,
		db:      db,
		clock:   clk,
		logger:  logger,
	}
}

// EnsureIndexes creates the indexes the queue's claim path relies on.
func (s *Store) EnsureIndexes() error {
	session := s.session.Copy()
	defer session.Close()
	deliveries := session.DB(s.db).C(deliveriesC)
	if err := deliveries.EnsureIndex(mgo.Index{
		Key: []string{"status", "nextAttemptAt", "webhookId"},
	}); err != nil {
		return errors.Annotate(err, "ensuring delivery claim index")
	}
	if err := deliveries.EnsureIndex(mgo.Index{
		Key: []string{"webhookId", "status", "eventId"},
	}); err != nil {
		return errors.Annotate(err, "ensuring delivery queue head index")
	}
	if err := deliveries.EnsureIndex(mgo.Index{
		Key:    []string{"eventId", "webhookId", "attempt"},
		Unique: true,
	}); err != nil {
		return errors.Annotate(err, "ensuring delivery uniqueness index")
	}
	return nil
}

// LoadWebhooks returns all registered webhooks, validated and with
// compiled filters. Invalid registrations are skipped with a warning
// rather than failing the whole load.
func (s *Store) LoadWebhooks() ([]webhook.Webhook, error) {
	session := s.session.Copy()
	defer session.Close()

	var docs []webhook.Webhook
	if err := session.DB(s.db).C(webhooksC).Find(nil).All(&docs); err != nil {
		return nil, errors.Annotate(err, "loading webhooks")
	}
	hooks := make([]webhook.Webhook, 0, len(docs))
	for i := range docs {
		if err := docs[i].Validate(); err != nil {
			s.logger.Warningf("skipping invalid webhook %q: %v", docs[i].ID, err)
			continue
		}
		hooks = append(hooks, docs[i])
	}
	return hooks, nil
}

// checkpointDoc is the singleton resume checkpoint per partition.
type checkpointDoc struct {
	PartitionID string             `bson:"_id"`
	ResumeToken change.ResumeToken `bson:"resumeToken"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

// LoadResumeToken returns the persisted token for a partition, or a zero
// token when the partition has never checkpointed.
func (s *Store) LoadResumeToken(partitionID string) (change.ResumeToken, error) {
	session := s.session.Copy()
	defer session.Close()

	var doc checkpointDoc
	err := session.DB(s.db).C(checkpointsC).FindId(partitionID).One(&doc)
	if err == mgo.ErrNotFound {
		return change.ResumeToken{}, nil
	}
	if err != nil {
		return change.ResumeToken{}, errors.Annotatef(err, "loading checkpoint for partition %q", partitionID)
	}
	return doc.ResumeToken, nil
}

// SaveResumeToken upserts the checkpoint for a partition. Tokens are only
// saved after all derived events and deliveries have been persisted.
func (s *Store) SaveResumeToken(partitionID string, token change.ResumeToken) error {
	session := s.session.Copy()
	defer session.Close()

	_, err := session.DB(s.db).C(checkpointsC).UpsertId(partitionID, checkpointDoc{
		PartitionID: partitionID,
		ResumeToken: token,
		UpdatedAt:   s.clock.Now(),
	})
	return errors.Annotatef(err, "saving checkpoint for partition %q", partitionID)
}

// EnqueueEvent durably persists an event together with its deliveries.
// Re-running after a partial write is safe: duplicate inserts are treated
// as already-persisted work, which preserves at-least-once semantics.
func (s *Store) EnqueueEvent(ev event.Event, deliveries []delivery.Delivery) error {
	if err := ev.Validate(); err != nil {
		return errors.Trace(err)
	}
	session := s.session.Copy()
	defer session.Close()
	db := session.DB(s.db)

	if err := db.C(eventsC).Insert(ev); err != nil && !mgo.IsDup(err) {
		return errors.Annotatef(err, "persisting event %q", ev.ID)
	}
	for _, d := range deliveries {
		if err := d.Validate(); err != nil {
			return errors.Trace(err)
		}
		if err := db.C(deliveriesC).Insert(d); err != nil && !mgo.IsDup(err) {
			return errors.Annotatef(err, "persisting delivery %q", d.ID)
		}
	}
	return nil
}

// GetEvent fetches a persisted event by ID.
func (s *Store) GetEvent(eventID string) (event.Event, error) {
	session := s.session.Copy()
	defer session.Close()

	var ev event.Event
	err := session.DB(s.db).C(eventsC).FindId(eventID).One(&ev)
	if err == mgo.ErrNotFound {
		return event.Event{}, errors.NotFoundf("event %q", eventID)
	}
	if err != nil {
		return event.Event{}, errors.Annotatef(err, "fetching event %q", eventID)
	}
	return ev, nil
}

// ClaimDue atomically claims up to limit due deliveries, marking them
// inflight under a lease. Deliveries to a webhook go out in event order,
// so only the head of each webhook's queue is claimable: a head that is
// inflight elsewhere or backing off blocks everything behind it.
func (s *Store) ClaimDue(limit int, lease time.Duration) ([]delivery.Delivery, error) {
	session := s.session.Copy()
	defer session.Close()
	deliveries := session.DB(s.db).C(deliveriesC)
	now := s.clock.Now()

	var webhookIDs []string
	err := deliveries.Find(bson.M{
		"status":        delivery.StatusPending,
		"nextAttemptAt": bson.M{"$lte": now},
	}).Distinct("webhookId", &webhookIDs)
	if err != nil {
		return nil, errors.Annotate(err, "finding webhooks with due deliveries")
	}
	sort.Strings(webhookIDs)

	var claimed []delivery.Delivery
	for _, webhookID := range webhookIDs {
		if len(claimed) >= limit {
			break
		}
		var head delivery.Delivery
		err := deliveries.Find(bson.M{
			"webhookId": webhookID,
			"status":    bson.M{"$in": []delivery.Status{delivery.StatusPending, delivery.StatusInflight}},
		}).Sort("eventId").One(&head)
		if err == mgo.ErrNotFound {
			continue
		}
		if err != nil {
			return claimed, errors.Annotatef(err, "finding queue head for webhook %q", webhookID)
		}
		if head.Status != delivery.StatusPending || head.NextAttemptAt.After(now) {
			continue
		}
		_, err = deliveries.Find(bson.M{
			"_id":    head.ID,
			"status": delivery.StatusPending,
		}).Apply(mgo.Change{
			Update: bson.M{"$set": bson.M{
				"status":         delivery.StatusInflight,
				"leaseExpiresAt": now.Add(lease),
				"updatedAt":      now,
			}},
			ReturnNew: true,
		}, &head)
		if err == mgo.ErrNotFound {
			// Another worker claimed the head between the read and the
			// apply.
			continue
		}
		if err != nil {
			return claimed, errors.Annotatef(err, "claiming delivery %q", head.ID)
		}
		claimed = append(claimed, head)
	}
	return claimed, nil
}

// Complete records the outcome of an inflight delivery. Failed outcomes
// are requeued as pending at the computed next attempt with the attempt
// counter advanced; terminal outcomes never transition again.
func (s *Store) Complete(d delivery.Delivery, outcome delivery.Outcome) error {
	session := s.session.Copy()
	defer session.Close()
	now := s.clock.Now()

	set := bson.M{
		"status":            outcome.Status,
		"updatedAt":         now,
		"lastError":         outcome.Error,
		"responseCode":      outcome.ResponseCode,
		"responseLatencyMs": outcome.Latency.Milliseconds(),
	}
	if outcome.Status == delivery.StatusFailed {
		// Requeue within the retry budget.
		set["status"] = delivery.StatusPending
		set["nextAttemptAt"] = outcome.NextAttemptAt
		set["attempt"] = d.Attempt + 1
	}
	update := bson.M{
		"$set": set,
		"$push": bson.M{"history": delivery.AttemptRecord{
			Attempt:      d.Attempt,
			Error:        outcome.Error,
			ResponseCode: outcome.ResponseCode,
			At:           now,
		}},
	}
	err := session.DB(s.db).C(deliveriesC).Update(bson.M{
		"_id":    d.ID,
		"status": delivery.StatusInflight,
	}, update)
	if err == mgo.ErrNotFound {
		// Lease expired and the reaper got here first; the delivery will
		// be retried, which at-least-once permits.
		s.logger.Warningf("delivery %q completed after lease expiry", d.ID)
		return nil
	}
	return errors.Annotatef(err, "completing delivery %q", d.ID)
}

// Requeue returns an inflight delivery to pending without consuming an
// attempt, used when a worker skips a claim on lock contention.
func (s *Store) Requeue(deliveryID string, at time.Time) error {
	session := s.session.Copy()
	defer session.Close()

	err := session.DB(s.db).C(deliveriesC).Update(bson.M{
		"_id":    deliveryID,
		"status": delivery.StatusInflight,
	}, bson.M{"$set": bson.M{
		"status":        delivery.StatusPending,
		"nextAttemptAt": at,
		"updatedAt":     s.clock.Now(),
	}})
	if err == mgo.ErrNotFound {
		return nil
	}
	return errors.Annotatef(err, "requeueing delivery %q", deliveryID)
}

// ReapExpiredLeases reverts inflight deliveries whose lease lapsed without
// an outcome, making them claimable again.
func (s *Store) ReapExpiredLeases() (int, error) {
	session := s.session.Copy()
	defer session.Close()
	now := s.clock.Now()

	info, err := session.DB(s.db).C(deliveriesC).UpdateAll(bson.M{
		"status":         delivery.StatusInflight,
		"leaseExpiresAt": bson.M{"$lt": now},
	}, bson.M{"$set": bson.M{
		"status":        delivery.StatusPending,
		"nextAttemptAt": now,
		"updatedAt":     now,
	}})
	if err != nil {
		return 0, errors.Annotate(err, "reaping expired leases")
	}
	return info.Updated, nil
}

// deadLetterDoc is the terminal record for a delivery that exhausted its
// retries or failed permanently.
type deadLetterDoc struct {
	DeliveryID string                   `bson:"_id"`
	Event      event.Event              `bson:"event"`
	Delivery   delivery.Delivery        `bson:"delivery"`
	History    []delivery.AttemptRecord `bson:"history"`
	DeadAt     time.Time                `bson:"deadAt"`
}

// PushDLQ sinks a dead delivery with its event payload and error history.
func (s *Store) PushDLQ(ev event.Event, d delivery.Delivery, history []delivery.AttemptRecord) error {
	session := s.session.Copy()
	defer session.Close()

	err := session.DB(s.db).C(deadlettersC).Insert(deadLetterDoc{
		DeliveryID: d.ID,
		Event:      ev,
		Delivery:   d,
		History:    history,
		DeadAt:     s.clock.Now(),
	})
	if err != nil && !mgo.IsDup(err) {
		return errors.Annotatef(err, "dead-lettering delivery %q", d.ID)
	}
	return nil
}
