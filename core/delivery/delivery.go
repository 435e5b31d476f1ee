// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package delivery defines the delivery record: one attempt relation
// between an event and a webhook, and the retry schedule that governs it.
package delivery

import (
	"math/rand"
	"time"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
)

// Status is the lifecycle state of a delivery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInflight  Status = "inflight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// Terminal reports whether the status never transitions again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusDead
}

// NewID allocates a delivery identifier.
func NewID() string {
	return utils.MustNewUUID().String()
}

// AttemptRecord is one entry in a delivery's error history.
type AttemptRecord struct {
	Attempt      int       `bson:"attempt" json:"attempt"`
	Error        string    `bson:"error,omitempty" json:"error,omitempty"`
	ResponseCode int       `bson:"responseCode,omitempty" json:"responseCode,omitempty"`
	At           time.Time `bson:"at" json:"at"`
}

// Delivery relates an event to a webhook for a particular attempt.
type Delivery struct {
	ID             string          `bson:"_id"`
	EventID        string          `bson:"eventId"`
	WebhookID      string          `bson:"webhookId"`
	Attempt        int             `bson:"attempt"`
	Status         Status          `bson:"status"`
	NextAttemptAt  time.Time       `bson:"nextAttemptAt"`
	LeaseExpiresAt time.Time       `bson:"leaseExpiresAt,omitempty"`
	LastError      string          `bson:"lastError,omitempty"`
	ResponseCode   int             `bson:"responseCode,omitempty"`
	ResponseMs     int64           `bson:"responseLatencyMs,omitempty"`
	History        []AttemptRecord `bson:"history,omitempty"`
	CreatedAt      time.Time       `bson:"createdAt"`
	UpdatedAt      time.Time       `bson:"updatedAt"`
}

// Validate checks the invariants that hold for every persisted delivery.
func (d Delivery) Validate() error {
	if d.ID == "" {
		return errors.NotValidf("empty delivery ID")
	}
	if d.EventID == "" {
		return errors.NotValidf("delivery %q with empty event ID", d.ID)
	}
	if d.WebhookID == "" {
		return errors.NotValidf("delivery %q with empty webhook ID", d.ID)
	}
	if d.Attempt < 1 {
		return errors.NotValidf("delivery %q attempt %d", d.ID, d.Attempt)
	}
	return nil
}

// Outcome describes the result of a dispatch attempt.
type Outcome struct {
	Status        Status
	NextAttemptAt time.Time
	Error         string
	ResponseCode  int
	Latency       time.Duration
}

// RetrySchedule computes the backoff between delivery attempts.
type RetrySchedule struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetrySchedule matches the service defaults: 1s base doubling to a
// one hour cap, eight attempts total.
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		Base:        time.Second,
		Cap:         time.Hour,
		MaxAttempts: 8,
	}
}

// jitterFactor returns a multiplier in [0.8, 1.2). Overridden in tests.
var jitterFactor = func() float64 {
	return 1 + (rand.Float64()*0.4 - 0.2)
}

// Delay returns how long to wait before the given attempt (1-indexed, so
// the delay after attempt n failing is Delay(n)). The exponential delay is
// capped and then jittered by ±20%.
func (s RetrySchedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.Cap {
			d = s.Cap
			break
		}
	}
	if d > s.Cap {
		d = s.Cap
	}
	return time.Duration(float64(d) * jitterFactor())
}

// Exhausted reports whether a delivery at the given attempt count has no
// retry budget left.
func (s RetrySchedule) Exhausted(attempt int) bool {
	return attempt >= s.MaxAttempts
}
