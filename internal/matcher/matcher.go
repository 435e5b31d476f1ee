// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package matcher routes events to the webhooks whose filters accept them.
package matcher

import (
	"github.com/juju/clock"

	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/core/event"
	"github.com/oculairmedia/huly-webhook/core/webhook"
)

// Snapshotter supplies the active webhook snapshot.
type Snapshotter interface {
	Snapshot() []webhook.Webhook
}

// Matcher produces the pending deliveries for an event.
type Matcher struct {
	registry Snapshotter
	clock    clock.Clock
}

// New returns a matcher reading from the given registry snapshot.
func New(registry Snapshotter, clk clock.Clock) *Matcher {
	return &Matcher{registry: registry, clock: clk}
}

// Match returns one attempt-1 pending delivery per matching webhook, in
// snapshot order. A webhook matches when it is active, its workspace
// allowlist admits the event's workspace, and any filter accepts the event
// type. Inactive webhooks never receive deliveries.
func (m *Matcher) Match(ev event.Event) []delivery.Delivery {
	now := m.clock.Now()
	var out []delivery.Delivery
	for _, wh := range m.registry.Snapshot() {
		if !wh.Active {
			continue
		}
		if !wh.MatchesWorkspace(ev.Workspace) {
			continue
		}
		if !wh.MatchesType(ev.Type) {
			continue
		}
		out = append(out, delivery.Delivery{
			ID:            delivery.NewID(),
			EventID:       ev.ID,
			WebhookID:     wh.ID,
			Attempt:       1,
			Status:        delivery.StatusPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	return out
}
