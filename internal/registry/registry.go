// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package registry maintains the in-memory snapshot of registered
// webhooks. Readers get immutable copy-on-write snapshots; the snapshot is
// replaced when the admin API announces a mutation on the hub, or on a
// periodic fallback refresh.
package registry

import (
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/oculairmedia/huly-webhook/core/webhook"
)

// ChangedTopic is the pubsub topic the admin API publishes on after any
// webhook mutation.
const ChangedTopic = "webhooks.changed"

// WebhookStore loads webhook registrations from persistent storage.
type WebhookStore interface {
	LoadWebhooks() ([]webhook.Webhook, error)
}

// Hub provides mutation notifications. Satisfied by pubsub.SimpleHub.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Logger represents the logging methods used by this package.
type Logger interface {
	Debugf(string, ...interface{})
	Warningf(string, ...interface{})
}

// Config defines the operation of the registry worker.
type Config struct {
	Store  WebhookStore
	Hub    Hub
	Clock  clock.Clock
	Logger Logger

	// RefreshInterval is the fallback reload period in case a hub
	// notification is lost. Defaults to a minute.
	RefreshInterval time.Duration
}

// Validate returns an error if config cannot drive the worker.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Registry is the webhook snapshot worker.
type Registry struct {
	catacomb catacomb.Catacomb
	config   Config

	snapshot atomic.Value // []webhook.Webhook
	reload   chan struct{}
}

// NewRegistry starts a registry worker with an initial snapshot loaded.
func NewRegistry(config Config) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = time.Minute
	}
	r := &Registry{
		config: config,
		reload: make(chan struct{}, 1),
	}
	if err := r.refresh(); err != nil {
		return nil, errors.Annotate(err, "initial webhook load")
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &r.catacomb,
		Work: r.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Registry) Kill() {
	r.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Registry) Wait() error {
	return r.catacomb.Wait()
}

// Snapshot returns the current immutable webhook set. Callers must not
// mutate the returned slice.
func (r *Registry) Snapshot() []webhook.Webhook {
	hooks, _ := r.snapshot.Load().([]webhook.Webhook)
	return hooks
}

// Get returns the webhook with the given ID from the current snapshot.
func (r *Registry) Get(id string) (webhook.Webhook, bool) {
	for _, wh := range r.Snapshot() {
		if wh.ID == id {
			return wh, true
		}
	}
	return webhook.Webhook{}, false
}

func (r *Registry) loop() error {
	unsubscribe := r.config.Hub.Subscribe(ChangedTopic, func(string, interface{}) {
		select {
		case r.reload <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := r.config.Clock.NewTimer(r.config.RefreshInterval)
	defer timer.Stop()
	for {
		select {
		case <-r.catacomb.Dying():
			return r.catacomb.ErrDying()
		case <-r.reload:
		case <-timer.Chan():
		}
		if err := r.refresh(); err != nil {
			// Keep serving the stale snapshot; the next notification or
			// tick retries.
			r.config.Logger.Warningf("webhook snapshot refresh failed: %v", err)
		}
		timer.Reset(r.config.RefreshInterval)
	}
}

func (r *Registry) refresh() error {
	hooks, err := r.config.Store.LoadWebhooks()
	if err != nil {
		return errors.Trace(err)
	}
	r.snapshot.Store(hooks)
	r.config.Logger.Debugf("webhook snapshot refreshed: %d registrations", len(hooks))
	return nil
}

var _ worker.Worker = (*Registry)(nil)
