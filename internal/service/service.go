// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package service assembles the webhook pipeline: registry, breakers,
// detector, matcher, ingest, dispatcher and the change stream manager,
// run as one supervised worker with ordered shutdown.
package service

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/internal/breaker"
	"github.com/oculairmedia/huly-webhook/internal/changestream"
	"github.com/oculairmedia/huly-webhook/internal/config"
	"github.com/oculairmedia/huly-webhook/internal/detector"
	"github.com/oculairmedia/huly-webhook/internal/dispatcher"
	"github.com/oculairmedia/huly-webhook/internal/ingest"
	"github.com/oculairmedia/huly-webhook/internal/matcher"
	"github.com/oculairmedia/huly-webhook/internal/registry"
	"github.com/oculairmedia/huly-webhook/internal/store"
)

// Config defines the operation of the service worker.
type Config struct {
	Store    *store.Store
	Hub      *pubsub.SimpleHub
	Clock    clock.Clock
	Settings config.Config
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
	if err := config.Settings.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Service runs the full pipeline.
type Service struct {
	catacomb catacomb.Catacomb
	config   Config
}

// New starts the service worker.
func New(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Service{config: config}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Service) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Service) Wait() error {
	return s.catacomb.Wait()
}

func (s *Service) loop() error {
	settings := s.config.Settings

	reg, err := registry.NewRegistry(registry.Config{
		Store:  s.config.Store,
		Hub:    s.config.Hub,
		Clock:  s.config.Clock,
		Logger: loggo.GetLogger("hulyhook.registry"),
	})
	if err != nil {
		return errors.Annotate(err, "starting webhook registry")
	}
	if err := s.catacomb.Add(reg); err != nil {
		return errors.Trace(err)
	}

	brk := breaker.NewBreakers(
		breakerConfig(settings.Breaker),
		s.config.Clock,
		s.config.Hub,
		loggo.GetLogger("hulyhook.breaker"),
	)

	det := detector.New(detector.Config{
		CollectionMap: settings.Maps.Collection,
		FieldMap:      settings.Maps.Field,
	})
	pipe := ingest.NewPipeline(
		det,
		matcher.New(reg, s.config.Clock),
		s.config.Store,
		s.config.Clock,
		loggo.GetLogger("hulyhook.ingest"),
	)

	disp, err := dispatcher.NewDispatcher(dispatcher.Config{
		Store:          s.config.Store,
		Registry:       reg,
		Breaker:        brk,
		Clock:          s.config.Clock,
		Logger:         loggo.GetLogger("hulyhook.dispatcher"),
		Workers:        settings.Workers,
		RequestTimeout: settings.RequestTimeout(),
		Lease:          settings.Lease(),
		Retry:          retrySchedule(settings.Retry),
	})
	if err != nil {
		return errors.Annotate(err, "starting dispatcher")
	}
	mgr, err := changestream.NewManager(changestream.Config{
		Source:          s.config.Store,
		Checkpoints:     s.config.Store,
		Ingestor:        pipe,
		Clock:           s.config.Clock,
		Logger:          loggo.GetLogger("hulyhook.changestream"),
		Collections:     settings.ChangeStream.Collections,
		PartitionPrefix: settings.ChangeStream.PartitionPrefix,
		BatchSize:       settings.ChangeStream.BatchSize,
		ReconnectBase:   msDuration(settings.ChangeStream.ReconnectBaseMs),
		ReconnectCap:    msDuration(settings.ChangeStream.ReconnectCapMs),
	})
	if err != nil {
		disp.Kill()
		return errors.Annotate(err, "starting change stream manager")
	}

	// The manager and dispatcher are monitored rather than added to the
	// catacomb so shutdown can be ordered: ingestion stops before the
	// dispatcher so nothing new enqueues while inflight deliveries drain.
	fatal := make(chan error, 2)
	go func() { fatal <- mgr.Wait() }()
	go func() { fatal <- disp.Wait() }()

	select {
	case <-s.catacomb.Dying():
		s.stopWithGrace(mgr, "change stream manager")
		s.stopWithGrace(disp, "dispatcher")
		return s.catacomb.ErrDying()
	case err := <-fatal:
		s.stopWithGrace(mgr, "change stream manager")
		s.stopWithGrace(disp, "dispatcher")
		return errors.Trace(err)
	}
}

// stopWithGrace kills a worker and waits up to the configured grace
// period for it to finish.
func (s *Service) stopWithGrace(w worker.Worker, name string) {
	w.Kill()
	done := make(chan error, 1)
	go func() { done <- w.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			loggo.GetLogger("hulyhook.service").Debugf("%s stopped: %v", name, err)
		}
	case <-s.config.Clock.After(s.config.Settings.GracePeriod()):
		loggo.GetLogger("hulyhook.service").Warningf(
			"%s did not stop within the %s grace period", name, s.config.Settings.GracePeriod())
	}
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     msDuration(c.ResetTimeoutMs),
		SuccessThreshold: c.SuccessThreshold,
		VolumeThreshold:  c.VolumeThreshold,
		ErrorRatePct:     c.ErrorThresholdPct,
		SlowCall:         msDuration(c.SlowCallMs),
		SlowCallRatePct:  c.SlowCallRatePct,
		MonitoringPeriod: msDuration(c.MonitoringPeriodMs),
	}
}

func retrySchedule(c config.RetryConfig) delivery.RetrySchedule {
	return delivery.RetrySchedule{
		Base:        msDuration(c.BaseMs),
		Cap:         msDuration(c.CapMs),
		MaxAttempts: c.MaxAttempts,
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
