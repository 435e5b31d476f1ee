// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// hulyhookd tails the platform database's change streams and delivers
// signed webhook notifications for the changes it observes.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/pubsub/v2"
	"github.com/juju/retry"

	"github.com/oculairmedia/huly-webhook/internal/config"
	"github.com/oculairmedia/huly-webhook/internal/service"
	"github.com/oculairmedia/huly-webhook/internal/store"
	"github.com/oculairmedia/huly-webhook/internal/version"
)

const dialTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/hulyhook/config.yaml", "path to the service configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Number)
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "hulyhookd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(cfg.Logging); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}
	logger := loggo.GetLogger("hulyhook")
	logger.Infof("hulyhookd %s starting", version.Number)

	session, err := dialMongo(cfg, logger)
	if err != nil {
		return errors.Annotate(err, "connecting to mongo")
	}
	defer session.Close()

	st := store.New(session, cfg.Mongo.Database, clock.WallClock, loggo.GetLogger("hulyhook.store"))
	if err := st.EnsureIndexes(); err != nil {
		return errors.Trace(err)
	}

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("hulyhook.hub"),
	})
	svc, err := service.New(service.Config{
		Store:    st,
		Hub:      hub,
		Clock:    clock.WallClock,
		Settings: cfg,
	})
	if err != nil {
		return errors.Trace(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received %v, shutting down", sig)
		svc.Kill()
	}()

	err = svc.Wait()
	logger.Infof("hulyhookd stopped")
	return errors.Trace(err)
}

// dialMongo connects to the source database, retrying while it comes up
// so the service can start before its database under orchestration.
func dialMongo(cfg config.Config, logger loggo.Logger) (*mgo.Session, error) {
	var session *mgo.Session
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			session, err = mgo.DialWithTimeout(cfg.Mongo.URI, dialTimeout)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("mongo dial attempt %d failed: %v", attempt, err)
		},
		Attempts: 10,
		Delay:    2 * time.Second,
		Clock:    clock.WallClock,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	session.SetMode(mgo.Primary, true)
	return session, nil
}
