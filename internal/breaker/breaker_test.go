// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package breaker_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/oculairmedia/huly-webhook/core/webhook"
	"github.com/oculairmedia/huly-webhook/internal/breaker"
)

type breakerSuite struct {
	testing.IsolationSuite
	clock *testclock.Clock
}

var _ = gc.Suite(&breakerSuite{})

func (s *breakerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
}

func (s *breakerSuite) newBreakers(cfg breaker.Config) *breaker.Breakers {
	return breaker.NewBreakers(cfg, s.clock, nil, nil)
}

func hook(id string) webhook.Webhook {
	return webhook.Webhook{ID: id}
}

var errBoom = errors.New("boom")

func (s *breakerSuite) failTimes(c *gc.C, b *breaker.Breakers, wh webhook.Webhook, n int) {
	for i := 0; i < n; i++ {
		err := b.Execute(wh, func() error { return errBoom })
		c.Assert(err, gc.NotNil)
	}
}

func (s *breakerSuite) TestClosedByDefault(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Closed)
}

func (s *breakerSuite) TestOpensAfterConsecutiveFailures(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	wh := hook("wh")
	s.failTimes(c, b, wh, 4)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Closed)
	s.failTimes(c, b, wh, 1)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Open)
}

func (s *breakerSuite) TestOpenRejectsWithoutCalling(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	wh := hook("wh")
	s.failTimes(c, b, wh, 5)

	called := false
	err := b.Execute(wh, func() error { called = true; return nil })
	c.Check(called, jc.IsFalse)
	open, ok := breaker.IsOpenError(err)
	c.Assert(ok, jc.IsTrue)
	c.Check(open.WebhookID, gc.Equals, "wh")
	c.Check(open.RetryAfter > 0, jc.IsTrue)
	c.Check(open.RetryAfter <= breaker.DefaultConfig().ResetTimeout, jc.IsTrue)
}

func (s *breakerSuite) TestHalfOpenProbeFailureReopens(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	wh := hook("wh")
	s.failTimes(c, b, wh, 5)

	s.clock.Advance(breaker.DefaultConfig().ResetTimeout)
	called := false
	err := b.Execute(wh, func() error { called = true; return errBoom })
	c.Check(called, jc.IsTrue)
	c.Check(err, gc.Equals, errBoom)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Open)
}

func (s *breakerSuite) TestClosesAfterProbeSuccesses(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	wh := hook("wh")
	s.failTimes(c, b, wh, 5)

	s.clock.Advance(breaker.DefaultConfig().ResetTimeout)
	c.Assert(b.Execute(wh, func() error { return nil }), jc.ErrorIsNil)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.HalfOpen)
	c.Assert(b.Execute(wh, func() error { return nil }), jc.ErrorIsNil)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Closed)
	c.Check(b.StatsFor("wh").Failures, gc.Equals, 0)
}

func (s *breakerSuite) TestIgnoredErrorsRecordNothing(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	wh := hook("wh")
	for i := 0; i < 20; i++ {
		err := b.Execute(wh, func() error { return breaker.Ignored(errBoom) })
		c.Assert(err, gc.NotNil)
		inner, ignored := breaker.IsIgnored(err)
		c.Assert(ignored, jc.IsTrue)
		c.Assert(inner, gc.Equals, errBoom)
	}
	stats := b.StatsFor("wh")
	c.Check(stats.State, gc.Equals, breaker.Closed)
	c.Check(stats.WindowCalls, gc.Equals, 0)
	c.Check(stats.Failures, gc.Equals, 0)
}

func (s *breakerSuite) TestSuccessResetsConsecutiveFailures(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	wh := hook("wh")
	s.failTimes(c, b, wh, 4)
	c.Assert(b.Execute(wh, func() error { return nil }), jc.ErrorIsNil)
	s.failTimes(c, b, wh, 4)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Closed)
}

func (s *breakerSuite) TestErrorRateTrips(c *gc.C) {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 100 // keep consecutive failures out of the way
	b := s.newBreakers(cfg)
	wh := hook("wh")
	for i := 0; i < 5; i++ {
		c.Assert(b.Execute(wh, func() error { return nil }), jc.ErrorIsNil)
		if i < 4 {
			c.Assert(b.Execute(wh, func() error { return errBoom }), gc.NotNil)
		}
	}
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Closed)
	// The tenth call pushes the window to volume with a 50% error rate.
	c.Assert(b.Execute(wh, func() error { return errBoom }), gc.NotNil)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Open)
}

func (s *breakerSuite) TestSlowCallRateTrips(c *gc.C) {
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = 100
	b := s.newBreakers(cfg)
	wh := hook("wh")
	slowCall := func() error {
		s.clock.Advance(cfg.SlowCall + time.Second)
		return nil
	}
	for i := 0; i < 9; i++ {
		c.Assert(b.Execute(wh, slowCall), jc.ErrorIsNil)
	}
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Closed)
	c.Assert(b.Execute(wh, slowCall), jc.ErrorIsNil)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Open)
	c.Check(b.StatsFor("wh").SlowCallRate, gc.Equals, 100)
}

func (s *breakerSuite) TestPerWebhookIsolation(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	s.failTimes(c, b, hook("a"), 5)
	c.Check(b.StatsFor("a").State, gc.Equals, breaker.Open)
	c.Check(b.StatsFor("b").State, gc.Equals, breaker.Closed)
	c.Assert(b.Execute(hook("b"), func() error { return nil }), jc.ErrorIsNil)
}

func (s *breakerSuite) TestOverrides(c *gc.C) {
	threshold := 2
	wh := hook("wh")
	wh.Breaker = &webhook.BreakerOverrides{FailureThreshold: &threshold}
	b := s.newBreakers(breaker.DefaultConfig())
	s.failTimes(c, b, wh, 2)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Open)
}

func (s *breakerSuite) TestForceAndReset(c *gc.C) {
	b := s.newBreakers(breaker.DefaultConfig())
	wh := hook("wh")
	b.Force(wh, breaker.Open)
	_, ok := breaker.IsOpenError(b.Execute(wh, func() error { return nil }))
	c.Check(ok, jc.IsTrue)

	b.Reset(wh)
	c.Check(b.StatsFor("wh").State, gc.Equals, breaker.Closed)
	c.Assert(b.Execute(wh, func() error { return nil }), jc.ErrorIsNil)
}

func (s *breakerSuite) TestPruneDropsExpiredWindow(c *gc.C) {
	cfg := breaker.DefaultConfig()
	b := s.newBreakers(cfg)
	wh := hook("wh")
	c.Assert(b.Execute(wh, func() error { return nil }), jc.ErrorIsNil)
	c.Check(b.StatsFor("wh").WindowCalls, gc.Equals, 1)
	s.clock.Advance(cfg.MonitoringPeriod + time.Second)
	b.Prune()
	c.Check(b.StatsFor("wh").WindowCalls, gc.Equals, 0)
}

func (s *breakerSuite) TestStateChangePublished(c *gc.C) {
	hub := pubsub.NewSimpleHub(nil)
	changes := make(chan breaker.StateChange, 4)
	unsub := hub.Subscribe(breaker.StateTopic, func(_ string, data interface{}) {
		changes <- data.(breaker.StateChange)
	})
	defer unsub()

	b := breaker.NewBreakers(breaker.DefaultConfig(), s.clock, hub, nil)
	wh := hook("wh")
	s.failTimes(c, b, wh, 5)

	select {
	case ch := <-changes:
		c.Check(ch.WebhookID, gc.Equals, "wh")
		c.Check(ch.Old, gc.Equals, breaker.Closed)
		c.Check(ch.New, gc.Equals, breaker.Open)
	case <-time.After(testing.LongWait):
		c.Fatalf("no state change published")
	}
}
