// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package matcher_test

import (
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/core/event"
	"github.com/oculairmedia/huly-webhook/core/webhook"
	"github.com/oculairmedia/huly-webhook/internal/matcher"
)

type matcherSuite struct {
	testing.IsolationSuite
	clock *testclock.Clock
}

var _ = gc.Suite(&matcherSuite{})

func (s *matcherSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
}

type staticSnapshot []webhook.Webhook

func (s staticSnapshot) Snapshot() []webhook.Webhook {
	return s
}

func (s *matcherSuite) newHook(c *gc.C, id string, mutate func(*webhook.Webhook)) webhook.Webhook {
	wh := webhook.Webhook{
		ID:      id,
		URL:     "https://example.com/" + id,
		Secret:  strings.Repeat("s", webhook.MinSecretLength),
		Active:  true,
		Filters: []string{"issue.*"},
	}
	if mutate != nil {
		mutate(&wh)
	}
	c.Assert(wh.Validate(), jc.ErrorIsNil)
	return wh
}

func (s *matcherSuite) event() event.Event {
	return event.Event{
		ID:        event.NewID(),
		Type:      "issue.created",
		Workspace: "p1",
	}
}

func (s *matcherSuite) TestMatchCreatesDeliveries(c *gc.C) {
	hooks := staticSnapshot{
		s.newHook(c, "a", nil),
		s.newHook(c, "b", nil),
	}
	ev := s.event()
	out := matcher.New(hooks, s.clock).Match(ev)
	c.Assert(out, gc.HasLen, 2)
	now := s.clock.Now()
	for i, d := range out {
		c.Check(d.EventID, gc.Equals, ev.ID)
		c.Check(d.WebhookID, gc.Equals, hooks[i].ID)
		c.Check(d.Attempt, gc.Equals, 1)
		c.Check(d.Status, gc.Equals, delivery.StatusPending)
		c.Check(d.NextAttemptAt, gc.Equals, now)
		c.Check(d.ID, gc.Not(gc.Equals), "")
	}
	c.Check(out[0].ID, gc.Not(gc.Equals), out[1].ID)
}

func (s *matcherSuite) TestSkipsInactive(c *gc.C) {
	hooks := staticSnapshot{
		s.newHook(c, "a", func(wh *webhook.Webhook) { wh.Active = false }),
	}
	c.Check(matcher.New(hooks, s.clock).Match(s.event()), gc.HasLen, 0)
}

func (s *matcherSuite) TestSkipsFilterMismatch(c *gc.C) {
	hooks := staticSnapshot{
		s.newHook(c, "a", func(wh *webhook.Webhook) { wh.Filters = []string{"project.*"} }),
	}
	c.Check(matcher.New(hooks, s.clock).Match(s.event()), gc.HasLen, 0)
}

func (s *matcherSuite) TestSkipsWorkspaceMismatch(c *gc.C) {
	hooks := staticSnapshot{
		s.newHook(c, "a", func(wh *webhook.Webhook) { wh.Workspaces = []string{"p2"} }),
	}
	c.Check(matcher.New(hooks, s.clock).Match(s.event()), gc.HasLen, 0)
}

func (s *matcherSuite) TestWorkspaceAllowlistAdmits(c *gc.C) {
	hooks := staticSnapshot{
		s.newHook(c, "a", func(wh *webhook.Webhook) { wh.Workspaces = []string{"p1", "p2"} }),
	}
	c.Check(matcher.New(hooks, s.clock).Match(s.event()), gc.HasLen, 1)
}

func (s *matcherSuite) TestEmptySnapshot(c *gc.C) {
	c.Check(matcher.New(staticSnapshot{}, s.clock).Match(s.event()), gc.HasLen, 0)
}
