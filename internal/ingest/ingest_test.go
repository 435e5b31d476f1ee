// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/oculairmedia/huly-webhook/core/change"
	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/core/event"
	"github.com/oculairmedia/huly-webhook/internal/detector"
	"github.com/oculairmedia/huly-webhook/internal/ingest"
)

type ingestSuite struct {
	testing.IsolationSuite
	clock   *testclock.Clock
	store   *fakeEventStore
	matcher *fakeMatcher
}

var _ = gc.Suite(&ingestSuite{})

func (s *ingestSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	s.store = &fakeEventStore{}
	s.matcher = &fakeMatcher{}
}

type enqueued struct {
	event      event.Event
	deliveries []delivery.Delivery
}

type fakeEventStore struct {
	calls []enqueued
	err   error
}

func (f *fakeEventStore) EnqueueEvent(ev event.Event, ds []delivery.Delivery) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, enqueued{ev, ds})
	return nil
}

type fakeMatcher struct {
	out []delivery.Delivery
}

func (f *fakeMatcher) Match(ev event.Event) []delivery.Delivery {
	return f.out
}

func (s *ingestSuite) newPipeline() *ingest.Pipeline {
	return ingest.NewPipeline(
		detector.New(detector.Config{}),
		s.matcher,
		s.store,
		s.clock,
		loggo.GetLogger("test.ingest"),
	)
}

func rawIssueInsert() change.RawChange {
	return change.RawChange{
		ID:            bson.Raw{Kind: 3, Data: []byte{1, 2, 3}},
		OperationType: change.OpInsert,
		Ns:            change.Namespace{DB: "huly", Collection: "issues"},
		DocumentKey:   bson.M{"_id": "i1"},
		FullDocument:  bson.M{"_id": "i1", "workspace": "p1", "title": "T"},
		ClusterTime:   bson.MongoTimestamp(int64(1700000000) << 32),
	}
}

func (s *ingestSuite) TestIngestPersistsEventAndDeliveries(c *gc.C) {
	s.matcher.out = []delivery.Delivery{{ID: "d1"}, {ID: "d2"}}
	p := s.newPipeline()
	err := p.Ingest("default/issues", rawIssueInsert())
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.store.calls, gc.HasLen, 1)
	got := s.store.calls[0]
	c.Check(got.event.Type, gc.Equals, "issue.created")
	c.Check(got.event.Workspace, gc.Equals, "p1")
	c.Check(got.event.Collection, gc.Equals, "issues")
	c.Check(got.event.OperationType, gc.Equals, change.OpInsert)
	c.Check(got.event.Partition, gc.Equals, "default/issues")
	c.Check(got.event.ResumeToken, jc.DeepEquals, change.ResumeToken{Kind: 3, Data: []byte{1, 2, 3}})
	c.Check(got.event.ID, gc.Not(gc.Equals), "")
	c.Check(got.event.Data["id"], gc.Equals, "i1")
	c.Check(got.deliveries, gc.HasLen, 2)
}

func (s *ingestSuite) TestTimestampFromClusterTime(c *gc.C) {
	p := s.newPipeline()
	c.Assert(p.Ingest("p", rawIssueInsert()), jc.ErrorIsNil)
	c.Check(s.store.calls[0].event.Timestamp, gc.Equals, time.Unix(1700000000, 0).UTC())
}

func (s *ingestSuite) TestTimestampFallsBackToClock(c *gc.C) {
	rc := rawIssueInsert()
	rc.ClusterTime = 0
	p := s.newPipeline()
	c.Assert(p.Ingest("p", rc), jc.ErrorIsNil)
	c.Check(s.store.calls[0].event.Timestamp, gc.Equals, s.clock.Now())
}

func (s *ingestSuite) TestStoreErrorPropagates(c *gc.C) {
	s.store.err = errors.New("mongo down")
	p := s.newPipeline()
	err := p.Ingest("p", rawIssueInsert())
	c.Assert(err, gc.ErrorMatches, "mongo down")
}

func (s *ingestSuite) TestNoMatchesStillPersists(c *gc.C) {
	p := s.newPipeline()
	c.Assert(p.Ingest("p", rawIssueInsert()), jc.ErrorIsNil)
	c.Assert(s.store.calls, gc.HasLen, 1)
	c.Check(s.store.calls[0].deliveries, gc.HasLen, 0)
}
