// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package changestream_test

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/oculairmedia/huly-webhook/core/change"
	"github.com/oculairmedia/huly-webhook/internal/changestream"
)

type streamSuite struct {
	testing.IsolationSuite
	source      *fakeSource
	checkpoints *fakeCheckpoints
	ingestor    *fakeIngestor
}

var _ = gc.Suite(&streamSuite{})

func (s *streamSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.source = &fakeSource{}
	s.checkpoints = newFakeCheckpoints()
	s.ingestor = newFakeIngestor()
}

func tokenChange(tok byte) change.RawChange {
	return change.RawChange{
		ID:            bson.Raw{Kind: 3, Data: []byte{tok}},
		OperationType: change.OpInsert,
		Ns:            change.Namespace{DB: "huly", Collection: "issues"},
		FullDocument:  bson.M{"_id": "i1", "workspace": "p1"},
	}
}

// scriptedStream replays queued changes, then reports either its error or
// empty-batch timeouts, pacing Next like the driver's maxAwaitTime does.
type scriptedStream struct {
	mu    sync.Mutex
	queue []change.RawChange
	err   error
}

func (f *scriptedStream) Next(rc *change.RawChange) bool {
	f.mu.Lock()
	if len(f.queue) > 0 {
		*rc = f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()
	if f.err == nil {
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (f *scriptedStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) > 0 {
		return nil
	}
	return f.err
}

func (f *scriptedStream) Timeout() bool {
	return f.err == nil
}

func (f *scriptedStream) Close() error {
	return nil
}

type watchCall struct {
	collection  string
	resumeAfter change.ResumeToken
}

// fakeSource scripts successive Watch results: each entry is either an
// error or a stream. Once the script runs out it hands back idle streams.
type fakeSource struct {
	mu     sync.Mutex
	script []interface{}
	calls  []watchCall
}

func (f *fakeSource) Watch(collection string, resumeAfter change.ResumeToken, batchSize int) (changestream.RawStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, watchCall{collection, resumeAfter})
	if len(f.script) == 0 {
		return &scriptedStream{}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(changestream.RawStream), nil
}

func (f *fakeSource) watchCalls() []watchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]watchCall{}, f.calls...)
}

type fakeCheckpoints struct {
	mu     sync.Mutex
	tokens map[string]change.ResumeToken
	saves  int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{tokens: make(map[string]change.ResumeToken)}
}

func (f *fakeCheckpoints) LoadResumeToken(partitionID string) (change.ResumeToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[partitionID], nil
}

func (f *fakeCheckpoints) SaveResumeToken(partitionID string, token change.ResumeToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[partitionID] = token
	f.saves++
	return nil
}

func (f *fakeCheckpoints) saved(partitionID string) change.ResumeToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[partitionID]
}

func (f *fakeCheckpoints) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

type ingested struct {
	partition string
	rc        change.RawChange
}

type fakeIngestor struct {
	mu       sync.Mutex
	records  []ingested
	failures int
}

func newFakeIngestor() *fakeIngestor {
	return &fakeIngestor{}
}

func (f *fakeIngestor) Ingest(partition string, rc change.RawChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("enqueue failed")
	}
	f.records = append(f.records, ingested{partition, rc})
	return nil
}

func (f *fakeIngestor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeIngestor) record(i int) ingested {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[i]
}

func (s *streamSuite) newManager(c *gc.C) *changestream.Manager {
	m, err := changestream.NewManager(changestream.Config{
		Source:          s.source,
		Checkpoints:     s.checkpoints,
		Ingestor:        s.ingestor,
		Clock:           clock.WallClock,
		Logger:          loggo.GetLogger("test.changestream"),
		Collections:     []string{"issues"},
		PartitionPrefix: "default",
		BatchSize:       16,
		ReconnectBase:   time.Millisecond,
		ReconnectCap:    5 * time.Millisecond,
		FlushInterval:   time.Millisecond,
	})
	c.Assert(err, jc.ErrorIsNil)
	return m
}

func waitFor(c *gc.C, what string, cond func() bool) {
	timeout := time.After(testing.LongWait)
	for !cond() {
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(testing.ShortWait):
		}
	}
}

func (s *streamSuite) TestIngestsInOrderAndCheckpoints(c *gc.C) {
	s.source.script = []interface{}{
		&scriptedStream{queue: []change.RawChange{tokenChange(1), tokenChange(2)}},
	}
	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	waitFor(c, "both changes ingested", func() bool { return s.ingestor.count() == 2 })
	c.Check(s.ingestor.record(0).partition, gc.Equals, "default/issues")
	c.Check(s.ingestor.record(0).rc.ID.Data, jc.DeepEquals, []byte{1})
	c.Check(s.ingestor.record(1).rc.ID.Data, jc.DeepEquals, []byte{2})

	waitFor(c, "checkpoint to advance", func() bool {
		return string(s.checkpoints.saved("default/issues").Data) == string([]byte{2})
	})
}

func (s *streamSuite) TestIngestErrorReplaysWithoutCheckpoint(c *gc.C) {
	s.ingestor.failures = 1
	s.source.script = []interface{}{
		&scriptedStream{queue: []change.RawChange{tokenChange(1)}, err: errors.New("cursor dropped")},
		&scriptedStream{queue: []change.RawChange{tokenChange(1)}},
	}
	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	waitFor(c, "replayed change ingested", func() bool { return s.ingestor.count() == 1 })
	waitFor(c, "checkpoint saved", func() bool { return s.checkpoints.saveCount() > 0 })
	c.Check(s.checkpoints.saved("default/issues").Data, jc.DeepEquals, []byte{1})

	calls := s.source.watchCalls()
	c.Assert(len(calls) >= 2, jc.IsTrue)
	// Nothing was checkpointed before the failure, so the reconnect must
	// replay from scratch.
	c.Check(calls[1].resumeAfter.IsZero(), jc.IsTrue)
}

func (s *streamSuite) TestInvalidateIsFatal(c *gc.C) {
	invalidate := change.RawChange{
		ID:            bson.Raw{Kind: 3, Data: []byte{9}},
		OperationType: change.OpInvalidate,
		Ns:            change.Namespace{DB: "huly", Collection: "issues"},
	}
	s.source.script = []interface{}{
		&scriptedStream{queue: []change.RawChange{invalidate}},
	}
	m := s.newManager(c)
	err := workertest.CheckKilled(c, m)
	c.Assert(err, gc.ErrorMatches, ".*change stream invalidated.*")
	// Subscribers heard about it, but the checkpoint never advanced.
	c.Check(s.ingestor.count(), gc.Equals, 1)
	c.Check(s.ingestor.record(0).rc.OperationType, gc.Equals, change.OpInvalidate)
	c.Check(s.checkpoints.saveCount(), gc.Equals, 0)
}

func (s *streamSuite) TestResumesFromCheckpoint(c *gc.C) {
	tok := change.ResumeToken{Kind: 3, Data: []byte{7}}
	c.Assert(s.checkpoints.SaveResumeToken("default/issues", tok), jc.ErrorIsNil)
	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	waitFor(c, "watch call", func() bool { return len(s.source.watchCalls()) > 0 })
	c.Check(s.source.watchCalls()[0].resumeAfter, jc.DeepEquals, tok)
}

func (s *streamSuite) TestLostResumePositionRestartsCold(c *gc.C) {
	tok := change.ResumeToken{Kind: 3, Data: []byte{7}}
	c.Assert(s.checkpoints.SaveResumeToken("default/issues", tok), jc.ErrorIsNil)
	s.source.script = []interface{}{
		errors.New("cannot resume: ChangeStreamHistoryLost"),
	}
	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	waitFor(c, "cold restart", func() bool { return len(s.source.watchCalls()) >= 2 })
	calls := s.source.watchCalls()
	c.Check(calls[0].resumeAfter, jc.DeepEquals, tok)
	c.Check(calls[1].resumeAfter.IsZero(), jc.IsTrue)
}

func (s *streamSuite) TestWatchErrorBacksOffAndRetries(c *gc.C) {
	tok := change.ResumeToken{Kind: 3, Data: []byte{7}}
	c.Assert(s.checkpoints.SaveResumeToken("default/issues", tok), jc.ErrorIsNil)
	s.source.script = []interface{}{
		errors.New("connection refused"),
		&scriptedStream{queue: []change.RawChange{tokenChange(8)}},
	}
	m := s.newManager(c)
	defer workertest.CleanKill(c, m)

	waitFor(c, "change ingested after retry", func() bool { return s.ingestor.count() == 1 })
	calls := s.source.watchCalls()
	c.Assert(len(calls) >= 2, jc.IsTrue)
	// A transient failure keeps the resume position.
	c.Check(calls[1].resumeAfter, jc.DeepEquals, tok)
}
