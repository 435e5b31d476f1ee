// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/oculairmedia/huly-webhook/core/change"
	"github.com/oculairmedia/huly-webhook/internal/changestream"
)

// maxAwait bounds how long the server holds an empty getMore open. Short
// enough that stream workers notice shutdown promptly.
const maxAwait = time.Second

// The driver has no change stream support, so the adapter drives the
// server's cursor protocol itself: an aggregate command with a
// $changeStream stage opens the feed and getMore commands drain it.

// changeStreamPipeline builds the aggregation pipeline that opens the
// feed. Updates carry the post-image via updateLookup.
func changeStreamPipeline(resumeAfter change.ResumeToken) []bson.M {
	stage := bson.M{"fullDocument": "updateLookup"}
	if !resumeAfter.IsZero() {
		stage["resumeAfter"] = resumeAfter.Raw()
	}
	return []bson.M{{"$changeStream": stage}}
}

// cursorReply is the command-level cursor shape shared by aggregate and
// getMore replies.
type cursorReply struct {
	Cursor struct {
		ID         int64      `bson:"id"`
		FirstBatch []bson.Raw `bson:"firstBatch"`
		NextBatch  []bson.Raw `bson:"nextBatch"`
	} `bson:"cursor"`
}

// Watch opens a change stream over a collection, resuming after the given
// token when set.
func (s *Store) Watch(collection string, resumeAfter change.ResumeToken, batchSize int) (changestream.RawStream, error) {
	session := s.session.Copy()
	var reply cursorReply
	err := session.DB(s.db).Run(bson.D{
		{Name: "aggregate", Value: collection},
		{Name: "pipeline", Value: changeStreamPipeline(resumeAfter)},
		{Name: "cursor", Value: bson.M{"batchSize": batchSize}},
	}, &reply)
	if err != nil {
		session.Close()
		return nil, errors.Annotatef(err, "watching collection %q", collection)
	}
	return &mongoStream{
		session:    session,
		db:         s.db,
		collection: collection,
		batchSize:  batchSize,
		cursorID:   reply.Cursor.ID,
		batch:      reply.Cursor.FirstBatch,
	}, nil
}

// mongoStream adapts a server-side change stream cursor to the worker
// interface, tying the cursor to its private session copy.
type mongoStream struct {
	session    *mgo.Session
	db         string
	collection string
	batchSize  int

	cursorID int64
	batch    []bson.Raw
	err      error
	timedOut bool
}

// Next is part of changestream.RawStream.
func (m *mongoStream) Next(rc *change.RawChange) bool {
	if m.err != nil {
		return false
	}
	m.timedOut = false
	if len(m.batch) == 0 && !m.getMore() {
		return false
	}
	raw := m.batch[0]
	m.batch = m.batch[1:]
	if err := raw.Unmarshal(rc); err != nil {
		m.err = errors.Annotate(err, "decoding change document")
		return false
	}
	return true
}

// getMore fetches the next batch, reporting false when the await window
// lapsed with no changes, the server closed the cursor, or the fetch
// failed.
func (m *mongoStream) getMore() bool {
	if m.cursorID == 0 {
		// Server closed the cursor; the stream worker reopens the feed.
		return false
	}
	var reply cursorReply
	err := m.session.DB(m.db).Run(bson.D{
		{Name: "getMore", Value: m.cursorID},
		{Name: "collection", Value: m.collection},
		{Name: "batchSize", Value: m.batchSize},
		{Name: "maxTimeMS", Value: int64(maxAwait / time.Millisecond)},
	}, &reply)
	if err != nil {
		m.err = errors.Trace(err)
		return false
	}
	m.cursorID = reply.Cursor.ID
	m.batch = reply.Cursor.NextBatch
	if len(m.batch) == 0 {
		m.timedOut = m.cursorID != 0
		return false
	}
	return true
}

// Err is part of changestream.RawStream.
func (m *mongoStream) Err() error {
	return m.err
}

// Timeout is part of changestream.RawStream.
func (m *mongoStream) Timeout() bool {
	return m.timedOut
}

// Close is part of changestream.RawStream.
func (m *mongoStream) Close() error {
	defer m.session.Close()
	if m.cursorID == 0 {
		return nil
	}
	err := m.session.DB(m.db).Run(bson.D{
		{Name: "killCursors", Value: m.collection},
		{Name: "cursors", Value: []int64{m.cursorID}},
	}, nil)
	return errors.Trace(err)
}
