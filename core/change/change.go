// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package change defines the raw change-feed record shape emitted by the
// MongoDB change stream, and the resume token used to checkpoint a
// partition's position in the feed.
package change

import (
	"github.com/juju/mgo/v3/bson"
)

// Operation types reported by the change stream.
const (
	OpInsert     = "insert"
	OpUpdate     = "update"
	OpReplace    = "replace"
	OpDelete     = "delete"
	OpInvalidate = "invalidate"
)

// Namespace identifies the database and collection a change applies to.
type Namespace struct {
	DB         string `bson:"db"`
	Collection string `bson:"coll"`
}

// UpdateDescription holds the field-level detail of an update operation.
type UpdateDescription struct {
	UpdatedFields bson.M   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

// RawChange is a single change stream record as delivered by the server.
// The ID field is the resume token positioned after this record.
type RawChange struct {
	ID                       bson.Raw            `bson:"_id"`
	OperationType            string              `bson:"operationType"`
	Ns                       Namespace           `bson:"ns"`
	DocumentKey              bson.M              `bson:"documentKey"`
	UpdateDescription        *UpdateDescription  `bson:"updateDescription,omitempty"`
	FullDocument             bson.M              `bson:"fullDocument,omitempty"`
	FullDocumentBeforeChange bson.M              `bson:"fullDocumentBeforeChange,omitempty"`
	ClusterTime              bson.MongoTimestamp `bson:"clusterTime"`
}

// ResumeToken returns the opaque token that advances the feed past this
// record.
func (c RawChange) ResumeToken() ResumeToken {
	return ResumeToken{Kind: c.ID.Kind, Data: c.ID.Data}
}

// ResumeToken is an opaque change stream position. It is stored verbatim in
// the checkpoint collection and handed back to the server on resume.
type ResumeToken struct {
	Kind byte   `bson:"kind"`
	Data []byte `bson:"data"`
}

// IsZero reports whether the token is unset.
func (t ResumeToken) IsZero() bool {
	return len(t.Data) == 0
}

// Raw converts the token back to the driver's raw document form.
func (t ResumeToken) Raw() *bson.Raw {
	if t.IsZero() {
		return nil
	}
	return &bson.Raw{Kind: t.Kind, Data: t.Data}
}
