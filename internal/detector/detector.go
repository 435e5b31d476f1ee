// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package detector translates raw change records into canonical
// "<entity>.<action>" event types with a normalized payload. Detection is a
// pure function of the record and the configured maps; failures never abort
// ingestion, they yield the "unknown.event" type instead.
package detector

import (
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/oculairmedia/huly-webhook/core/change"
	"github.com/oculairmedia/huly-webhook/core/event"
)

// UnknownEventType is produced when classification fails.
const UnknownEventType = "unknown.event"

// defaultCollectionMap maps platform collections to their entity name.
// Unknown collections pass through verbatim.
var defaultCollectionMap = map[string]string{
	"issues":      "issue",
	"projects":    "project",
	"documents":   "document",
	"comments":    "comment",
	"attachments": "attachment",
	"members":     "member",
	"workspaces":  "workspace",
	"milestones":  "milestone",
}

// defaultFieldMap maps updated field names to the update action they
// represent. Consulted in update-field order, exact match before
// dotted-prefix match, first hit wins.
var defaultFieldMap = map[string]string{
	"status":      "status_changed",
	"assignee":    "assigned",
	"priority":    "priority_changed",
	"dueDate":     "due_date_changed",
	"title":       "renamed",
	"description": "description_changed",
	"labels":      "labeled",
	"space":       "moved",
}

// RuleFunc computes an event type from a raw change. Returning an error
// (or panicking) classifies the change as unknown.event.
type RuleFunc func(change.RawChange) (string, error)

// Rule is a custom typing rule: either a fixed template or a callback.
// Exactly one of the two must be set.
type Rule struct {
	Template string
	Func     RuleFunc
}

func (r Rule) validate() error {
	if (r.Template == "") == (r.Func == nil) {
		return errors.NotValidf("rule must set exactly one of Template or Func")
	}
	return nil
}

type ruleKey struct {
	collection string
	operation  string
}

// Config holds map overrides merged over the built-in defaults.
type Config struct {
	CollectionMap map[string]string
	FieldMap      map[string]string
}

// Detector types raw changes. It is safe for concurrent use once built;
// RegisterRule must not be called after detection starts.
type Detector struct {
	collections map[string]string
	fields      map[string]string
	rules       map[ruleKey]Rule
}

// New builds a detector with the default maps plus any configured
// overrides.
func New(cfg Config) *Detector {
	d := &Detector{
		collections: make(map[string]string),
		fields:      make(map[string]string),
		rules:       make(map[ruleKey]Rule),
	}
	for k, v := range defaultCollectionMap {
		d.collections[k] = v
	}
	for k, v := range cfg.CollectionMap {
		d.collections[k] = v
	}
	for k, v := range defaultFieldMap {
		d.fields[k] = v
	}
	for k, v := range cfg.FieldMap {
		d.fields[k] = v
	}
	return d
}

// RegisterRule installs a custom rule for (collection, operation).
// Collection "*" matches any collection. Collection rules take priority
// over wildcard rules, which take priority over the defaults.
func (d *Detector) RegisterRule(collection, operation string, rule Rule) error {
	if err := rule.validate(); err != nil {
		return errors.Trace(err)
	}
	if operation == "" {
		return errors.NotValidf("empty operation")
	}
	d.rules[ruleKey{collection, operation}] = rule
	return nil
}

// Result is the outcome of detection.
type Result struct {
	Type    string
	Data    map[string]interface{}
	Changes map[string]event.Change
}

// Detect classifies a raw change. It never returns an error: failures
// yield the unknown.event type with whatever payload could be salvaged.
func (d *Detector) Detect(rc change.RawChange) Result {
	res := Result{
		Data:    normalizeDocument(rc),
		Changes: changeMap(rc),
	}
	eventType, err := d.eventType(rc)
	if err != nil || !event.ValidType(eventType) {
		res.Type = UnknownEventType
		return res
	}
	res.Type = eventType
	return res
}

func (d *Detector) eventType(rc change.RawChange) (eventType string, err error) {
	// Callback rules are registration-time extension points; a panicking
	// callback must not take ingestion down with it.
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("typing rule panicked: %v", r)
		}
	}()

	if rule, ok := d.rules[ruleKey{rc.Ns.Collection, rc.OperationType}]; ok {
		return d.applyRule(rule, rc)
	}
	if rule, ok := d.rules[ruleKey{"*", rc.OperationType}]; ok {
		return d.applyRule(rule, rc)
	}

	entity := d.entity(rc.Ns.Collection)
	switch rc.OperationType {
	case change.OpInsert:
		return entity + ".created", nil
	case change.OpDelete:
		return entity + ".deleted", nil
	case change.OpReplace:
		return entity + ".replaced", nil
	case change.OpInvalidate:
		return "collection.invalidated", nil
	case change.OpUpdate:
		return entity + "." + d.updateAction(rc.UpdateDescription), nil
	}
	return entity + "." + rc.OperationType, nil
}

func (d *Detector) applyRule(rule Rule, rc change.RawChange) (string, error) {
	if rule.Template != "" {
		return rule.Template, nil
	}
	return rule.Func(rc)
}

func (d *Detector) entity(collection string) string {
	if collection == "" {
		return "unknown"
	}
	if entity, ok := d.collections[collection]; ok {
		return entity
	}
	return collection
}

// updateAction classifies an update by the fields it touched.
func (d *Detector) updateAction(desc *change.UpdateDescription) string {
	if desc == nil {
		return "updated"
	}
	keys := updateKeys(desc)
	for _, key := range keys {
		if action, ok := d.fields[key]; ok {
			return action
		}
		// Dotted keys fall back to their top-level prefix, so a change
		// to "status.name" still maps through "status".
		if i := strings.IndexByte(key, '.'); i > 0 {
			if action, ok := d.fields[key[:i]]; ok {
				return action
			}
		}
	}
	for _, key := range keys {
		if strings.Contains(key, "$") {
			return "array_updated"
		}
	}
	for _, key := range keys {
		if strings.Contains(key, ".") {
			return "nested_updated"
		}
	}
	return "updated"
}

// updateKeys returns the touched field names, updated fields first, then
// removed fields. The driver decodes updatedFields into a map, losing
// document order, so the updated keys are sorted to keep detection
// deterministic.
func updateKeys(desc *change.UpdateDescription) []string {
	keys := make([]string, 0, len(desc.UpdatedFields)+len(desc.RemovedFields))
	for k := range desc.UpdatedFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	keys = append(keys, desc.RemovedFields...)
	return keys
}

// standard platform fields copied to the normalized payload verbatim.
var standardFields = []string{"title", "description", "status", "priority", "assignee", "space"}

// normalizeDocument maps a platform document to the portable payload
// shape. For deletes without a pre-image only the document key survives.
func normalizeDocument(rc change.RawChange) map[string]interface{} {
	doc := rc.FullDocument
	if doc == nil {
		doc = rc.FullDocumentBeforeChange
	}
	data := make(map[string]interface{})
	if doc == nil {
		if rc.DocumentKey != nil {
			if id, ok := rc.DocumentKey["_id"]; ok {
				data["id"] = stringifyID(id)
			}
		}
		return data
	}
	if id, ok := doc["_id"]; ok {
		data["id"] = stringifyID(id)
	}
	if class, ok := doc["_class"]; ok {
		data["type"] = class
	}
	for _, field := range standardFields {
		if v, ok := doc[field]; ok {
			data[field] = v
		}
	}
	if space, ok := doc["space"]; ok {
		data["project"] = map[string]interface{}{"id": space}
	}
	for _, field := range []string{"createdOn", "modifiedOn"} {
		if v, ok := doc[field]; ok {
			if t, ok := epochToTime(v); ok {
				data[field] = t
			}
		}
	}
	return data
}

// Workspace derives the event workspace from a raw change.
func Workspace(rc change.RawChange) string {
	doc := rc.FullDocument
	if doc == nil {
		doc = rc.FullDocumentBeforeChange
	}
	if doc != nil {
		if ws, ok := doc["workspace"].(string); ok && ws != "" {
			return ws
		}
		if ws, ok := doc["space"].(string); ok && ws != "" {
			return ws
		}
	}
	return event.DefaultWorkspace
}

// changeMap builds the per-field change description for updates. The
// pre-image, when available, supplies the "from" side.
func changeMap(rc change.RawChange) map[string]event.Change {
	if rc.UpdateDescription == nil {
		return nil
	}
	changes := make(map[string]event.Change)
	for k, to := range rc.UpdateDescription.UpdatedFields {
		c := event.Change{To: to}
		if rc.FullDocumentBeforeChange != nil {
			if from, ok := rc.FullDocumentBeforeChange[k]; ok {
				c.From = from
			}
		}
		changes[k] = c
	}
	for _, k := range rc.UpdateDescription.RemovedFields {
		changes[k] = event.Change{Removed: true}
	}
	if len(changes) == 0 {
		return nil
	}
	return changes
}

func stringifyID(id interface{}) interface{} {
	if oid, ok := id.(bson.ObjectId); ok {
		return oid.Hex()
	}
	return id
}

// epochToTime converts epoch milliseconds in any numeric representation
// the driver may decode to.
func epochToTime(v interface{}) (time.Time, bool) {
	var ms int64
	switch n := v.(type) {
	case int64:
		ms = n
	case int:
		ms = int64(n)
	case float64:
		ms = int64(n)
	case time.Time:
		return n, true
	default:
		return time.Time{}, false
	}
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC(), true
}
