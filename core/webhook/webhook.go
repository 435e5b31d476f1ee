// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package webhook defines the webhook subscription model: where events are
// delivered, how requests are signed, and which events an endpoint wants.
package webhook

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// MinSecretLength is the minimum number of bytes accepted for a signing
// secret.
const MinSecretLength = 32

// BreakerOverrides carries the per-webhook subset of circuit breaker knobs.
// Nil fields inherit the service-wide defaults.
type BreakerOverrides struct {
	FailureThreshold *int           `bson:"failureThreshold,omitempty" yaml:"failureThreshold,omitempty"`
	ResetTimeout     *time.Duration `bson:"resetTimeout,omitempty" yaml:"resetTimeout,omitempty"`
	SuccessThreshold *int           `bson:"successThreshold,omitempty" yaml:"successThreshold,omitempty"`
	ErrorRatePct     *int           `bson:"errorRatePct,omitempty" yaml:"errorRatePct,omitempty"`
	SlowCallRatePct  *int           `bson:"slowCallRatePct,omitempty" yaml:"slowCallRatePct,omitempty"`
}

// Webhook is a registered subscription. Instances are treated as immutable
// snapshots; the admin API publishes replacements rather than mutating.
type Webhook struct {
	ID         string            `bson:"_id"`
	URL        string            `bson:"url"`
	Secret     string            `bson:"secret"`
	Active     bool              `bson:"active"`
	Filters    []string          `bson:"filters"`
	Workspaces []string          `bson:"workspaces,omitempty"`
	Headers    map[string]string `bson:"headers,omitempty"`
	Breaker    *BreakerOverrides `bson:"circuitBreaker,omitempty"`

	// compiled filter patterns, populated by Validate.
	filter *Filter
}

// Validate checks the webhook invariants and compiles its filters. It must
// be called before Matches.
func (w *Webhook) Validate() error {
	if w.ID == "" {
		return errors.NotValidf("empty webhook ID")
	}
	u, err := url.Parse(w.URL)
	if err != nil {
		return errors.Annotatef(err, "webhook %q URL", w.ID)
	}
	if u.Scheme != "https" {
		return errors.NotValidf("webhook %q URL scheme %q", w.ID, u.Scheme)
	}
	if u.Host == "" {
		return errors.NotValidf("webhook %q URL without host", w.ID)
	}
	if len(w.Secret) < MinSecretLength {
		return errors.NotValidf("webhook %q secret shorter than %d bytes", w.ID, MinSecretLength)
	}
	filter, err := CompileFilters(w.Filters)
	if err != nil {
		return errors.Annotatef(err, "webhook %q filters", w.ID)
	}
	w.filter = filter
	return nil
}

// MatchesType reports whether any of the webhook's filter patterns accept
// the given event type. A webhook with no filters accepts nothing.
func (w *Webhook) MatchesType(eventType string) bool {
	if w.filter == nil {
		return false
	}
	return w.filter.Matches(eventType)
}

// MatchesWorkspace reports whether the webhook accepts events from the
// given workspace. An empty allowlist accepts all workspaces.
func (w *Webhook) MatchesWorkspace(workspace string) bool {
	if len(w.Workspaces) == 0 {
		return true
	}
	return set.NewStrings(w.Workspaces...).Contains(workspace)
}

// Filter is a compiled set of event-type glob patterns.
type Filter struct {
	patterns []*regexp.Regexp
}

// CompileFilters compiles glob patterns into anchored regular expressions.
// "*" matches any run of characters; a pattern without "*" is an exact
// match.
func CompileFilters(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		if p == "" {
			return nil, errors.NotValidf("empty filter pattern")
		}
		parts := strings.Split(p, "*")
		for i, part := range parts {
			parts[i] = regexp.QuoteMeta(part)
		}
		re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
		if err != nil {
			return nil, errors.Annotatef(err, "compiling filter %q", p)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Matches reports whether any compiled pattern accepts the event type.
func (f *Filter) Matches(eventType string) bool {
	for _, re := range f.patterns {
		if re.MatchString(eventType) {
			return true
		}
	}
	return false
}
