// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/oculairmedia/huly-webhook/core/delivery"
	"github.com/oculairmedia/huly-webhook/core/event"
	"github.com/oculairmedia/huly-webhook/core/webhook"
	"github.com/oculairmedia/huly-webhook/internal/breaker"
)

// permanentError marks a response that no retry can fix: the endpoint
// answered and rejected the request itself.
type permanentError struct {
	code int
}

// Error is part of the error interface.
func (e *permanentError) Error() string {
	return fmt.Sprintf("endpoint rejected delivery with status %d", e.code)
}

// rateLimitedError marks a response asking the sender to back off. The
// endpoint is healthy, so these never count toward the circuit breaker.
type rateLimitedError struct {
	code       int
	retryAfter time.Duration
}

// Error is part of the error interface.
func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("endpoint throttled delivery with status %d", e.code)
}

// maxDrainBytes bounds how much of a response body is read to keep the
// connection reusable.
const maxDrainBytes = 4096

// send POSTs the signed event payload to the webhook endpoint and
// classifies the response. The returned status code is zero when no
// response was received.
func (w *Dispatcher) send(wh webhook.Webhook, ev event.Event, d delivery.Delivery, body []byte) (int, error) {
	req, err := http.NewRequest("POST", wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, breaker.Ignored(errors.Annotatef(err, "building request for webhook %q", wh.ID))
	}
	timestamp := strconv.FormatInt(w.config.Clock.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("X-Webhook-Id", wh.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Delivery", d.ID)
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("X-Webhook-Signature", signBody(wh.Secret, timestamp, body))
	for k, v := range wh.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, breaker.Timeout(errors.Annotatef(err, "delivering to webhook %q", wh.ID))
		}
		return 0, errors.Annotatef(err, "delivering to webhook %q", wh.ID)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return code, nil
	case code == http.StatusRequestTimeout ||
		code == http.StatusTooEarly ||
		code == http.StatusTooManyRequests:
		return code, breaker.Ignored(&rateLimitedError{
			code:       code,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), w.config.Clock.Now()),
		})
	case code == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "":
		// An overloaded endpoint saying when to come back is throttling,
		// not failing.
		return code, breaker.Ignored(&rateLimitedError{
			code:       code,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), w.config.Clock.Now()),
		})
	case code >= 400 && code < 500:
		return code, breaker.Ignored(&permanentError{code: code})
	default:
		return code, errors.Errorf("endpoint returned status %d", code)
	}
}

// parseRetryAfter interprets a Retry-After header as either delay seconds
// or an HTTP date, returning zero when absent or unparseable.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// isTimeout reports whether the transport error was a timeout, including
// the client-level deadline firing.
func isTimeout(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) && ne.Timeout()
}
