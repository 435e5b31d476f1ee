// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signBody computes the signature header value for a request: the hex
// HMAC-SHA256 over "<timestamp>.<body>" keyed with the webhook's secret.
// Binding the timestamp into the MAC lets receivers reject replays.
func signBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
