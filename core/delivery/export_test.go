// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

package delivery

// PatchJitter replaces the retry jitter for tests, returning a restore
// function.
func PatchJitter(f func() float64) func() {
	old := jitterFactor
	jitterFactor = f
	return func() { jitterFactor = old }
}
