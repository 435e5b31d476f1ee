// Copyright 2025 Oculair Media.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the service version baked into builds.
package version

// Number is the current service version.
const Number = "1.2.0"
