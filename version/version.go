// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the release version of the pakd daemon. The
// value reported here is compared against the version declared by an
// incoming package when deciding whether an install is an upgrade.
package version

import (
	semversion "github.com/juju/version/v2"
)

// Current is the version of the running daemon, set from build
// information at release time.
var Current = semversion.MustParse("1.4.0")

// String returns the current version formatted for display and for the
// checkRoot response.
func String() string {
	return Current.String()
}
