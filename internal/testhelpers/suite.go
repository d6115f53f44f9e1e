// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testhelpers holds the shared scaffolding used by the pakd test
// suites. Suites embed BaseSuite to get environment isolation and cleanup
// stacking, and use the wait constants when synchronising with background
// goroutines.
package testhelpers

import (
	"github.com/juju/testing"
)

// BaseSuite isolates a suite from the host environment and registers the
// cleanup stack used by AddCleanup. All pakd suites that touch the
// filesystem, environment variables or background workers embed it.
type BaseSuite struct {
	testing.IsolationSuite
}
