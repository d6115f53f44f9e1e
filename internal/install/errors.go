// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package install

import (
	"fmt"

	"github.com/juju/errors"
)

// ElevationError reports that the platform elevation helper failed to
// re-grant an installed package its privileged permissions.
type ElevationError struct {
	PackageID string
	Output    string
	Err       error
}

// Error is part of the error interface.
func (e *ElevationError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("cannot elevate %q: %v (%s)", e.PackageID, e.Err, e.Output)
	}
	return fmt.Sprintf("cannot elevate %q: %v", e.PackageID, e.Err)
}

// IsElevationError reports whether err was caused by a failed
// elevation.
func IsElevationError(err error) bool {
	_, ok := errors.Cause(err).(*ElevationError)
	return ok
}
