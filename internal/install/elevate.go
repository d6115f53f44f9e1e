// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package install

import (
	"context"
	"os/exec"
	"strings"

	"github.com/juju/errors"
)

// Elevator invokes the platform elevation helper, which re-grants an
// installed package its elevated service permissions.
type Elevator struct {
	// HelperPath is the elevation helper executable.
	HelperPath string
}

// Elevate runs the helper for the given package id. Helper exit
// status zero means success.
func (e Elevator) Elevate(ctx context.Context, packageID string) error {
	cmd := exec.CommandContext(ctx, e.HelperPath, packageID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Trace(&ElevationError{
			PackageID: packageID,
			Output:    strings.TrimSpace(string(out)),
			Err:       err,
		})
	}
	logger.Infof("elevated %q", packageID)
	return nil
}
