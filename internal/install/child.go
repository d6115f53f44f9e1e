// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package install

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/errors"
)

// Toaster shows user-visible messages, best effort.
type Toaster interface {
	Toast(ctx context.Context, message string)
}

// ChildConfig holds what the detached self-update child needs to
// finish an update on its own.
type ChildConfig struct {
	// Mediator submits the artifact to the platform installer.
	Mediator Mediator
	// Toaster reports milestones to the user. The parent that spawned
	// us is gone, so toasts and our exit code are the only outputs.
	Toaster Toaster
	// Elevate re-grants the installed package its privileged
	// permissions.
	Elevate func(ctx context.Context, packageID string) error
	// PackageID is the package being replaced, our own.
	PackageID string
	// ArtifactPath is the verified artifact the parent downloaded.
	ArtifactPath string
}

// Validate returns an error if the config cannot be used.
func (config ChildConfig) Validate() error {
	if config.Mediator == nil {
		return errors.NotValidf("nil Mediator")
	}
	if config.Toaster == nil {
		return errors.NotValidf("nil Toaster")
	}
	if config.Elevate == nil {
		return errors.NotValidf("nil Elevate")
	}
	if config.PackageID == "" {
		return errors.NotValidf("empty PackageID")
	}
	if config.ArtifactPath == "" {
		return errors.NotValidf("empty ArtifactPath")
	}
	return nil
}

// RunChild performs the detached half of a self-update: install the
// artifact through the platform installer, then re-elevate the
// resulting package. The artifact file is consumed whatever the
// outcome.
func RunChild(ctx context.Context, config ChildConfig) error {
	if err := config.Validate(); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := os.Remove(config.ArtifactPath); err != nil && !os.IsNotExist(err) {
			logger.Warningf("cannot remove artifact %q: %v", config.ArtifactPath, err)
		}
	}()

	config.Toaster.Toast(ctx, fmt.Sprintf("Updating %s", config.PackageID))
	pkg, err := config.Mediator.Install(ctx, config.PackageID, config.ArtifactPath, func(state string) {
		logger.Debugf("installer: %s", state)
	})
	if err != nil {
		config.Toaster.Toast(ctx, fmt.Sprintf("Update of %s failed: %v", config.PackageID, err))
		return errors.Annotate(err, "installing update")
	}
	if err := config.Elevate(ctx, pkg); err != nil {
		config.Toaster.Toast(ctx, fmt.Sprintf("Update of %s failed: %v", pkg, err))
		return errors.Trace(err)
	}
	config.Toaster.Toast(ctx, fmt.Sprintf("Update of %s complete", pkg))
	logger.Infof("self-update of %q complete", pkg)
	return nil
}
