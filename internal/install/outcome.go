// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package install

// Outcome is the terminal result of one install request. The set of
// outcomes is closed: Installed and SelfUpdateStarted are the only
// implementations. A failed request is reported as an error, not an
// Outcome.
type Outcome interface {
	outcome()
}

// Installed reports a completed installation, carrying the package id
// the installer assigned.
type Installed struct {
	PackageID string
}

func (Installed) outcome() {}

// SelfUpdateStarted reports that the artifact replaces this service
// itself and a detached child process now owns the installation. The
// daemon must wind down promptly: the child cannot take over the
// privileged bus registration while the parent still holds it.
type SelfUpdateStarted struct{}

func (SelfUpdateStarted) outcome() {}
