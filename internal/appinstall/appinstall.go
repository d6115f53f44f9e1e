// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package appinstall drives the external package installer service
// through its asynchronous subscription protocol: submit an operation,
// watch the status stream, classify the terminal signal.
package appinstall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/pakd/internal/pakparams"
	"github.com/juju/pakd/internal/sysbus"
)

var logger = loggo.GetLogger("pakd.appinstall")

// RejectedError reports an operation the installer service refused,
// either with its flat refusal shape or its nested details shape.
type RejectedError struct {
	Code int
	Text string
}

// Error is part of the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("installer rejected request: %s (code %d)", e.Text, e.Code)
}

// IsRejected reports whether err was caused by an installer refusal.
func IsRejected(err error) bool {
	_, ok := errors.Cause(err).(*RejectedError)
	return ok
}

// ErrCancelled is reported when the installer subscription ends, or is
// cancelled from the far side, before any terminal status arrives.
var ErrCancelled = errors.New("install cancelled")

// Caller opens subscriptions on the bus.
type Caller interface {
	Subscribe(ctx context.Context, uri string, payload interface{}) (*sysbus.Subscription, error)
}

// Config holds the dependencies of a Mediator.
type Config struct {
	// Caller opens exchanges on the bus.
	Caller Caller
	// InstallerService is the bus name of the package installer.
	InstallerService string
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Caller == nil {
		return errors.NotValidf("nil Caller")
	}
	if config.InstallerService == "" {
		return errors.NotValidf("empty InstallerService")
	}
	return nil
}

// Mediator submits operations to the installer service and owns
// exactly one installer subscription per attempt, released exactly
// once whatever the outcome.
type Mediator struct {
	config Config
}

// New returns a Mediator with the supplied config.
func New(config Config) (*Mediator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Mediator{config: config}, nil
}

// Install submits the artifact at artifactPath under the given id and
// drives the status stream to its terminal signal. Intermediate
// installer states are passed to notify, which may be nil. The
// returned package id is the one the installer reports, falling back
// to the submitted id.
func (m *Mediator) Install(ctx context.Context, id, artifactPath string, notify func(state string)) (string, error) {
	pkg, err := m.drive(ctx, "install", pakparams.InstallerRequest{
		ID:           id,
		ArtifactPath: artifactPath,
		Subscribe:    true,
	}, pakparams.InstallerStatusInstalled, notify)
	if err != nil {
		return "", errors.Trace(err)
	}
	if pkg == "" {
		pkg = id
	}
	return pkg, nil
}

// Remove asks the installer service to uninstall the package with the
// given id.
func (m *Mediator) Remove(ctx context.Context, id string) error {
	_, err := m.drive(ctx, "remove", pakparams.InstallerRequest{
		ID:        id,
		Subscribe: true,
	}, pakparams.InstallerStatusRemoved, nil)
	return errors.Trace(err)
}

func (m *Mediator) drive(ctx context.Context, method string, req pakparams.InstallerRequest, doneStatus int, notify func(string)) (string, error) {
	uri := sysbus.MethodURI(m.config.InstallerService, method)
	sub, err := m.config.Caller.Subscribe(ctx, uri, req)
	if err != nil {
		return "", errors.Annotate(err, "submitting to installer")
	}
	defer sub.Cancel()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			switch errors.Cause(err) {
			case sysbus.ErrSubscriptionCancelled, sysbus.ErrSubscriptionDone:
				// The stream ended under us without a terminal
				// status.
				return "", errors.Trace(ErrCancelled)
			}
			return "", errors.Trace(err)
		}
		var status pakparams.InstallerStatus
		if len(msg.Payload) > 0 {
			if uerr := json.Unmarshal(msg.Payload, &status); uerr != nil {
				logger.Warningf("undecodable installer status for %q: %v", req.ID, uerr)
				continue
			}
		}
		done, pkg, err := classify(&status, doneStatus)
		if err != nil {
			return "", errors.Trace(err)
		}
		if done {
			return pkg, nil
		}
		if state := progressState(&status); state != "" {
			logger.Debugf("installer %s %q: %s", method, req.ID, state)
			if notify != nil {
				notify(state)
			}
		}
	}
}

// classify interprets one installer status payload. The installer
// mixes three terminal shapes on a single stream, checked in order: an
// explicit refusal flag with a flat code/text pair, a nested details
// error, and the numeric terminal status carrying the package id.
// Anything else is progress.
func classify(status *pakparams.InstallerStatus, doneStatus int) (done bool, packageID string, err error) {
	if status.ReturnValue != nil && !*status.ReturnValue {
		return false, "", errors.Trace(&RejectedError{
			Code: status.ErrorCode,
			Text: status.ErrorText,
		})
	}
	if status.Details != nil && status.Details.ErrorCode != nil {
		return false, "", errors.Trace(&RejectedError{
			Code: *status.Details.ErrorCode,
			Text: status.Details.Reason,
		})
	}
	if status.StatusValue != nil && *status.StatusValue == doneStatus {
		if status.Details != nil {
			packageID = status.Details.PackageID
		}
		return true, packageID, nil
	}
	return false, "", nil
}

func progressState(status *pakparams.InstallerStatus) string {
	if status.Details != nil && status.Details.State != "" {
		return status.Details.State
	}
	if status.StatusValue != nil {
		return fmt.Sprintf("status %d", *status.StatusValue)
	}
	return ""
}
