// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notify delivers user-visible toast notifications through
// the platform notification service. Delivery is best effort: a
// failed toast is logged and forgotten, never surfaced to the caller.
package notify

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/pakd/internal/pakparams"
	"github.com/juju/pakd/internal/sysbus"
)

var logger = loggo.GetLogger("pakd.notify")

// Caller issues single request/reply calls on the bus.
type Caller interface {
	Call(ctx context.Context, uri string, payload, result interface{}) error
}

// Config holds the dependencies of a Toaster.
type Config struct {
	// Caller issues bus calls.
	Caller Caller
	// NotificationService is the bus name of the toast display
	// service.
	NotificationService string
	// SourceID names this service as the toast originator.
	SourceID string
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Caller == nil {
		return errors.NotValidf("nil Caller")
	}
	if config.NotificationService == "" {
		return errors.NotValidf("empty NotificationService")
	}
	if config.SourceID == "" {
		return errors.NotValidf("empty SourceID")
	}
	return nil
}

// Toaster shows toast notifications.
type Toaster struct {
	config Config
}

// New returns a Toaster with the supplied config.
func New(config Config) (*Toaster, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Toaster{config: config}, nil
}

// Toast displays message to the user. Any failure is swallowed after
// logging; the supplied context is the only bound on how long
// delivery may take.
func (t *Toaster) Toast(ctx context.Context, message string) {
	uri := sysbus.MethodURI(t.config.NotificationService, "createToast")
	var ack pakparams.Ack
	err := t.config.Caller.Call(ctx, uri, pakparams.ToastRequest{
		Message:  message,
		SourceID: t.config.SourceID,
	}, &ack)
	if err != nil {
		logger.Warningf("cannot display toast %q: %v", message, err)
		return
	}
	if !ack.OK {
		logger.Debugf("notification service refused toast %q", message)
	}
}
