// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package startupscript keeps the daemon's boot startup script
// current. A script whose digest is on the updateable allow-list is
// rewritten with the payload this build ships; anything else on disk
// was not put there by us and is flagged, never overwritten.
package startupscript

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("pakd.startupscript")

// ErrScriptUnrecognised reports a startup script whose content
// matches neither the shipped payload nor any allow-listed previous
// version.
var ErrScriptUnrecognised = errors.New("startup script not recognised")

// IsScriptUnrecognised reports whether err was caused by an
// unrecognised startup script.
func IsScriptUnrecognised(err error) bool {
	return errors.Cause(err) == ErrScriptUnrecognised
}

// Config holds the dependencies of an Updater.
type Config struct {
	// Path is the installed startup script.
	Path string
	// Payload is the script content this build ships.
	Payload []byte
	// Updateable holds digests of previous script versions that may
	// be replaced. Each entry is an opaque string: entries that are
	// not well-formed sha256 hex simply never match.
	Updateable set.Strings
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Path == "" {
		return errors.NotValidf("empty Path")
	}
	if len(config.Payload) == 0 {
		return errors.NotValidf("empty Payload")
	}
	return nil
}

// Updater checks and patches the startup script.
type Updater struct {
	config Config
}

// New returns an Updater with the supplied config.
func New(config Config) (*Updater, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Updater{config: config}, nil
}

// Update brings the startup script up to date. It reports whether the
// script was (re)written, or the reason it was left alone. An
// unrecognised script is an error; the file is not touched.
func (u *Updater) Update() (updated bool, reason string, err error) {
	current, err := os.ReadFile(u.config.Path)
	if os.IsNotExist(err) {
		if err := u.write(); err != nil {
			return false, "", errors.Trace(err)
		}
		logger.Infof("startup script installed at %q", u.config.Path)
		return true, "installed", nil
	}
	if err != nil {
		return false, "", errors.Annotatef(err, "reading %q", u.config.Path)
	}

	if bytes.Equal(current, u.config.Payload) {
		return false, "already current", nil
	}

	digest := fmt.Sprintf("%x", sha256.Sum256(current))
	if !u.config.Updateable.Contains(digest) {
		logger.Warningf("startup script %q has unrecognised digest %s", u.config.Path, digest)
		return false, "", errors.Trace(ErrScriptUnrecognised)
	}
	if err := u.write(); err != nil {
		return false, "", errors.Trace(err)
	}
	logger.Infof("startup script updated from version %s", digest)
	return true, "", nil
}

func (u *Updater) write() error {
	return errors.Annotatef(
		utils.AtomicWriteFile(u.config.Path, u.config.Payload, 0755),
		"writing %q", u.config.Path)
}
