// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package digest verifies downloaded artifacts against their expected
// content hash before anything is done with them.
package digest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
)

// MismatchError reports a file whose digest did not match the expected
// value. The comparison is byte-for-byte on the hex strings; no case
// folding or truncation is applied.
type MismatchError struct {
	Path     string
	Expected string
	Actual   string
}

// Error is part of the error interface.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %q: expected %s, actual %s", e.Path, e.Expected, e.Actual)
}

// IsMismatch reports whether err was caused by a digest mismatch.
func IsMismatch(err error) bool {
	_, ok := errors.Cause(err).(*MismatchError)
	return ok
}

// SHA256File computes the SHA-256 digest of the file at path and
// returns it as a lowercase hex string.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Annotatef(err, "reading %q", path)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// VerifyFile compares the SHA-256 digest of the file at path against
// expected, returning a *MismatchError on any difference. No retry is
// useful here: a mismatch means the content is not what was asked for.
func VerifyFile(path, expected string) error {
	actual, err := SHA256File(path)
	if err != nil {
		return errors.Trace(err)
	}
	if actual != expected {
		return errors.Trace(&MismatchError{Path: path, Expected: expected, Actual: actual})
	}
	return nil
}
