// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ipk reads the control record out of an installable package
// archive without unpacking the payload. An archive is a tar container,
// optionally gzip-compressed, holding a control.tar.gz whose control
// file declares the package fields as newline-delimited "Key: value"
// text.
package ipk

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"path"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	semversion "github.com/juju/version/v2"
)

var logger = loggo.GetLogger("pakd.ipk")

const (
	controlArchiveName = "control.tar.gz"
	controlFileName    = "control"
)

// Metadata holds the fields declared by a package's control record.
type Metadata struct {
	// Package is the declared package identifier.
	Package string
	// Version is the declared version string, verbatim.
	Version string
	// Fields holds every declared control field, the two above
	// included.
	Fields map[string]string
}

// ParsedVersion parses the declared version for comparison against the
// running daemon's. Not every package declares a parseable version;
// the caller decides how soft that failure is.
func (m *Metadata) ParsedVersion() (semversion.Number, error) {
	v, err := semversion.Parse(m.Version)
	return v, errors.Trace(err)
}

// Inspect reads the control record of the archive at ipkPath. The
// payload is never extracted. Callers treat failure as "not something
// we can identify", not as a fatal condition.
func Inspect(ipkPath string) (*Metadata, error) {
	f, err := os.Open(ipkPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	outer, err := containerReader(f)
	if err != nil {
		return nil, errors.Annotatef(err, "inspecting %q", ipkPath)
	}
	tr := tar.NewReader(outer)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "inspecting %q", ipkPath)
		}
		if path.Clean(hdr.Name) != controlArchiveName {
			continue
		}
		meta, err := readControlArchive(tr)
		if err != nil {
			return nil, errors.Annotatef(err, "inspecting %q", ipkPath)
		}
		logger.Debugf("%q declares package %q version %q", ipkPath, meta.Package, meta.Version)
		return meta, nil
	}
	return nil, errors.Errorf("no %s entry in %q", controlArchiveName, ipkPath)
}

// containerReader unwraps optional gzip compression from the outer
// container.
func containerReader(f io.Reader) (io.Reader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return zr, nil
	}
	return br, nil
}

func readControlArchive(r io.Reader) (*Metadata, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", controlArchiveName)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "reading %s", controlArchiveName)
		}
		if hdr.Typeflag != tar.TypeReg || path.Clean(hdr.Name) != controlFileName {
			continue
		}
		return parseControl(tr)
	}
	return nil, errors.Errorf("no %s file in %s", controlFileName, controlArchiveName)
}

// parseControl reads "Key: value" lines. Continuation lines and lines
// without a separator carry no fields and are skipped.
func parseControl(r io.Reader) (*Metadata, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s file", controlFileName)
	}
	meta := &Metadata{Fields: make(map[string]string)}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			continue
		}
		i := strings.Index(line, ":")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		meta.Fields[key] = value
	}
	meta.Package = meta.Fields["Package"]
	meta.Version = meta.Fields["Version"]
	return meta, nil
}
