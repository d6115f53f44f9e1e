// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package flagcfg stores small configuration flags as one file per
// key under a directory, the layout the platform's other services
// read them from.
package flagcfg

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"
)

var logger = loggo.GetLogger("pakd.flagcfg")

// Store reads and writes flag files under a single directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.NotValidf("empty directory")
	}
	return &Store{dir: dir}, nil
}

// Get reads the named flags. Names with no backing file are reported
// in missing, not as errors.
func (s *Store) Get(names []string) (configs map[string]string, missing []string, err error) {
	configs = make(map[string]string)
	for _, name := range names {
		if err := validName(name); err != nil {
			return nil, nil, errors.Trace(err)
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if os.IsNotExist(err) {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, nil, errors.Annotatef(err, "reading flag %q", name)
		}
		configs[name] = strings.TrimRight(string(data), "\n")
	}
	return configs, missing, nil
}

// Set writes the given flags, creating the directory as needed. Each
// file is replaced atomically so concurrent readers never observe a
// half-written value.
func (s *Store) Set(configs map[string]string) error {
	for name := range configs {
		if err := validName(name); err != nil {
			return errors.Trace(err)
		}
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Trace(err)
	}
	for name, value := range configs {
		path := filepath.Join(s.dir, name)
		if err := utils.AtomicWriteFile(path, []byte(value+"\n"), 0644); err != nil {
			return errors.Annotatef(err, "writing flag %q", name)
		}
		logger.Debugf("flag %q set", name)
	}
	return nil
}

// validName rejects names that would escape the store directory or
// collide with the atomic-write temp files.
func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return errors.NotValidf("flag name %q", name)
	}
	return nil
}
