// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package install drives one package install request end to end:
// fetch the artifact, verify its digest, inspect its metadata, then
// either hand the system over to a detached self-update child or
// submit the artifact to the platform installer.
package install

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"

	"github.com/juju/pakd/internal/digest"
	"github.com/juju/pakd/internal/downloader"
	"github.com/juju/pakd/internal/ipk"
)

var logger = loggo.GetLogger("pakd.install")

// Fetcher streams a remote artifact to a local path.
type Fetcher interface {
	Download(ctx context.Context, req downloader.Request) error
}

// Mediator drives the external installer service to completion.
type Mediator interface {
	Install(ctx context.Context, id, artifactPath string, notify func(state string)) (string, error)
}

// Status is one intermediate progress report for an install request.
type Status struct {
	Text     string
	Progress *float64
}

// Request identifies the artifact one install request should fetch
// and verify.
type Request struct {
	// URL locates the artifact.
	URL string
	// Digest is the expected sha256 of the artifact, lowercase hex.
	Digest string
}

// Validate returns an error if the request cannot be processed.
func (req Request) Validate() error {
	if req.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if req.Digest == "" {
		return errors.NotValidf("empty digest")
	}
	return nil
}

// Config holds the dependencies and identity of a Pipeline.
type Config struct {
	// Fetcher downloads artifacts.
	Fetcher Fetcher
	// Mediator submits artifacts to the platform installer.
	Mediator Mediator
	// Inspect reads package metadata from an artifact.
	Inspect func(path string) (*ipk.Metadata, error)
	// Handoff starts the detached self-update child for an artifact.
	Handoff func(artifactPath string) error
	// DownloadDir receives fetched artifacts.
	DownloadDir string
	// RunningPackageID is the package id this daemon is installed as.
	RunningPackageID string
	// Elevated reports whether the process holds elevated privilege.
	Elevated func() bool
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Fetcher == nil {
		return errors.NotValidf("nil Fetcher")
	}
	if config.Mediator == nil {
		return errors.NotValidf("nil Mediator")
	}
	if config.Inspect == nil {
		return errors.NotValidf("nil Inspect")
	}
	if config.Handoff == nil {
		return errors.NotValidf("nil Handoff")
	}
	if config.DownloadDir == "" {
		return errors.NotValidf("empty DownloadDir")
	}
	if config.RunningPackageID == "" {
		return errors.NotValidf("empty RunningPackageID")
	}
	if config.Elevated == nil {
		return errors.NotValidf("nil Elevated")
	}
	return nil
}

// Pipeline runs install requests. Stages execute strictly in order
// and nothing is retried; retry policy belongs to the caller.
type Pipeline struct {
	config Config
}

// New returns a Pipeline with the supplied config.
func New(config Config) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Pipeline{config: config}, nil
}

const (
	statusDownloading = "Downloading"
	statusVerifying   = "Verifying"
	statusInstalling  = "Installing"
)

// Run processes one install request to its terminal outcome. The
// notify callback, which may be nil, receives intermediate status
// reports; exactly one outcome (or error) follows them. The fetched
// artifact is removed on every path except a successful handoff,
// where the child owns it from then on.
func (p *Pipeline) Run(ctx context.Context, req Request, notify func(Status)) (Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	send := func(s Status) {
		if notify != nil {
			notify(s)
		}
	}

	target := filepath.Join(p.config.DownloadDir, fmt.Sprintf("pak-%s.ipk", utils.MustNewUUID()))
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			logger.Warningf("cannot remove artifact %q: %v", target, err)
		}
	}()

	send(Status{Text: statusDownloading})
	err := p.config.Fetcher.Download(ctx, downloader.Request{
		URL:        req.URL,
		TargetPath: target,
		Progress: func(pr downloader.Progress) {
			pct := pr.Percentage
			send(Status{Text: statusDownloading, Progress: &pct})
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	send(Status{Text: statusVerifying})
	if err := digest.VerifyFile(target, req.Digest); err != nil {
		return nil, errors.Trace(err)
	}

	meta, err := p.config.Inspect(target)
	if err != nil {
		// Inspection failure is soft: without metadata the artifact
		// cannot be a self-update candidate, but it can still be
		// installed.
		logger.Warningf("cannot inspect %q: %v", target, err)
		meta = nil
	}

	if p.isSelfUpdate(meta) {
		logger.Infof("artifact updates the running package %q, handing off", p.config.RunningPackageID)
		if err := p.config.Handoff(target); err != nil {
			return nil, errors.Annotate(err, "starting self-update")
		}
		handedOff = true
		return SelfUpdateStarted{}, nil
	}

	send(Status{Text: statusInstalling})
	pkg, err := p.config.Mediator.Install(ctx, installID(meta, req.URL), target, func(state string) {
		send(Status{Text: state})
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("installed %q", pkg)
	return Installed{PackageID: pkg}, nil
}

// isSelfUpdate reports whether the inspected artifact replaces the
// running service. Both conditions are required: elevated privilege
// and a package id match.
func (p *Pipeline) isSelfUpdate(meta *ipk.Metadata) bool {
	if meta == nil || meta.Package == "" {
		return false
	}
	if !p.config.Elevated() {
		return false
	}
	return meta.Package == p.config.RunningPackageID
}

// installID picks the id submitted to the installer: the declared
// package id when metadata is available, else the artifact name from
// the source URL.
func installID(meta *ipk.Metadata, rawURL string) string {
	if meta != nil && meta.Package != "" {
		return meta.Package
	}
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}
