// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package downloader streams remote artifacts to local storage. A
// transfer reports progress at a bounded rate, observes cancellation,
// and never leaves a partial file behind on failure.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("pakd.downloader")

// FetchError reports a source that could not be fetched: the request
// itself failed, or the response status was not a success.
type FetchError struct {
	URL    string
	Status string
	Reason error
}

// Error is part of the error interface.
func (e *FetchError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("cannot fetch %q: bad response %s", e.URL, e.Status)
	}
	return fmt.Sprintf("cannot fetch %q: %v", e.URL, e.Reason)
}

// IsFetchError reports whether err was caused by a failed fetch.
func IsFetchError(err error) bool {
	_, ok := errors.Cause(err).(*FetchError)
	return ok
}

// WriteError reports a destination that could not be created or
// written.
type WriteError struct {
	Path string
	Err  error
}

// Error is part of the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("cannot write %q: %v", e.Path, e.Err)
}

// IsWriteError reports whether err was caused by a destination
// filesystem failure.
func IsWriteError(err error) bool {
	_, ok := errors.Cause(err).(*WriteError)
	return ok
}

// Progress is one snapshot of a transfer, delivered to the request's
// Progress callback.
type Progress struct {
	// BytesTotal is the expected size of the artifact, or -1 when the
	// source did not declare one.
	BytesTotal int64
	// BytesWritten is the byte count on disk so far.
	BytesWritten int64
	// Percentage is BytesWritten over BytesTotal, 0 while the total is
	// unknown. The final notification always reports 100.
	Percentage float64
}

// Request describes one artifact transfer.
type Request struct {
	// URL is the source to fetch.
	URL string
	// TargetPath is the file the artifact is written to. An existing
	// file is truncated.
	TargetPath string
	// Progress, if non-nil, is called synchronously with transfer
	// snapshots: once for the first chunk, then at most once per
	// progress interval, and always once more on completion.
	Progress func(Progress)
}

// Config holds the dependencies of a Downloader.
type Config struct {
	// Client issues the HTTP requests.
	Client *http.Client
	// Clock throttles progress notifications.
	Clock clock.Clock
	// ProgressInterval is the minimum gap between two intermediate
	// progress notifications.
	ProgressInterval time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.ProgressInterval <= 0 {
		return errors.NotValidf("non-positive ProgressInterval")
	}
	return nil
}

// Downloader fetches artifacts over HTTP.
type Downloader struct {
	config Config
}

// New returns a Downloader with the supplied config.
func New(config Config) (*Downloader, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Downloader{config: config}, nil
}

// Download streams req.URL to req.TargetPath. A cancelled context
// aborts the transfer and returns the context's error. On any failure
// the partial target file is removed.
func (d *Downloader) Download(ctx context.Context, req Request) (err error) {
	logger.Infof("downloading %s to %s", req.URL, req.TargetPath)

	httpReq, err := http.NewRequestWithContext(ctx, "GET", req.URL, nil)
	if err != nil {
		return errors.Trace(&FetchError{URL: req.URL, Reason: err})
	}
	resp, err := d.config.Client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
		return errors.Trace(&FetchError{URL: req.URL, Reason: err})
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Trace(&FetchError{URL: req.URL, Status: resp.Status})
	}

	file, err := os.Create(req.TargetPath)
	if err != nil {
		return errors.Trace(&WriteError{Path: req.TargetPath, Err: err})
	}
	defer func() {
		file.Close()
		if err == nil {
			return
		}
		if rerr := os.Remove(req.TargetPath); rerr != nil && !os.IsNotExist(rerr) {
			logger.Warningf("cannot remove partial download %q: %v", req.TargetPath, rerr)
		}
	}()

	written, err := d.copy(ctx, req, resp, file)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("downloaded %s (%s)", req.URL, humanize.Bytes(uint64(written)))
	return nil
}

func (d *Downloader) copy(ctx context.Context, req Request, resp *http.Response, file *os.File) (int64, error) {
	total := resp.ContentLength
	var written int64
	var lastNotify time.Time
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return written, errors.Trace(ctx.Err())
		default:
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return written, errors.Trace(&WriteError{Path: req.TargetPath, Err: werr})
			}
			written += int64(n)
			if req.Progress != nil {
				now := d.config.Clock.Now()
				if now.Sub(lastNotify) >= d.config.ProgressInterval {
					lastNotify = now
					req.Progress(progressAt(total, written, false))
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return written, errors.Trace(ctx.Err())
			}
			return written, errors.Trace(&FetchError{URL: req.URL, Reason: rerr})
		}
	}
	if req.Progress != nil {
		req.Progress(progressAt(total, written, true))
	}
	return written, nil
}

func progressAt(total, written int64, final bool) Progress {
	p := Progress{BytesTotal: total, BytesWritten: written}
	switch {
	case final:
		p.Percentage = 100
	case total > 0:
		p.Percentage = float64(written) / float64(total) * 100
	}
	return p
}
