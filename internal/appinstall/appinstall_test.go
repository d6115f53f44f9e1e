// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package appinstall_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/pakd/internal/appinstall"
	"github.com/juju/pakd/internal/pakparams"
	"github.com/juju/pakd/internal/sysbus"
	"github.com/juju/pakd/internal/sysbus/sysbustesting"
	"github.com/juju/pakd/internal/testhelpers"
)

type MediatorSuite struct {
	testhelpers.BaseSuite
}

var _ = gc.Suite(&MediatorSuite{})

type installResult struct {
	pkg string
	err error
}

// newMediator wires a Mediator to one end of a pipe bus and hands the
// test the installer's end.
func (s *MediatorSuite) newMediator(c *gc.C) (*appinstall.Mediator, *sysbustesting.Peer) {
	conn, peer := sysbustesting.NewConnWithPeer(c)
	s.AddCleanup(func(c *gc.C) {
		workertest.DirtyKill(c, conn)
	})
	mediator, err := appinstall.New(appinstall.Config{
		Caller:           conn,
		InstallerService: "com.pak.appinstalld",
	})
	c.Assert(err, jc.ErrorIsNil)
	return mediator, peer
}

func (s *MediatorSuite) install(mediator *appinstall.Mediator, id, artifactPath string, notify func(string)) chan installResult {
	done := make(chan installResult, 1)
	go func() {
		pkg, err := mediator.Install(context.Background(), id, artifactPath, notify)
		done <- installResult{pkg: pkg, err: err}
	}()
	return done
}

func (s *MediatorSuite) TestValidateConfig(c *gc.C) {
	_, err := appinstall.New(appinstall.Config{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	c.Check(err, gc.ErrorMatches, "nil Caller not valid")

	conn, _ := sysbustesting.NewConnWithPeer(c)
	s.AddCleanup(func(c *gc.C) {
		workertest.DirtyKill(c, conn)
	})
	_, err = appinstall.New(appinstall.Config{Caller: conn})
	c.Check(err, gc.ErrorMatches, "empty InstallerService not valid")
}

func (s *MediatorSuite) TestInstallSuccess(c *gc.C) {
	mediator, peer := s.newMediator(c)

	var states []string
	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", func(state string) {
		states = append(states, state)
	})

	m := peer.Next()
	c.Check(m.Type, gc.Equals, sysbus.TypeCall)
	c.Check(m.URI, gc.Equals, "sysbus://com.pak.appinstalld/install")
	var req pakparams.InstallerRequest
	peer.Decode(m, &req)
	c.Check(req, gc.DeepEquals, pakparams.InstallerRequest{
		ID:           "com.example.app",
		ArtifactPath: "/tmp/app.ipk",
		Subscribe:    true,
	})

	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": true,
		"details":     map[string]interface{}{"state": "installing"},
	}, false)
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusInstalled,
		"details":     map[string]interface{}{"packageId": "com.example.app.1"},
	}, false)

	result := waitResult(c, done)
	c.Assert(result.err, jc.ErrorIsNil)
	c.Check(result.pkg, gc.Equals, "com.example.app.1")
	c.Check(states, gc.DeepEquals, []string{"installing"})

	// The terminal status arrived on a live stream, so the mediator
	// releases its subscription with a single cancel frame.
	cancel := peer.Next()
	c.Check(cancel.Type, gc.Equals, sysbus.TypeCancel)
	c.Check(cancel.Token, gc.Equals, m.Token)
	peer.ExpectNone()
}

func (s *MediatorSuite) TestInstallTerminalOnFinalFrame(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusInstalled,
		"details":     map[string]interface{}{"packageId": "com.example.app.1"},
	}, true)

	result := waitResult(c, done)
	c.Assert(result.err, jc.ErrorIsNil)
	c.Check(result.pkg, gc.Equals, "com.example.app.1")

	// The final frame already retired the exchange; no cancel frame
	// follows.
	peer.ExpectNone()
}

func (s *MediatorSuite) TestInstallPackageIDFallback(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusInstalled,
	}, true)

	result := waitResult(c, done)
	c.Assert(result.err, jc.ErrorIsNil)
	c.Check(result.pkg, gc.Equals, "com.example.app")
}

func (s *MediatorSuite) TestInstallRejectedFlat(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": false,
		"errorCode":   7,
		"errorText":   "not enough storage",
	}, true)

	result := waitResult(c, done)
	c.Assert(result.err, jc.Satisfies, appinstall.IsRejected)
	c.Check(result.err, gc.ErrorMatches, "installer rejected request: not enough storage \\(code 7\\)")
	rejected := errors.Cause(result.err).(*appinstall.RejectedError)
	c.Check(rejected.Code, gc.Equals, 7)
	c.Check(rejected.Text, gc.Equals, "not enough storage")
}

func (s *MediatorSuite) TestInstallRejectedDetails(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": true,
		"details": map[string]interface{}{
			"errorCode": 9,
			"reason":    "signature verification failed",
		},
	}, true)

	result := waitResult(c, done)
	c.Assert(result.err, jc.Satisfies, appinstall.IsRejected)
	rejected := errors.Cause(result.err).(*appinstall.RejectedError)
	c.Check(rejected.Code, gc.Equals, 9)
	c.Check(rejected.Text, gc.Equals, "signature verification failed")
}

func (s *MediatorSuite) TestInstallRejectionBeatsTerminalStatus(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": false,
		"errorCode":   3,
		"errorText":   "refused",
		"statusValue": pakparams.InstallerStatusInstalled,
	}, true)

	result := waitResult(c, done)
	c.Assert(result.err, jc.Satisfies, appinstall.IsRejected)
	c.Check(result.pkg, gc.Equals, "")
}

func (s *MediatorSuite) TestInstallProgressStates(c *gc.C) {
	mediator, peer := s.newMediator(c)

	var states []string
	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", func(state string) {
		states = append(states, state)
	})

	m := peer.Next()
	// An acknowledgement with a non-terminal status is progress, not
	// an outcome. Without a details state the raw status number is
	// reported.
	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": true,
		"statusValue": 10,
	}, false)
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": 20,
		"details":     map[string]interface{}{"state": "verifying"},
	}, false)
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusInstalled,
	}, true)

	result := waitResult(c, done)
	c.Assert(result.err, jc.ErrorIsNil)
	c.Check(states, gc.DeepEquals, []string{"status 10", "verifying"})
}

func (s *MediatorSuite) TestInstallSkipsUndecodableStatus(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": "not a bool",
	}, false)
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusInstalled,
	}, false)

	result := waitResult(c, done)
	c.Assert(result.err, jc.ErrorIsNil)
	c.Check(result.pkg, gc.Equals, "com.example.app")
}

func (s *MediatorSuite) TestInstallCancelledExternally(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Cancel(m.Token)

	result := waitResult(c, done)
	c.Check(errors.Cause(result.err), gc.Equals, appinstall.ErrCancelled)
}

func (s *MediatorSuite) TestInstallStreamEndsWithoutTerminal(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := s.install(mediator, "com.example.app", "/tmp/app.ipk", nil)

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": true,
	}, true)

	result := waitResult(c, done)
	c.Check(errors.Cause(result.err), gc.Equals, appinstall.ErrCancelled)
}

func (s *MediatorSuite) TestRemoveSuccess(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := make(chan error, 1)
	go func() {
		done <- mediator.Remove(context.Background(), "com.example.app")
	}()

	m := peer.Next()
	c.Check(m.URI, gc.Equals, "sysbus://com.pak.appinstalld/remove")
	var req pakparams.InstallerRequest
	peer.Decode(m, &req)
	c.Check(req, gc.DeepEquals, pakparams.InstallerRequest{
		ID:        "com.example.app",
		Subscribe: true,
	})

	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusRemoved,
	}, true)
	c.Assert(waitErr(c, done), jc.ErrorIsNil)
}

func (s *MediatorSuite) TestRemoveRejected(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := make(chan error, 1)
	go func() {
		done <- mediator.Remove(context.Background(), "com.example.app")
	}()

	m := peer.Next()
	peer.Reply(m.Token, map[string]interface{}{
		"returnValue": false,
		"errorCode":   12,
		"errorText":   "package not installed",
	}, true)

	err := waitErr(c, done)
	c.Assert(err, jc.Satisfies, appinstall.IsRejected)
	c.Check(err, gc.ErrorMatches, "installer rejected request: package not installed \\(code 12\\)")
}

func (s *MediatorSuite) TestRemoveIgnoresInstallTerminal(c *gc.C) {
	mediator, peer := s.newMediator(c)

	done := make(chan error, 1)
	go func() {
		done <- mediator.Remove(context.Background(), "com.example.app")
	}()

	m := peer.Next()
	// The install terminal status is progress on a remove stream.
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusInstalled,
	}, false)
	peer.Reply(m.Token, map[string]interface{}{
		"statusValue": pakparams.InstallerStatusRemoved,
	}, true)

	c.Assert(waitErr(c, done), jc.ErrorIsNil)
}

func waitResult(c *gc.C, ch <-chan installResult) installResult {
	select {
	case result := <-ch:
		return result
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for mediator")
	}
	panic("unreachable")
}

func waitErr(c *gc.C, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(testhelpers.LongWait):
		c.Fatal("timed out waiting for mediator")
	}
	panic("unreachable")
}
