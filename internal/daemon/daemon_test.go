// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package daemon_test

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/juju/pakd/internal/daemon"
	"github.com/juju/pakd/internal/pakparams"
	"github.com/juju/pakd/internal/sysbus"
	"github.com/juju/pakd/internal/sysbus/sysbustesting"
	"github.com/juju/pakd/internal/testhelpers"
)

const startupScriptPayload = "#!/bin/sh\nstart() { :; }\n"

type DaemonSuite struct {
	testhelpers.BaseSuite

	cfg   daemon.Config
	clock *testclock.Clock
	euid  int
}

var _ = gc.Suite(&DaemonSuite{})

func (s *DaemonSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Time{})
	s.euid = 0

	source := filepath.Join(c.MkDir(), "S90pakd")
	err := os.WriteFile(source, []byte(startupScriptPayload), 0755)
	c.Assert(err, jc.ErrorIsNil)

	s.cfg = daemon.Config{
		ServiceName:            "com.pak.pakd",
		RunningPackageID:       "com.pak.pakd",
		PublicSocket:           filepath.Join(c.MkDir(), "pub.sock"),
		PrivilegedSocket:       filepath.Join(c.MkDir(), "priv.sock"),
		InstallerService:       "com.pak.appinstalld",
		NotificationService:    "com.pak.notifyd",
		DownloadDir:            c.MkDir(),
		ElevationHelper:        "/usr/sbin/pak-elevate",
		StartupScript:          filepath.Join(c.MkDir(), "S90pakd"),
		StartupScriptSource:    source,
		FlagDir:                c.MkDir(),
		MarkerDir:              c.MkDir(),
		IdleTimeoutSeconds:     120,
		WinddownTimeoutSeconds: 5,
		LogLevel:               "INFO",
	}
}

// startDaemon runs a daemon against a peer standing in for the bus
// hub, and answers its registration.
func (s *DaemonSuite) startDaemon(c *gc.C) (*daemon.Daemon, *sysbustesting.Peer) {
	conn, peer := sysbustesting.NewConnWithPeer(c)
	w, err := daemon.NewWorker(daemon.WorkerConfig{
		Config:  s.cfg,
		Clock:   s.clock,
		Dial:    func(ctx context.Context) (*sysbus.Conn, error) { return conn, nil },
		Version: "1.4.0",
		Euid:    func() int { return s.euid },
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.DirtyKill(c, w) })

	m := peer.Next()
	c.Assert(m.Type, gc.Equals, sysbus.TypeRegister)
	c.Assert(m.URI, gc.Equals, s.cfg.ServiceName)
	peer.Reply(m.Token, map[string]interface{}{"returnValue": true}, true)
	return w, peer
}

func (s *DaemonSuite) uri(method string) string {
	return sysbus.MethodURI(s.cfg.ServiceName, method)
}

func (s *DaemonSuite) call(peer *sysbustesting.Peer, token, method string, payload interface{}) *sysbus.Message {
	peer.Call(token, s.uri(method), payload)
	return peer.Next()
}

// serveArtifact publishes content over HTTP and returns its URL.
func (s *DaemonSuite) serveArtifact(c *gc.C, name string, content []byte) string {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	})
	srv := httptest.NewServer(mux)
	s.AddCleanup(func(c *gc.C) { srv.Close() })
	return srv.URL + "/" + name
}

func (s *DaemonSuite) TestValidateWorkerConfig(c *gc.C) {
	valid := daemon.WorkerConfig{
		Config:  s.cfg,
		Clock:   s.clock,
		Dial:    func(ctx context.Context) (*sysbus.Conn, error) { return nil, nil },
		Version: "1.4.0",
		Euid:    os.Geteuid,
	}
	tests := []struct {
		f      func(*daemon.WorkerConfig)
		expect string
	}{{
		func(cfg *daemon.WorkerConfig) { cfg.Config.ServiceName = "" },
		"empty service-name not valid",
	}, {
		func(cfg *daemon.WorkerConfig) { cfg.Clock = nil },
		"nil Clock not valid",
	}, {
		func(cfg *daemon.WorkerConfig) { cfg.Dial = nil },
		"nil Dial not valid",
	}, {
		func(cfg *daemon.WorkerConfig) { cfg.Version = "" },
		"empty Version not valid",
	}, {
		func(cfg *daemon.WorkerConfig) { cfg.Euid = nil },
		"nil Euid not valid",
	}}
	for i, test := range tests {
		c.Logf("test %d", i)
		config := valid
		test.f(&config)
		w, err := daemon.NewWorker(config)
		c.Check(w, gc.IsNil)
		c.Check(err, gc.ErrorMatches, test.expect)
	}
}

func (s *DaemonSuite) TestCheckRoot(c *gc.C) {
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "checkRoot", nil)
	c.Check(m.Final, jc.IsTrue)
	var resp pakparams.CheckRootResponse
	peer.Decode(m, &resp)
	c.Check(resp.Root, jc.IsTrue)
	c.Check(resp.Version, gc.Equals, "1.4.0")
}

func (s *DaemonSuite) TestUnknownMethod(c *gc.C) {
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "teleport", nil)
	c.Check(m.Final, jc.IsTrue)
	var fail pakparams.Error
	peer.Decode(m, &fail)
	c.Check(fail.Message, gc.Equals, `unknown method "teleport"`)
}

func (s *DaemonSuite) TestSetAndGetConfigs(c *gc.C) {
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "setConfigs", pakparams.SetConfigsRequest{
		Configs: map[string]string{"tone": "loud"},
	})
	var ack pakparams.Ack
	peer.Decode(m, &ack)
	c.Check(ack.OK, jc.IsTrue)

	m = s.call(peer, "t2", "getConfigs", pakparams.GetConfigsRequest{
		ConfigNames: []string{"tone", "absent"},
	})
	var resp pakparams.GetConfigsResponse
	peer.Decode(m, &resp)
	c.Check(resp.Configs, jc.DeepEquals, map[string]string{"tone": "loud"})
	c.Check(resp.Missing, jc.DeepEquals, []string{"absent"})
}

func (s *DaemonSuite) TestLogLevelFlagApplied(c *gc.C) {
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "setConfigs", pakparams.SetConfigsRequest{
		Configs: map[string]string{"logLevel": "DEBUG"},
	})
	var ack pakparams.Ack
	peer.Decode(m, &ack)
	c.Assert(ack.OK, jc.IsTrue)

	// The flag watcher picks the write up asynchronously.
	timeout := time.After(testhelpers.LongWait)
	for loggo.GetLogger("pakd").LogLevel() != loggo.DEBUG {
		select {
		case <-timeout:
			c.Fatalf("log level never applied, still %s", loggo.GetLogger("pakd").LogLevel())
		case <-time.After(testhelpers.ShortWait):
		}
	}
}

func (s *DaemonSuite) TestExec(c *gc.C) {
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "exec", pakparams.ExecRequest{Command: "echo hello from exec"})
	c.Check(m.Final, jc.IsTrue)
	var resp pakparams.ExecResponse
	peer.Decode(m, &resp)
	c.Check(resp.ExitCode, gc.Equals, 0)
	c.Check(resp.Stdout, gc.Equals, "hello from exec\n")
	c.Check(resp.Stderr, gc.Equals, "")
}

func (s *DaemonSuite) TestSpawn(c *gc.C) {
	_, peer := s.startDaemon(c)

	peer.Call("t1", s.uri("spawn"), pakparams.SpawnRequest{
		Command: `sh -c "echo spawned; exit 4"`,
	})

	var event pakparams.SpawnEvent
	first := peer.Next()
	c.Check(first.Final, jc.IsFalse)
	peer.Decode(first, &event)
	c.Check(event.Event, gc.Equals, pakparams.SpawnEventStdout)
	c.Check(event.Data, gc.Equals, "spawned")

	last := peer.Next()
	c.Check(last.Final, jc.IsTrue)
	peer.Decode(last, &event)
	c.Check(event.Event, gc.Equals, pakparams.SpawnEventClosed)
	c.Assert(event.ExitCode, gc.NotNil)
	c.Check(*event.ExitCode, gc.Equals, 4)
}

func (s *DaemonSuite) TestRemove(c *gc.C) {
	_, peer := s.startDaemon(c)

	peer.Call("t1", s.uri("remove"), pakparams.RemoveRequest{ID: "com.example.app"})

	submit := peer.Next()
	c.Assert(submit.Type, gc.Equals, sysbus.TypeCall)
	c.Check(submit.URI, gc.Equals, "sysbus://com.pak.appinstalld/remove")
	var req pakparams.InstallerRequest
	peer.Decode(submit, &req)
	c.Check(req.ID, gc.Equals, "com.example.app")
	peer.Reply(submit.Token, map[string]interface{}{"statusValue": 31}, true)

	final := peer.Next()
	c.Check(final.Final, jc.IsTrue)
	var status pakparams.InstallStatus
	peer.Decode(final, &status)
	c.Check(status.StatusText, gc.Equals, "Removed com.example.app")
	c.Check(status.Finished, jc.IsTrue)
}

func (s *DaemonSuite) TestInstall(c *gc.C) {
	_, peer := s.startDaemon(c)

	artifact := []byte("pak artifact payload")
	url := s.serveArtifact(c, "com.example.app.ipk", artifact)

	peer.Call("t1", s.uri("install"), pakparams.InstallRequest{
		IpkURL:    url,
		IpkHash:   fmt.Sprintf("%x", sha256.Sum256(artifact)),
		Subscribe: true,
	})

	// Status replies stream on the request token until the verified
	// artifact is submitted to the installer service.
	var statuses []string
	var submit *sysbus.Message
	for submit == nil {
		m := peer.Next()
		if m.Type == sysbus.TypeCall {
			submit = m
			continue
		}
		c.Assert(m.Type, gc.Equals, sysbus.TypeReply)
		c.Assert(m.Final, jc.IsFalse)
		var status pakparams.InstallStatus
		peer.Decode(m, &status)
		statuses = append(statuses, status.StatusText)
	}
	var seen []string
	for _, text := range statuses {
		if len(seen) == 0 || seen[len(seen)-1] != text {
			seen = append(seen, text)
		}
	}
	c.Check(seen, jc.DeepEquals, []string{"Downloading", "Verifying", "Installing"})

	c.Check(submit.URI, gc.Equals, "sysbus://com.pak.appinstalld/install")
	var req pakparams.InstallerRequest
	peer.Decode(submit, &req)
	c.Check(req.ID, gc.Equals, "com.example.app")
	c.Check(req.Subscribe, jc.IsTrue)
	c.Check(req.ArtifactPath, jc.HasPrefix, s.cfg.DownloadDir+"/")
	data, err := os.ReadFile(req.ArtifactPath)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, gc.DeepEquals, artifact)

	peer.Reply(submit.Token, map[string]interface{}{
		"details": map[string]interface{}{"state": "installing"},
	}, false)
	peer.Reply(submit.Token, map[string]interface{}{
		"statusValue": 30,
		"details":     map[string]interface{}{"packageId": "com.example.app"},
	}, true)

	var status pakparams.InstallStatus
	m := peer.Next()
	c.Check(m.Final, jc.IsFalse)
	peer.Decode(m, &status)
	c.Check(status.StatusText, gc.Equals, "installing")

	final := peer.Next()
	c.Check(final.Final, jc.IsTrue)
	peer.Decode(final, &status)
	c.Check(status.StatusText, gc.Equals, "Installed com.example.app")
	c.Check(status.Finished, jc.IsTrue)

	// The artifact is cleaned up once the installer is done with it.
	_, err = os.Stat(req.ArtifactPath)
	c.Check(err, jc.Satisfies, os.IsNotExist)
}

func (s *DaemonSuite) TestInstallChecksumMismatch(c *gc.C) {
	_, peer := s.startDaemon(c)

	url := s.serveArtifact(c, "com.example.app.ipk", []byte("tampered payload"))
	peer.Call("t1", s.uri("install"), pakparams.InstallRequest{
		IpkURL:  url,
		IpkHash: strings.Repeat("0", 64),
	})

	m := peer.Next()
	c.Check(m.Final, jc.IsTrue)
	var fail pakparams.Error
	peer.Decode(m, &fail)
	c.Check(fail.Message, gc.Matches, `checksum mismatch for ".*": expected 0{64}, actual [0-9a-f]{64}`)
	peer.ExpectNone()

	entries, err := os.ReadDir(s.cfg.DownloadDir)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entries, gc.HasLen, 0)
}

func (s *DaemonSuite) TestInstallFetchFailure(c *gc.C) {
	_, peer := s.startDaemon(c)

	url := s.serveArtifact(c, "real.ipk", []byte("x"))
	peer.Call("t1", s.uri("install"), pakparams.InstallRequest{
		IpkURL:  strings.Replace(url, "real.ipk", "absent.ipk", 1),
		IpkHash: strings.Repeat("0", 64),
	})

	m := peer.Next()
	c.Check(m.Final, jc.IsTrue)
	var fail pakparams.Error
	peer.Decode(m, &fail)
	c.Check(fail.Message, gc.Matches, `cannot fetch ".*absent.ipk": bad response 404 Not Found`)
}

func (s *DaemonSuite) TestAutostart(c *gc.C) {
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "autostart", nil)
	var resp pakparams.AutostartResponse
	peer.Decode(m, &resp)
	c.Check(resp.Initialized, jc.IsTrue)
	c.Check(resp.Reason, gc.Equals, "")

	// Boot initialization seeds the logLevel flag from the config.
	m = s.call(peer, "t2", "getConfigs", pakparams.GetConfigsRequest{
		ConfigNames: []string{"logLevel"},
	})
	var configs pakparams.GetConfigsResponse
	peer.Decode(m, &configs)
	c.Check(configs.Configs, jc.DeepEquals, map[string]string{"logLevel": "INFO"})

	m = s.call(peer, "t3", "autostart", nil)
	peer.Decode(m, &resp)
	c.Check(resp.Initialized, jc.IsFalse)
	c.Check(resp.Reason, gc.Equals, "already initialized this boot")
}

func (s *DaemonSuite) TestUpdateStartupScript(c *gc.C) {
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "updateStartupScript", nil)
	var resp pakparams.UpdateStartupScriptResponse
	peer.Decode(m, &resp)
	c.Check(resp.Updated, jc.IsTrue)
	c.Check(resp.Reason, gc.Equals, "")

	data, err := os.ReadFile(s.cfg.StartupScript)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, startupScriptPayload)

	m = s.call(peer, "t2", "updateStartupScript", nil)
	peer.Decode(m, &resp)
	c.Check(resp.Updated, jc.IsFalse)
	c.Check(resp.Reason, gc.Equals, "already current")
}

func (s *DaemonSuite) TestUpdateStartupScriptUnrecognised(c *gc.C) {
	foreign := []byte("#!/bin/sh\nsomebody else's script\n")
	err := os.WriteFile(s.cfg.StartupScript, foreign, 0755)
	c.Assert(err, jc.ErrorIsNil)
	_, peer := s.startDaemon(c)

	m := s.call(peer, "t1", "updateStartupScript", nil)
	c.Check(m.Final, jc.IsTrue)
	var resp pakparams.UpdateStartupScriptResponse
	peer.Decode(m, &resp)
	c.Check(resp.Updated, jc.IsFalse)
	c.Check(resp.Reason, gc.Equals, "startup script not recognised")

	data, err := os.ReadFile(s.cfg.StartupScript)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data, gc.DeepEquals, foreign)
}

func (s *DaemonSuite) TestDebugSocket(c *gc.C) {
	s.cfg.DebugSocket = filepath.Join(c.MkDir(), "debug.sock")
	_, peer := s.startDaemon(c)

	// Counter series only appear once a request has been served.
	s.call(peer, "t1", "checkRoot", nil)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", s.cfg.DebugSocket)
			},
		},
	}
	resp, err := client.Get("http://localhost/metrics")
	c.Assert(err, jc.ErrorIsNil)
	defer func() { _ = resp.Body.Close() }()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), gc.Matches, `(?s).*pakd_requests_total\{method="checkRoot"\} 1.*`)
	c.Check(string(body), gc.Matches, `(?s).*go_goroutines.*`)
}

func (s *DaemonSuite) TestIdleExit(c *gc.C) {
	w, _ := s.startDaemon(c)

	err := s.clock.WaitAdvance(s.cfg.IdleTimeout(), testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	err = workertest.CheckKilled(c, w)
	c.Check(errors.Cause(err), gc.Equals, daemon.ErrIdle)
}

func (s *DaemonSuite) TestActivityDefersIdleExit(c *gc.C) {
	w, peer := s.startDaemon(c)

	err := s.clock.WaitAdvance(s.cfg.IdleTimeout()-time.Second, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	s.call(peer, "t1", "checkRoot", nil)
	// The activity event reaches the watchdog asynchronously.
	time.Sleep(testhelpers.ShortWait)

	err = s.clock.WaitAdvance(s.cfg.IdleTimeout()-time.Second, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	workertest.CheckAlive(c, w)

	err = s.clock.WaitAdvance(time.Second, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
	err = workertest.CheckKilled(c, w)
	c.Check(errors.Cause(err), gc.Equals, daemon.ErrIdle)
}
