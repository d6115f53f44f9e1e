// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package install

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/juju/errors"
)

var osExecutable = os.Executable

// StartChild spawns a detached copy of the running executable to
// carry out the self-update for the verified artifact. The child gets
// its own session and no stdio; once started it is on its own and is
// never waited for.
func StartChild(artifactPath string) error {
	exe, err := osExecutable()
	if err != nil {
		return errors.Annotate(err, "locating running executable")
	}
	cmd := exec.Command(exe, "--self-update", artifactPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errors.Annotate(err, "starting self-update child")
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return errors.Annotatef(err, "releasing self-update child %d", pid)
	}
	logger.Infof("self-update child detached, pid %d", pid)
	return nil
}
