// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package shell backs the daemon's exec and spawn bus methods:
// one-shot command execution with collected output, and spawned
// processes with line-by-line streamed output.
package shell

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	utilexec "github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"
)

var logger = loggo.GetLogger("pakd.shell")

// Runner executes one-shot commands through the system shell,
// collecting their full output.
type Runner struct{}

// Run executes commands and returns the collected result. A non-zero
// exit status is reported in the response, not as an error.
func (Runner) Run(commands string) (*utilexec.ExecResponse, error) {
	if commands == "" {
		return nil, errors.NotValidf("empty command")
	}
	logger.Debugf("running %q", commands)
	result, err := utilexec.RunCommands(utilexec.RunParams{
		Commands: commands,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return result, nil
}

// Spawner starts processes and streams their output as it appears.
type Spawner struct{}

// Spawn splits command shell-style, runs it, and calls emit with each
// line of output as it arrives, tagged "stdout" or "stderr". Emit
// calls are serialized. Spawn returns the process exit code once both
// streams are drained; a non-zero exit is not an error. Cancelling
// ctx kills the process.
func (Spawner) Spawn(ctx context.Context, command string, emit func(stream, data string)) (int, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return 0, errors.Annotate(err, "parsing command")
	}
	if len(args) == 0 {
		return 0, errors.NotValidf("empty command")
	}
	logger.Debugf("spawning %q", args)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errors.Trace(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := cmd.Start(); err != nil {
		return 0, errors.Annotatef(err, "starting %q", args[0])
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	stream := func(name string, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			mu.Lock()
			emit(name, scanner.Text())
			mu.Unlock()
		}
	}
	wg.Add(2)
	go stream("stdout", stdout)
	go stream("stderr", stderr)
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return 0, errors.Trace(ctx.Err())
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 0, errors.Trace(err)
	}
	return 0, nil
}
