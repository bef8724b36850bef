package sshclient

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a started tunnel child.
//
// The caller (internal/tunnel) owns its lifecycle: it reads Stdout and
// Stderr until EOF, calls Cmd.Wait exactly once to reap the child, and
// calls Close when done to release launcher resources. Stderr is nil when
// the launcher merges both streams into Stdout.
type Process struct {
	Cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	closers []io.Closer
}

// PID returns the OS process id, or 0 if the process never started.
func (p *Process) PID() int {
	if p == nil || p.Cmd == nil || p.Cmd.Process == nil {
		return 0
	}
	return p.Cmd.Process.Pid
}

// Close releases the read ends of the output streams.
func (p *Process) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// LaunchError reports that the child could not be started at all, as
// opposed to a child that started and then failed.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Launcher starts tunnel processes.
type Launcher interface {
	Launch(argv []string) (*Process, error)
}

// PipeLauncher starts the child in its own session with stdout and stderr
// connected to pipes. Stdin is /dev/null.
type PipeLauncher struct {
	// Env, when non-nil, replaces the inherited environment.
	Env []string
}

// Launch implements Launcher.
func (l PipeLauncher) Launch(argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, &LaunchError{Err: errors.New("empty command")}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = detachedAttr()
	cmd.Env = l.Env

	// os.Pipe instead of cmd.StdoutPipe: Wait closes StdoutPipe readers as
	// soon as the child exits, which would drop its final error lines.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Path: argv[0], Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, &LaunchError{Path: argv[0], Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	// The child holds its own copies of the write ends now.
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		return nil, &LaunchError{Path: argv[0], Err: startErr}
	}
	return &Process{
		Cmd:     cmd,
		Stdout:  outR,
		Stderr:  errR,
		closers: []io.Closer{outR, errR},
	}, nil
}
