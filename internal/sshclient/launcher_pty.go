//go:build !windows

package sshclient

import (
	"errors"
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// PTYLauncher starts the child on a new pseudo-terminal. pty.Start makes
// the child a session leader with the pty as its controlling terminal, so
// it is detached from the caller's terminal just like PipeLauncher, but
// programs that insist on a tty (sudo with requiretty) still work. Both
// output streams arrive merged on Stdout.
type PTYLauncher struct {
	Env []string
}

// Launch implements Launcher.
func (l PTYLauncher) Launch(argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, &LaunchError{Err: errors.New("empty command")}
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = l.Env
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, &LaunchError{Path: argv[0], Err: err}
	}
	return &Process{Cmd: cmd, Stdout: f, closers: []io.Closer{f}}, nil
}
