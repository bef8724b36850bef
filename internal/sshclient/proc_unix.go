//go:build !windows

package sshclient

import (
	"os"
	"syscall"
)

func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// Terminate asks the child to exit with SIGTERM. The child leads its own
// session, so the whole process group is signalled first; that reaches ssh
// behind wrappers such as sudo or a shell script. If the group cannot be
// signalled the process itself is.
func Terminate(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group, falling back to the
// process alone.
func Kill(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

// Alive reports whether pid still exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}
