// Package sshclient builds and launches tunnel processes for the system ssh
// binary.
//
// This package does NOT implement the SSH protocol. It shells out to the
// client named by the request (normally "ssh"), which means tunnels inherit
// the user's full SSH configuration (keys, agents, ProxyJump chains, known
// hosts) without reimplementing any of it.
//
// All arguments are passed via exec's argv, never through a local shell, so
// host names or options containing shell metacharacters cannot inject
// commands. The only string interpreted by a shell is the keep-alive command,
// and that runs on the remote side.
package sshclient

import (
	"fmt"
	"os/exec"
	"strings"
)

// EnsureBinary checks that the first word of path resolves to an executable,
// either as a path or via PATH lookup. An empty path checks "ssh".
//
// Call this early to give a clear error before any tunnel is attempted.
func EnsureBinary(path string) error {
	fields := strings.Fields(path)
	name := "ssh"
	if len(fields) > 0 {
		name = fields[0]
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s binary not found in PATH: %w", name, err)
	}
	return nil
}
