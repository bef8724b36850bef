// Package util provides common utility functions and constants used across
// bgtunnel. This package is intentionally kept dependency-free (no imports
// from other internal/* packages) so every other package can build on it.
package util

import "time"

const (
	// DefaultBindAddress is the local address ssh binds forwarded ports to
	// when the request does not name one. It is also where ephemeral ports
	// are allocated.
	DefaultBindAddress = "127.0.0.1"

	// DefaultHostAddress is the forward target as seen from the remote side.
	DefaultHostAddress = "127.0.0.1"

	// DefaultSSHPort is the port the remote sshd listens on.
	DefaultSSHPort = 22

	// DefaultValidationTimeout bounds how long Open waits for the remote
	// banner or a recognised error line before giving up.
	DefaultValidationTimeout = 60 * time.Second

	// DefaultConnectTimeout is passed to ssh as ConnectTimeout.
	DefaultConnectTimeout = 60 * time.Second

	// DefaultGracePeriod is how long Close waits after SIGTERM before it
	// escalates to SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// TunnelProbeTimeout is the maximum time allowed for a single TCP
	// health-check probe against a tunnel's local endpoint in Set.Snapshot.
	TunnelProbeTimeout = 500 * time.Millisecond

	// OutputTailLines is how many trailing lines of child output a tunnel
	// keeps for error messages and diagnostics.
	OutputTailLines = 20
)
