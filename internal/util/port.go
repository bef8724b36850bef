package util

import (
	"fmt"
	"net"
)

const (
	MinPort = 1
	MaxPort = 65535

	// PrivilegedPortLimit is the first port an unprivileged user may bind.
	PrivilegedPortLimit = 1024
)

// ValidatePort checks if port is in valid range (1-65535).
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// IsPrivilegedPort reports whether binding port normally needs root.
func IsPrivilegedPort(port int) bool {
	return port > 0 && port < PrivilegedPortLimit
}

// ResolvePort returns requested unchanged when it is non-zero, after a
// range check. Zero asks the OS for a free ephemeral port on the loopback
// interface. A requested port is not probed for availability: a port that
// is taken surfaces later when ssh fails to bind it.
func ResolvePort(requested int) (int, error) {
	if requested != 0 {
		if err := ValidatePort(requested); err != nil {
			return 0, err
		}
		return requested, nil
	}
	return FreePort(DefaultBindAddress)
}

// FreePort binds addr:0, reads back the assigned port and releases it.
func FreePort(addr string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(NormalizeAddr(addr, DefaultBindAddress), "0"))
	if err != nil {
		return 0, fmt.Errorf("allocate ephemeral port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, fmt.Errorf("release ephemeral port %d: %w", port, err)
	}
	return port, nil
}
