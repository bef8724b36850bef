package model

import (
	"fmt"
	"time"
)

// Request describes one local port forward to be opened through the
// external ssh client. The zero value of every optional field selects
// the documented default.
type Request struct {
	SSHUser      string `yaml:"ssh_user,omitempty" json:"ssh_user,omitempty"`
	SSHAddress   string `yaml:"ssh_address" json:"ssh_address"`
	SSHPort      int    `yaml:"ssh_port,omitempty" json:"ssh_port,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty" json:"identity_file,omitempty"`

	// BindPort 0 asks for an ephemeral port.
	BindAddress string `yaml:"bind_address,omitempty" json:"bind_address,omitempty"`
	BindPort    int    `yaml:"bind_port,omitempty" json:"bind_port,omitempty"`

	// HostAddress is resolved on the far side of the connection.
	HostAddress string `yaml:"host_address,omitempty" json:"host_address,omitempty"`
	HostPort    int    `yaml:"host_port" json:"host_port"`

	// SkipHello returns from Open as soon as ssh is spawned instead of
	// waiting for the remote banner. The zero value validates.
	SkipHello bool `yaml:"skip_hello,omitempty" json:"skip_hello,omitempty"`

	Options               []string      `yaml:"options,omitempty" json:"options,omitempty"`
	Timeout               time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty"`
	SSHPath               string        `yaml:"ssh_path,omitempty" json:"ssh_path,omitempty"`
	DontSudo              bool          `yaml:"dont_sudo,omitempty" json:"dont_sudo,omitempty"`
	StrictHostKeyChecking string        `yaml:"strict_host_key_checking,omitempty" json:"strict_host_key_checking,omitempty"`
}

// Destination returns the ssh destination argument, user@host or host.
func (r Request) Destination() string {
	if r.SSHUser == "" {
		return r.SSHAddress
	}
	return r.SSHUser + "@" + r.SSHAddress
}

// ForwardString renders bind:port:host:port for display.
func (r Request) ForwardString() string {
	return fmt.Sprintf("%s:%d:%s:%d", r.BindAddress, r.BindPort, r.HostAddress, r.HostPort)
}

type TunnelState string

const (
	TunnelValidating TunnelState = "validating"
	TunnelActive     TunnelState = "active"
	TunnelClosed     TunnelState = "closed"
	TunnelFailed     TunnelState = "failed"
)

// TunnelRuntime is the persisted view of one tunnel, written to
// runtime.json and shown by the status command.
type TunnelRuntime struct {
	ID          string      `json:"id"`
	Destination string      `json:"destination"`
	Local       string      `json:"local"`
	Remote      string      `json:"remote"`
	PID         int         `json:"pid,omitempty"`
	State       TunnelState `json:"state"`
	StartedAt   time.Time   `json:"started_at"`
	UptimeSec   int64       `json:"uptime_seconds"`
	LatencyMS   int64       `json:"latency_ms"`
	LastError   string      `json:"last_error,omitempty"`
}
