package sshclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/util"
)

// DefaultBanner is the line the keep-alive remote command prints once the
// session is up.
const DefaultBanner = "bgtunnel: connection established"

// BuildOptions carries values BuildTunnelArgs needs but must not look up
// itself.
type BuildOptions struct {
	// Elevated is true when the caller already runs as root, so a
	// privileged bind port does not need the sudo wrapper.
	Elevated bool
	// Sudo is the privilege-escalation wrapper. Empty means "sudo".
	Sudo string
	// RemoteCommand runs on the far side to hold the session open. Empty
	// means no remote command is passed.
	RemoteCommand string
}

// KeepAliveCommand returns a POSIX shell command that prints banner and
// then sleeps until the session is torn down.
func KeepAliveCommand(banner string) string {
	return fmt.Sprintf("echo %s; while true; do sleep 3600; done", shellQuote(util.DefaultString(banner, DefaultBanner)))
}

// UseSudo reports whether the request needs the privilege wrapper.
func UseSudo(req model.Request, opts BuildOptions) bool {
	return util.IsPrivilegedPort(req.BindPort) && !req.DontSudo && !opts.Elevated
}

// BuildTunnelArgs constructs the full argv for a tunnel, starting with the
// program to execute. It has no side effects: the request must already have
// its ports resolved and its identity path normalised.
//
// Example output:
//
//	["ssh", "-o", "BatchMode=yes", ..., "-T", "-p", "22",
//	 "-L", "52011:127.0.0.1:5432", "deploy@db.internal", "echo ...; while ..."]
func BuildTunnelArgs(req model.Request, opts BuildOptions) []string {
	var argv []string
	if UseSudo(req, opts) {
		argv = append(argv, util.DefaultString(opts.Sudo, "sudo"))
	}

	sshPath := strings.Fields(req.SSHPath)
	if len(sshPath) == 0 {
		sshPath = []string{"ssh"}
	}
	argv = append(argv, sshPath...)

	argv = append(argv, optionArgs(req)...)
	if req.IdentityFile != "" {
		argv = append(argv, "-i", req.IdentityFile)
	}

	sshPort := req.SSHPort
	if sshPort == 0 {
		sshPort = util.DefaultSSHPort
	}
	argv = append(argv, "-T", "-p", strconv.Itoa(sshPort), "-L", ForwardSpec(req))
	argv = append(argv, req.Options...)
	argv = append(argv, req.Destination())
	if opts.RemoteCommand != "" {
		argv = append(argv, opts.RemoteCommand)
	}
	return argv
}

// ForwardSpec renders the -L argument. The bind address is only spelled out
// when it differs from ssh's own loopback default.
func ForwardSpec(req model.Request) string {
	remote := fmt.Sprintf("%d:%s:%d", req.BindPort, util.ForwardHost(util.NormalizeAddr(req.HostAddress, util.DefaultHostAddress)), req.HostPort)
	bind := util.NormalizeAddr(req.BindAddress, util.DefaultBindAddress)
	if bind == util.DefaultBindAddress {
		return remote
	}
	return util.ForwardHost(bind) + ":" + remote
}

func optionArgs(req model.Request) []string {
	connectTimeout := req.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = util.DefaultConnectTimeout
	}
	opts := []string{
		"BatchMode=yes",
		"ConnectionAttempts=1",
		"ConnectTimeout=" + strconv.Itoa(seconds(connectTimeout)),
		"ExitOnForwardFailure=yes",
	}
	if req.StrictHostKeyChecking != "" {
		opts = append(opts, "StrictHostKeyChecking="+req.StrictHostKeyChecking)
	}
	out := make([]string, 0, 2*len(opts))
	for _, o := range opts {
		out = append(out, "-o", o)
	}
	return out
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// CommandString renders argv as a single shell-quoted line for logs and the
// dry-run command.
func CommandString(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
