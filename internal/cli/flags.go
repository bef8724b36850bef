package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/profile"
	"github.com/treykane/bgtunnel/internal/util"
)

// portValue is a pflag.Value for local ports. "auto" and 0 both mean pick a
// free port at open time.
type portValue int

func newPortValue(val int, p *int) *portValue {
	*p = val
	return (*portValue)(p)
}

func (v *portValue) Set(s string) error {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "auto") {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return fmt.Errorf("expected a port number or \"auto\"")
	}
	*v = portValue(n)
	return nil
}

func (v *portValue) Type() string { return "port" }

func (v *portValue) String() string {
	if *v == 0 {
		return "auto"
	}
	return strconv.Itoa(int(*v))
}

var _ pflag.Value = (*portValue)(nil)

// requestFlags holds the flags shared by open, command and profile save.
type requestFlags struct {
	sshUser     string
	sshAddress  string
	sshPort     int
	bindAddress string
	bindPort    int
	hostAddress string
	hostPort    int
	identity    string
	noSudo      bool
	noHello     bool
	timeout     time.Duration
	options     []string
	sshPath     string
	strict      string
	profile     string
}

func addRequestFlags(fs *pflag.FlagSet, f *requestFlags) {
	fs.StringVarP(&f.sshUser, "ssh-user", "u", "", "remote login user")
	fs.StringVarP(&f.sshAddress, "ssh-address", "a", "", "ssh server address")
	fs.IntVarP(&f.sshPort, "ssh-port", "P", 0, "ssh server port (default 22)")
	fs.StringVarP(&f.bindAddress, "bind-address", "b", "", "local listen address (default 127.0.0.1)")
	fs.VarP(newPortValue(0, &f.bindPort), "bind-port", "B", "local listen port or \"auto\"")
	fs.StringVarP(&f.hostAddress, "host-address", "r", "", "forward target as seen from the ssh server (default 127.0.0.1)")
	fs.IntVarP(&f.hostPort, "host-port", "R", 0, "forward target port")
	fs.StringVarP(&f.identity, "identity-file", "i", "", "private key passed to ssh -i")
	fs.BoolVarP(&f.noSudo, "no-sudo", "n", false, "never run ssh through sudo, even for ports below 1024")
	fs.BoolVar(&f.noHello, "no-hello", false, "do not wait for the remote banner before reporting success")
	fs.DurationVar(&f.timeout, "timeout", 0, "how long to wait for the tunnel to validate (default from config)")
	fs.StringArrayVarP(&f.options, "option", "o", nil, "extra ssh argument, repeatable")
	fs.StringVar(&f.sshPath, "ssh-path", "", "ssh client binary (default from config)")
	fs.StringVar(&f.strict, "strict-host-key-checking", "", "StrictHostKeyChecking value: yes, no, accept-new, off or ask")
	fs.StringVar(&f.profile, "profile", "", "start from a saved profile; flags override its fields")
}

// request builds a tunnel request from a profile, the positional
// destination and the flags the user actually set, in that order. Without
// a profile the banner wait starts from expectHello.
func (f *requestFlags) request(cmd *cobra.Command, args []string, expectHello bool) (model.Request, error) {
	req := model.Request{SkipHello: !expectHello}
	if name := strings.TrimSpace(f.profile); name != "" {
		p, err := profile.Get(name)
		if err != nil {
			return req, err
		}
		req = p.Request
	}

	if len(args) > 0 {
		user, host, port, err := parseDestination(args[0])
		if err != nil {
			return req, err
		}
		req.SSHAddress = host
		if user != "" {
			req.SSHUser = user
		}
		if port != 0 {
			req.SSHPort = port
		}
	}

	fs := cmd.Flags()
	if fs.Changed("ssh-user") {
		req.SSHUser = f.sshUser
	}
	if fs.Changed("ssh-address") {
		req.SSHAddress = f.sshAddress
	}
	if fs.Changed("ssh-port") {
		req.SSHPort = f.sshPort
	}
	if fs.Changed("bind-address") {
		req.BindAddress = f.bindAddress
	}
	if fs.Changed("bind-port") {
		req.BindPort = f.bindPort
	}
	if fs.Changed("host-address") {
		req.HostAddress = f.hostAddress
	}
	if fs.Changed("host-port") {
		req.HostPort = f.hostPort
	}
	if fs.Changed("identity-file") {
		req.IdentityFile = f.identity
	}
	if fs.Changed("no-sudo") {
		req.DontSudo = f.noSudo
	}
	if fs.Changed("no-hello") {
		req.SkipHello = f.noHello
	}
	if fs.Changed("timeout") {
		req.Timeout = f.timeout
	}
	if fs.Changed("option") {
		req.Options = append(append([]string(nil), req.Options...), f.options...)
	}
	if fs.Changed("ssh-path") {
		req.SSHPath = f.sshPath
	}
	if fs.Changed("strict-host-key-checking") {
		req.StrictHostKeyChecking = f.strict
	}
	return req, nil
}

// parseDestination splits "[user@]host[:port]". IPv6 hosts with a port
// need brackets: "[::1]:2222".
func parseDestination(arg string) (user, host string, port int, err error) {
	s := strings.TrimSpace(arg)
	if s == "" {
		return "", "", 0, fmt.Errorf("empty destination")
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		user = s[:at]
		s = s[at+1:]
		if user == "" {
			return "", "", 0, fmt.Errorf("invalid destination %q: empty user", arg)
		}
	}

	switch {
	case strings.HasPrefix(s, "["):
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", 0, fmt.Errorf("invalid destination %q: missing ]", arg)
		}
		host = s[1:end]
		rest := s[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", "", 0, fmt.Errorf("invalid destination %q", arg)
			}
			if port, err = parsePort(rest[1:]); err != nil {
				return "", "", 0, fmt.Errorf("invalid destination %q: %w", arg, err)
			}
		}
	case strings.Count(s, ":") == 1:
		i := strings.Index(s, ":")
		host = s[:i]
		if port, err = parsePort(s[i+1:]); err != nil {
			return "", "", 0, fmt.Errorf("invalid destination %q: %w", arg, err)
		}
	default:
		host = s
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("invalid destination %q: empty host", arg)
	}
	return user, host, port, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if err := util.ValidatePort(n); err != nil {
		return 0, err
	}
	return n, nil
}
