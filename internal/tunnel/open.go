package tunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/security"
	"github.com/treykane/bgtunnel/internal/sshclient"
	"github.com/treykane/bgtunnel/internal/util"
)

// Opener starts tunnels. The zero value is not usable; build one with
// NewOpener.
type Opener struct {
	logger        *slog.Logger
	launcher      sshclient.Launcher
	hooks         Hooks
	grace         time.Duration
	banner        string
	remoteCommand string
	remoteSet     bool
	sudo          string
	elevated      bool
	auditIdentity bool
}

// Option configures an Opener.
type Option func(*Opener)

// WithLogger sets the logger. Lifecycle events are logged at info, ssh
// output at debug.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Opener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLauncher replaces the default PipeLauncher.
func WithLauncher(l sshclient.Launcher) Option {
	return func(o *Opener) {
		if l != nil {
			o.launcher = l
		}
	}
}

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(o *Opener) { o.hooks = h }
}

// WithGracePeriod sets how long Close waits after the termination signal
// before killing the child.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Opener) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithBanner sets the line that confirms the session unless SkipHello is
// set. Unless WithRemoteCommand is also given, the keep-alive command is
// rebuilt to print it.
func WithBanner(banner string) Option {
	return func(o *Opener) {
		if b := strings.TrimSpace(banner); b != "" {
			o.banner = b
		}
	}
}

// WithRemoteCommand overrides the command run on the remote side. An empty
// command passes none, which only makes sense with SkipHello set.
func WithRemoteCommand(cmd string) Option {
	return func(o *Opener) {
		o.remoteCommand = cmd
		o.remoteSet = true
	}
}

// WithSudo sets the privilege-escalation wrapper used for ports below 1024.
func WithSudo(path string) Option {
	return func(o *Opener) {
		if p := strings.TrimSpace(path); p != "" {
			o.sudo = p
		}
	}
}

// WithElevated overrides root detection.
func WithElevated(elevated bool) Option {
	return func(o *Opener) { o.elevated = elevated }
}

// WithIdentityAudit controls whether the identity file is inspected before
// launch. Findings are logged as warnings and never fail Open.
func WithIdentityAudit(enabled bool) Option {
	return func(o *Opener) { o.auditIdentity = enabled }
}

// NewOpener returns an Opener with defaults applied, then opts.
func NewOpener(opts ...Option) *Opener {
	o := &Opener{
		logger:        slog.Default().With("component", "tunnel"),
		launcher:      sshclient.PipeLauncher{},
		grace:         util.DefaultGracePeriod,
		banner:        sshclient.DefaultBanner,
		elevated:      os.Geteuid() == 0,
		auditIdentity: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open starts a tunnel with a default Opener.
func Open(req model.Request, opts ...Option) (*Tunnel, error) {
	return NewOpener(opts...).Open(req)
}

// Open resolves the local port, spawns ssh and, unless req.SkipHello is
// set, blocks until the remote side printed the banner, reported a failure
// or req.Timeout elapsed. On any failure the child has been killed and
// reaped before Open returns.
func (o *Opener) Open(req model.Request) (*Tunnel, error) {
	req, err := prepare("open", req)
	if err != nil {
		return nil, err
	}

	if o.auditIdentity && req.IdentityFile != "" {
		for _, f := range security.AuditIdentityFile(req.IdentityFile) {
			o.logger.Warn("identity file check", "path", f.Target, "severity", f.Severity, "message", f.Message)
		}
	}

	build := o.buildOptions()
	argv := sshclient.BuildTunnelArgs(req, build)
	command := sshclient.CommandString(argv)
	id := RuntimeID(req)
	if sshclient.UseSudo(req, build) {
		o.logger.Warn("local port is privileged, running ssh through sudo; it may ask for a password", "port", req.BindPort)
	}
	o.logger.Debug("starting tunnel", "tunnel", id, "command", command)

	o.hooks.beforeStart(o.logger, StartInfo{ID: id, Request: req, Argv: append([]string(nil), argv...), Command: command})

	proc, err := o.launcher.Launch(argv)
	if err != nil {
		return nil, newError(ErrLaunch, "open", command, launchMessage(err), nil, err)
	}

	t := newTunnel(req, argv, proc, o.logger, o.grace, o.hooks)
	lines, pumpDone := pump(o.logger, proc.Stdout, proc.Stderr)
	go t.reap(pumpDone)

	outcome := Outcome{State: Succeeded}
	if !req.SkipHello {
		outcome = newValidator(o.banner, t.tail).run(lines, t.done, req.Timeout)
	}
	go t.drain(lines)

	if outcome.State == Succeeded {
		t.state.CompareAndSwap(model.TunnelValidating, model.TunnelActive)
		// reap may have run before the swap and found nothing to close.
		select {
		case <-t.done:
			t.state.Store(model.TunnelClosed)
		default:
		}
		o.logger.Info("tunnel open", "tunnel", id, "pid", t.PID(), "local", t.LocalAddr(), "remote", t.RemoteAddr())
		o.hooks.afterStart(o.logger, t)
		return t, nil
	}

	if kerr := t.kill(); kerr != nil {
		o.logger.Warn("failed to reap tunnel process after validation", "tunnel", id, "error", kerr)
	}
	t.closed.Store(true)
	t.state.Store(model.TunnelFailed)

	o.logger.Debug("tunnel validation failed", "tunnel", id, "state", outcome.State, "message", outcome.Message)
	msg := util.DefaultString(outcome.Message, "ssh reported a failure")
	return nil, newError(outcomeKind(outcome.State), "open", command, msg, t.Output(), nil)
}

// Command returns the argv Open would launch for req, without starting
// anything. An automatic local port is resolved to a concrete one.
func (o *Opener) Command(req model.Request) ([]string, error) {
	req, err := prepare("command", req)
	if err != nil {
		return nil, err
	}
	return sshclient.BuildTunnelArgs(req, o.buildOptions()), nil
}

func prepare(op string, req model.Request) (model.Request, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return req, newError(ErrInvalidRequest, op, "", err.Error(), nil, nil)
	}
	port, err := util.ResolvePort(req.BindPort)
	if err != nil {
		return req, newError(ErrResource, op, "", "allocate local port", nil, err)
	}
	req.BindPort = port
	return req, nil
}

func (o *Opener) buildOptions() sshclient.BuildOptions {
	return sshclient.BuildOptions{
		Elevated:      o.elevated,
		Sudo:          o.sudo,
		RemoteCommand: o.remote(),
	}
}

func (o *Opener) remote() string {
	if o.remoteSet {
		return o.remoteCommand
	}
	return sshclient.KeepAliveCommand(o.banner)
}

func outcomeKind(s ValidationState) error {
	switch s {
	case AuthFailed:
		return ErrAuthentication
	case TimedOut:
		return ErrValidationTimeout
	default:
		return ErrConnectivity
	}
}

func launchMessage(err error) string {
	var le *sshclient.LaunchError
	if errors.As(err, &le) && le.Path != "" {
		return fmt.Sprintf("cannot run %s", le.Path)
	}
	return "cannot run ssh client"
}

var hostKeyPolicies = map[string]bool{
	"":           true,
	"yes":        true,
	"no":         true,
	"accept-new": true,
	"off":        true,
	"ask":        true,
}

// normalizeRequest applies defaults and rejects invalid values. It never
// touches the network.
func normalizeRequest(req model.Request) (model.Request, error) {
	req.SSHAddress = strings.TrimSpace(req.SSHAddress)
	req.SSHUser = strings.TrimSpace(req.SSHUser)
	if req.SSHAddress == "" {
		return req, errors.New("ssh address is required")
	}
	if strings.ContainsAny(req.SSHAddress, " \t@") {
		return req, fmt.Errorf("invalid ssh address %q", req.SSHAddress)
	}
	if req.SSHPort == 0 {
		req.SSHPort = util.DefaultSSHPort
	}
	if err := util.ValidatePort(req.SSHPort); err != nil {
		return req, fmt.Errorf("ssh port: %w", err)
	}
	if err := util.ValidatePort(req.HostPort); err != nil {
		return req, fmt.Errorf("host port: %w", err)
	}
	if req.BindPort != 0 {
		if err := util.ValidatePort(req.BindPort); err != nil {
			return req, fmt.Errorf("bind port: %w", err)
		}
	}
	req.BindAddress = util.NormalizeAddr(req.BindAddress, util.DefaultBindAddress)
	req.HostAddress = util.NormalizeAddr(req.HostAddress, util.DefaultHostAddress)

	if req.IdentityFile != "" {
		p, err := util.ExpandPath(req.IdentityFile)
		if err != nil {
			return req, fmt.Errorf("identity file: %w", err)
		}
		req.IdentityFile = p
	}

	req.StrictHostKeyChecking = strings.ToLower(strings.TrimSpace(req.StrictHostKeyChecking))
	if !hostKeyPolicies[req.StrictHostKeyChecking] {
		return req, fmt.Errorf("invalid strict host key checking value %q", req.StrictHostKeyChecking)
	}

	if req.Timeout <= 0 {
		req.Timeout = util.DefaultValidationTimeout
	}
	if req.ConnectTimeout <= 0 {
		req.ConnectTimeout = util.DefaultConnectTimeout
	}
	req.SSHPath = strings.TrimSpace(req.SSHPath)
	if req.SSHPath == "" {
		req.SSHPath = "ssh"
	}
	req.Options = append([]string(nil), req.Options...)
	return req, nil
}
