//go:build !windows

// Tests in this file drive Open end to end with a stand-in ssh client: a
// small /bin/sh script passed through Request.SSHPath. The script ignores
// its arguments and prints whatever the test needs (the banner, an ssh
// error line, nothing at all) before sleeping, so every lifecycle path can
// be exercised without network access or an sshd.
package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/security"
	"github.com/treykane/bgtunnel/internal/sshclient"
)

const testBanner = "fake-ready"

// fakeSSH writes body to an executable script and returns an SSHPath value
// that runs it.
func fakeSSH(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ssh.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write fake ssh: %v", err)
	}
	return "/bin/sh " + path
}

func testRequest(sshPath string) model.Request {
	return model.Request{
		SSHAddress: "db.internal",
		SSHUser:    "deploy",
		HostPort:   5432,
		Timeout:    5 * time.Second,
		SSHPath:    sshPath,
	}
}

// recordingLauncher remembers every process it started so tests can check
// they were reaped even when Open returned no handle.
type recordingLauncher struct {
	mu    sync.Mutex
	inner sshclient.Launcher
	procs []*sshclient.Process
}

func (l *recordingLauncher) Launch(argv []string) (*sshclient.Process, error) {
	p, err := l.inner.Launch(argv)
	if err == nil {
		l.mu.Lock()
		l.procs = append(l.procs, p)
		l.mu.Unlock()
	}
	return p, err
}

func (l *recordingLauncher) last(t *testing.T) *sshclient.Process {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		t.Fatal("launcher never started a process")
	}
	return l.procs[len(l.procs)-1]
}

func testOpener(opts ...Option) *Opener {
	base := []Option{
		WithBanner(testBanner),
		WithGracePeriod(2 * time.Second),
		WithElevated(true),
	}
	return NewOpener(append(base, opts...)...)
}

func assertReaped(t *testing.T, p *sshclient.Process) {
	t.Helper()
	if p.Cmd.ProcessState == nil {
		t.Fatalf("process %d was not reaped", p.PID())
	}
	if sshclient.Alive(p.PID()) {
		t.Fatalf("process %d still exists", p.PID())
	}
}

func TestOpenWithoutHelloReturnsActiveHandle(t *testing.T) {
	req := testRequest(fakeSSH(t, "exec sleep 30"))
	req.SkipHello = true

	start := time.Now()
	tun, err := testOpener().Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tun.Close()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Open without validation took %s", elapsed)
	}
	if !tun.Alive() {
		t.Fatal("expected tunnel to be alive")
	}
	if tun.State() != model.TunnelActive {
		t.Fatalf("expected active state, got %s", tun.State())
	}
	if tun.PID() <= 0 || !sshclient.Alive(tun.PID()) {
		t.Fatalf("expected running child, pid=%d", tun.PID())
	}
	if tun.LocalPort() == 0 {
		t.Fatal("expected an allocated local port")
	}
}

func TestOpenWaitsForBanner(t *testing.T) {
	req := testRequest(fakeSSH(t, "sleep 0.2\necho "+testBanner+"\nexec sleep 30"))

	start := time.Now()
	tun, err := testOpener().Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("Open returned before the banner: %s", elapsed)
	}
	if !tun.Alive() {
		t.Fatal("expected tunnel to be alive")
	}

	pid := tun.PID()
	closeStart := time.Now()
	if err := tun.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(closeStart); elapsed > 2*time.Second {
		t.Fatalf("Close exceeded grace period: %s", elapsed)
	}
	if tun.Alive() {
		t.Fatal("expected tunnel not alive after Close")
	}
	if sshclient.Alive(pid) {
		t.Fatalf("process %d still exists after Close", pid)
	}
	if tun.State() != model.TunnelClosed {
		t.Fatalf("expected closed state, got %s", tun.State())
	}
}

func TestOpenSeesBannerAfterLongLine(t *testing.T) {
	req := testRequest(fakeSSH(t, "head -c 70000 /dev/zero | tr '\\0' x\necho\necho "+testBanner+"\nexec sleep 30"))

	tun, err := testOpener().Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tun.Close()
	if tun.State() != model.TunnelActive {
		t.Fatalf("expected active state, got %s", tun.State())
	}
}

func TestPumpDrainsStreamAfterOverlongLine(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	long := strings.NewReader(strings.Repeat("x", maxOutputLine+10) + "\nafter\n")
	short := strings.NewReader("first\n")

	lines, done := pump(logger, long, short)
	var got []string
	for line := range lines {
		got = append(got, line)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not finish")
	}
	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("unexpected lines %q", got)
	}
	if long.Len() != 0 {
		t.Fatalf("%d bytes left unread", long.Len())
	}
}

func TestOpenValidatesByDefault(t *testing.T) {
	req := model.Request{
		SSHAddress: "db.internal",
		HostPort:   5432,
		Timeout:    5 * time.Second,
		SSHPath:    fakeSSH(t, "echo 'Permission denied (publickey).' >&2\nexec sleep 30"),
	}

	tun, err := testOpener().Open(req)
	if err == nil {
		tun.Close()
		t.Fatal("expected a request without SkipHello to be validated")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestOpenWithoutHelloChildAlreadyGone(t *testing.T) {
	req := testRequest(fakeSSH(t, "exit 0"))
	req.SkipHello = true

	tun, err := testOpener().Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tun.Close()

	select {
	case <-tun.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("child did not exit")
	}
	if tun.State() != model.TunnelClosed {
		t.Fatalf("expected closed state after child exit, got %s", tun.State())
	}
	if tun.Alive() {
		t.Fatal("expected tunnel not alive")
	}
}

func TestOpenAuthenticationFailure(t *testing.T) {
	launcher := &recordingLauncher{inner: sshclient.PipeLauncher{}}
	req := testRequest(fakeSSH(t, "echo 'deploy@db.internal: Permission denied (publickey).' >&2\nexec sleep 30"))

	tun, err := testOpener(WithLauncher(launcher)).Open(req)
	if err == nil {
		tun.Close()
		t.Fatal("expected authentication error")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if errors.Is(err, ErrConnectivity) {
		t.Fatalf("authentication error also matched ErrConnectivity: %v", err)
	}
	if !strings.Contains(err.Error(), "Permission denied") {
		t.Fatalf("expected ssh line in error, got %q", err.Error())
	}
	assertReaped(t, launcher.last(t))
}

func TestOpenValidationTimeout(t *testing.T) {
	launcher := &recordingLauncher{inner: sshclient.PipeLauncher{}}
	req := testRequest(fakeSSH(t, "exec sleep 30"))
	req.Timeout = time.Second

	start := time.Now()
	tun, err := testOpener(WithLauncher(launcher)).Open(req)
	if err == nil {
		tun.Close()
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrValidationTimeout) {
		t.Fatalf("expected ErrValidationTimeout, got %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < time.Second || elapsed > 4*time.Second {
		t.Fatalf("unexpected validation duration %s", elapsed)
	}
	assertReaped(t, launcher.last(t))
}

func TestOpenEarlyExitIsConnectivityError(t *testing.T) {
	launcher := &recordingLauncher{inner: sshclient.PipeLauncher{}}
	req := testRequest(fakeSSH(t, "echo 'something unexpected'\nexit 255"))

	_, err := testOpener(WithLauncher(launcher)).Open(req)
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity, got %v", err)
	}
	if !strings.Contains(err.Error(), "something unexpected") {
		t.Fatalf("expected last output line in error, got %q", err.Error())
	}
	if !strings.Contains(security.DebugMessage(err), "command: ") {
		t.Fatalf("expected command in debug detail, got %q", security.DebugMessage(err))
	}
	assertReaped(t, launcher.last(t))
}

func TestOpenRecognisesConnectionRefused(t *testing.T) {
	req := testRequest(fakeSSH(t, "echo 'ssh: connect to host db.internal port 22: Connection refused' >&2\nexec sleep 30"))

	_, err := testOpener().Open(req)
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("expected ErrConnectivity, got %v", err)
	}
}

func TestOpenMissingBinaryIsLaunchError(t *testing.T) {
	req := testRequest(filepath.Join(t.TempDir(), "no-such-ssh"))

	_, err := testOpener().Open(req)
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	var te *Error
	if !errors.As(err, &te) || te.Command == "" {
		t.Fatalf("expected *Error with command, got %#v", err)
	}
}

func TestOpenRejectsInvalidRequest(t *testing.T) {
	launcher := &recordingLauncher{inner: sshclient.PipeLauncher{}}
	cases := map[string]func(*model.Request){
		"missing address":  func(r *model.Request) { r.SSHAddress = " " },
		"missing hostport": func(r *model.Request) { r.HostPort = 0 },
		"hostport range":   func(r *model.Request) { r.HostPort = 70000 },
		"bindport range":   func(r *model.Request) { r.BindPort = -1 },
		"sshport range":    func(r *model.Request) { r.SSHPort = 65536 },
		"host key policy":  func(r *model.Request) { r.StrictHostKeyChecking = "sometimes" },
		"user in address":  func(r *model.Request) { r.SSHAddress = "deploy@db.internal" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := testRequest("ssh")
			mutate(&req)
			_, err := testOpener(WithLauncher(launcher)).Open(req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	if len(launcher.procs) != 0 {
		t.Fatalf("invalid requests spawned %d processes", len(launcher.procs))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var closes atomic.Int32
	req := testRequest(fakeSSH(t, "echo "+testBanner+"\nexec sleep 30"))

	tun, err := testOpener(WithHooks(Hooks{OnClose: func(*Tunnel) { closes.Add(1) }})).Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tun.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tun.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := closes.Load(); n != 1 {
		t.Fatalf("expected OnClose once, got %d", n)
	}
}

func TestCloseKillsChildIgnoringTerm(t *testing.T) {
	req := testRequest(fakeSSH(t, "trap '' TERM\necho "+testBanner+"\nwhile true; do sleep 0.1; done"))

	tun, err := testOpener(WithGracePeriod(300 * time.Millisecond)).Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pid := tun.PID()
	if err := tun.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-tun.Done():
	default:
		t.Fatal("expected child reaped after Close")
	}
	if sshclient.Alive(pid) {
		t.Fatalf("process %d survived Close", pid)
	}
}

func TestHookFailuresAreIgnored(t *testing.T) {
	var before, after atomic.Bool
	hooks := Hooks{
		BeforeStart: func(info StartInfo) error {
			before.Store(true)
			if len(info.Argv) == 0 || info.Command == "" {
				t.Errorf("expected command in StartInfo, got %+v", info)
			}
			return errors.New("before failed")
		},
		AfterStart: func(*Tunnel) error {
			after.Store(true)
			panic("after exploded")
		},
		OnClose: func(*Tunnel) { panic("close exploded") },
	}
	req := testRequest(fakeSSH(t, "echo "+testBanner+"\nexec sleep 30"))

	tun, err := testOpener(WithHooks(hooks)).Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !before.Load() || !after.Load() {
		t.Fatalf("hooks not called: before=%v after=%v", before.Load(), after.Load())
	}
	if !tun.Alive() {
		t.Fatal("hook failure affected the tunnel")
	}
	if err := tun.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTunnelExitOnItsOwn(t *testing.T) {
	req := testRequest(fakeSSH(t, "echo "+testBanner+"\nsleep 0.2\necho 'Connection closed by remote host' >&2"))

	tun, err := testOpener().Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tun.Close()

	select {
	case <-tun.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("child did not exit")
	}
	if tun.Alive() {
		t.Fatal("expected tunnel not alive after child exit")
	}
	if tun.State() != model.TunnelClosed {
		t.Fatalf("expected closed state, got %s", tun.State())
	}
}

func TestNormalizeRequestDefaults(t *testing.T) {
	got, err := normalizeRequest(model.Request{SSHAddress: " db.internal ", HostPort: 80, StrictHostKeyChecking: "Accept-New"})
	if err != nil {
		t.Fatalf("normalizeRequest: %v", err)
	}
	if got.SSHAddress != "db.internal" || got.SSHPort != 22 || got.SSHPath != "ssh" {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.BindAddress != "127.0.0.1" || got.HostAddress != "127.0.0.1" {
		t.Fatalf("unexpected addresses: %+v", got)
	}
	if got.Timeout != 60*time.Second || got.ConnectTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts: %+v", got)
	}
	if got.StrictHostKeyChecking != "accept-new" {
		t.Fatalf("unexpected host key policy %q", got.StrictHostKeyChecking)
	}
}

func TestNormalizeRequestExpandsIdentity(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := normalizeRequest(model.Request{SSHAddress: "h", HostPort: 1, IdentityFile: "~/.ssh/id_ed25519"})
	if err != nil {
		t.Fatalf("normalizeRequest: %v", err)
	}
	if want := filepath.Join(home, ".ssh", "id_ed25519"); got.IdentityFile != want {
		t.Fatalf("expected %s, got %s", want, got.IdentityFile)
	}
}

func TestRuntimeID(t *testing.T) {
	id := RuntimeID(model.Request{SSHUser: "u", SSHAddress: "h", BindPort: 9000, HostPort: 5432})
	if id != "u@h|127.0.0.1:9000|127.0.0.1:5432" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestCommandResolvesPortWithoutLaunching(t *testing.T) {
	launcher := &recordingLauncher{inner: sshclient.PipeLauncher{}}
	req := testRequest("ssh")

	argv, err := testOpener(WithLauncher(launcher)).Command(req)
	if err != nil {
		t.Fatal(err)
	}
	if len(launcher.procs) != 0 {
		t.Fatal("Command must not launch a process")
	}
	line := sshclient.CommandString(argv)
	if strings.Contains(line, "-L 0:") || !strings.Contains(line, ":127.0.0.1:5432 deploy@db.internal") {
		t.Fatalf("unexpected command %q", line)
	}

	req.HostPort = 0
	if _, err := testOpener().Command(req); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
