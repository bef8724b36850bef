// Package tunnel opens, validates and supervises ssh port-forwarding
// processes.
//
// Open is synchronous: it returns only once the remote side confirmed the
// session (or validation was disabled), or with a typed error after the
// child has been killed and reaped. The caller owns the returned Tunnel and
// must Close it; nothing in this package registers process-wide exit hooks.
package tunnel

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/sshclient"
	"github.com/treykane/bgtunnel/internal/util"
)

// Tunnel is a handle on one running ssh forwarding process.
//
// Alive, State and the accessors are safe for concurrent use. Close is
// meant to be called by the owner; concurrent or repeated calls are
// harmless no-ops after the first.
type Tunnel struct {
	id        string
	req       model.Request
	argv      []string
	proc      *sshclient.Process
	logger    *slog.Logger
	grace     time.Duration
	hooks     Hooks
	startedAt time.Time

	state atomic.Value // model.TunnelState
	tail  *lineTail

	done    chan struct{}
	waitErr error

	closeMu sync.Mutex
	closed  atomic.Bool
}

// RuntimeID identifies a tunnel by destination and forward.
func RuntimeID(req model.Request) string {
	return fmt.Sprintf("%s|%s:%d|%s:%d",
		req.Destination(),
		util.NormalizeAddr(req.BindAddress, util.DefaultBindAddress),
		req.BindPort,
		util.NormalizeAddr(req.HostAddress, util.DefaultHostAddress),
		req.HostPort,
	)
}

func newTunnel(req model.Request, argv []string, proc *sshclient.Process, logger *slog.Logger, grace time.Duration, hooks Hooks) *Tunnel {
	t := &Tunnel{
		id:        RuntimeID(req),
		req:       req,
		argv:      argv,
		proc:      proc,
		logger:    logger,
		grace:     grace,
		hooks:     hooks,
		startedAt: time.Now(),
		tail:      newLineTail(util.OutputTailLines),
		done:      make(chan struct{}),
	}
	t.state.Store(model.TunnelValidating)
	return t
}

// ID returns the runtime identifier, see RuntimeID.
func (t *Tunnel) ID() string { return t.id }

// Request returns the fully resolved request the tunnel was opened with.
func (t *Tunnel) Request() model.Request { return t.req }

// Argv returns the command line the child was started with.
func (t *Tunnel) Argv() []string { return append([]string(nil), t.argv...) }

// Command returns the command line as a shell-quoted string.
func (t *Tunnel) Command() string { return sshclient.CommandString(t.argv) }

// PID returns the child's process id.
func (t *Tunnel) PID() int { return t.proc.PID() }

// LocalPort returns the resolved local bind port.
func (t *Tunnel) LocalPort() int { return t.req.BindPort }

// LocalAddr returns host:port of the local end.
func (t *Tunnel) LocalAddr() string {
	return net.JoinHostPort(util.NormalizeAddr(t.req.BindAddress, util.DefaultBindAddress), strconv.Itoa(t.req.BindPort))
}

// RemoteAddr returns host:port of the forward target, as seen by the remote host.
func (t *Tunnel) RemoteAddr() string {
	return net.JoinHostPort(util.NormalizeAddr(t.req.HostAddress, util.DefaultHostAddress), strconv.Itoa(t.req.HostPort))
}

// StartedAt returns when the child was spawned.
func (t *Tunnel) StartedAt() time.Time { return t.startedAt }

// State returns the last known lifecycle state without blocking.
func (t *Tunnel) State() model.TunnelState {
	return t.state.Load().(model.TunnelState)
}

// Alive reports whether the tunnel is active and its process has not
// been observed to exit.
func (t *Tunnel) Alive() bool {
	if t.State() != model.TunnelActive {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited and been reaped.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// Err returns the child's exit error once Done is closed, nil before.
func (t *Tunnel) Err() error {
	select {
	case <-t.done:
		return t.waitErr
	default:
		return nil
	}
}

// Output returns the most recent lines the child wrote.
func (t *Tunnel) Output() []string { return t.tail.snapshot() }

// Runtime returns a persisted-record view of the tunnel.
func (t *Tunnel) Runtime() model.TunnelRuntime {
	rt := model.TunnelRuntime{
		ID:          t.id,
		Destination: t.req.Destination(),
		Local:       t.LocalAddr(),
		Remote:      t.RemoteAddr(),
		State:       t.State(),
		StartedAt:   t.startedAt,
		UptimeSec:   int64(time.Since(t.startedAt).Seconds()),
	}
	if t.Alive() {
		rt.PID = t.PID()
	}
	if err := t.Err(); err != nil && !t.isClosed() {
		rt.LastError = err.Error()
	}
	return rt
}

// Close asks the child to exit with a termination signal and waits up to
// the grace period, then kills it. Calling Close again, or on a tunnel
// whose process already exited, is a no-op.
func (t *Tunnel) Close() error {
	t.closeMu.Lock()
	if t.closed.Load() {
		t.closeMu.Unlock()
		return nil
	}
	t.closed.Store(true)

	var err error
	select {
	case <-t.done:
	default:
		err = t.stop()
	}
	t.state.Store(model.TunnelClosed)
	t.closeMu.Unlock()

	t.logger.Info("tunnel closed", "tunnel", t.id, "pid", t.PID())
	t.hooks.onClose(t.logger, t)
	return err
}

func (t *Tunnel) stop() error {
	pid := t.PID()
	if err := sshclient.Terminate(t.proc.Cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.logger.Warn("failed to signal tunnel process", "tunnel", t.id, "pid", pid, "error", err)
	}
	grace := time.NewTimer(t.grace)
	defer grace.Stop()
	select {
	case <-t.done:
		return nil
	case <-grace.C:
	}

	t.logger.Warn("tunnel process ignored termination signal, killing", "tunnel", t.id, "pid", pid, "grace", t.grace)
	return t.kill()
}

// kill force-stops the child and waits for the reaper. The wait is bounded
// because a child running under sudo may not accept our signals.
func (t *Tunnel) kill() error {
	pid := t.PID()
	if err := sshclient.Kill(t.proc.Cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.logger.Warn("failed to kill tunnel process", "tunnel", t.id, "pid", pid, "error", err)
	}
	wait := time.NewTimer(t.grace)
	defer wait.Stop()
	select {
	case <-t.done:
		return nil
	case <-wait.C:
		return fmt.Errorf("tunnel process %d did not exit after kill", pid)
	}
}

func (t *Tunnel) isClosed() bool { return t.closed.Load() }

// reap owns Cmd.Wait. Once the child is gone it releases the output
// streams, giving the readers a short window to flush the final lines.
func (t *Tunnel) reap(pumpDone <-chan struct{}) {
	err := t.proc.Cmd.Wait()
	t.waitErr = err
	exited := t.state.CompareAndSwap(model.TunnelActive, model.TunnelClosed)
	close(t.done)
	// Open may have switched to active between the swap and the close.
	exited = t.state.CompareAndSwap(model.TunnelActive, model.TunnelClosed) || exited
	if exited && !t.isClosed() {
		t.logger.Warn("tunnel process exited", "tunnel", t.id, "pid", t.PID(), "error", err)
	}

	select {
	case <-pumpDone:
	case <-time.After(2 * exitDrainWindow):
	}
	if cerr := t.proc.Close(); cerr != nil {
		t.logger.Debug("failed to release tunnel output streams", "tunnel", t.id, "error", cerr)
	}
}

// drain keeps consuming output after validation so the child never blocks
// on a full pipe.
func (t *Tunnel) drain(lines <-chan string) {
	for line := range lines {
		t.tail.add(line)
		t.logger.Debug("ssh output", "tunnel", t.id, "line", line)
	}
}

// maxOutputLine bounds one line of ssh output. Anything longer ends line
// scanning for that stream; the rest of it is read and dropped.
const maxOutputLine = 1 << 20

// pump merges the child's output streams into one channel of lines. The
// returned channel is closed once every stream reaches EOF; done is closed
// at the same time.
func pump(logger *slog.Logger, streams ...io.Reader) (lines <-chan string, done <-chan struct{}) {
	out := make(chan string, 64)
	finished := make(chan struct{})
	var wg sync.WaitGroup
	for _, r := range streams {
		if r == nil {
			continue
		}
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
			for sc.Scan() {
				out <- sc.Text()
			}
			if err := sc.Err(); err != nil {
				// Keep reading so the child never blocks on a full pipe.
				logger.Debug("ssh output unreadable, discarding rest of stream", "error", err)
				_, _ = io.Copy(io.Discard, r)
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(out)
		close(finished)
	}()
	return out, finished
}
