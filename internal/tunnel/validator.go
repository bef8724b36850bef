package tunnel

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/treykane/bgtunnel/internal/util"
)

// ValidationState is the connection validator's state. Waiting is the
// initial state; every other state is terminal.
type ValidationState int

const (
	Waiting ValidationState = iota
	Succeeded
	AuthFailed
	Failed
	TimedOut
)

func (s ValidationState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Succeeded:
		return "succeeded"
	case AuthFailed:
		return "auth-failed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s ValidationState) Terminal() bool { return s != Waiting }

// Outcome is the result of validating a freshly started tunnel. Message
// holds the output line (or condition) that decided it.
type Outcome struct {
	State   ValidationState
	Message string
}

// transition moves the validator out of Waiting when a line matches.
type transition struct {
	pattern *regexp.Regexp
	to      ValidationState
}

// Order matters: the first matching transition wins.
var failureTransitions = []transition{
	{regexp.MustCompile(`(?i)permission denied \(`), AuthFailed},
	{regexp.MustCompile(`(?i)too many authentication failures`), AuthFailed},
	{regexp.MustCompile(`(?i)^sudo: .*(password is required|terminal is required|no tty present|incorrect password)`), AuthFailed},

	{regexp.MustCompile(`(?i)could not resolve hostname`), Failed},
	{regexp.MustCompile(`(?i)connection refused`), Failed},
	{regexp.MustCompile(`(?i)(connection|operation) timed out`), Failed},
	{regexp.MustCompile(`(?i)no route to host`), Failed},
	{regexp.MustCompile(`(?i)network is unreachable`), Failed},
	{regexp.MustCompile(`(?i)host key verification failed`), Failed},
	{regexp.MustCompile(`(?i)remote host identification has changed`), Failed},
	{regexp.MustCompile(`(?i)no \S+ host key is known`), Failed},
	{regexp.MustCompile(`(?i)address already in use`), Failed},
	{regexp.MustCompile(`(?i)bind .*permission denied`), Failed},
	{regexp.MustCompile(`(?i)cannot listen to port`), Failed},
	{regexp.MustCompile(`(?i)could not request local forwarding`), Failed},
	{regexp.MustCompile(`(?i)unprotected private key file`), Failed},
	{regexp.MustCompile(`(?i)connection closed by`), Failed},
	{regexp.MustCompile(`(?i)kex_exchange_identification`), Failed},
}

// exitDrainWindow is how long the validator keeps reading output after the
// child has been reaped, so a final error line is not lost to the race
// between the reaper and the readers.
const exitDrainWindow = 250 * time.Millisecond

type validator struct {
	banner  string
	rules   []transition
	state   ValidationState
	message string
	tail    *lineTail
}

func newValidator(banner string, tail *lineTail) *validator {
	if tail == nil {
		tail = newLineTail(0)
	}
	return &validator{
		banner: strings.TrimSpace(banner),
		rules:  failureTransitions,
		tail:   tail,
	}
}

// Feed applies one output line. Terminal states absorb further input.
func (v *validator) Feed(line string) ValidationState {
	line = strings.TrimSpace(line)
	if line == "" || v.state.Terminal() {
		return v.state
	}
	v.tail.add(line)
	if v.banner != "" && line == v.banner {
		v.finish(Succeeded, line)
		return v.state
	}
	for _, r := range v.rules {
		if r.pattern.MatchString(line) {
			v.finish(r.to, line)
			break
		}
	}
	return v.state
}

// exited records that the child went away while still Waiting.
func (v *validator) exited() {
	if v.state.Terminal() {
		return
	}
	msg := "ssh exited before the tunnel was confirmed"
	if last := v.tail.last(); last != "" {
		msg += ": " + last
	}
	v.finish(Failed, msg)
}

func (v *validator) expire(timeout time.Duration) {
	if v.state.Terminal() {
		return
	}
	v.finish(TimedOut, "no response from ssh within "+timeout.String())
}

func (v *validator) finish(to ValidationState, msg string) {
	v.state = to
	v.message = msg
}

func (v *validator) outcome() Outcome {
	return Outcome{State: v.state, Message: v.message}
}

// run blocks until a terminal state is reached. lines carries the child's
// merged output and is closed once every stream hits EOF; exited is closed
// when the child has been reaped. The timeout is a single wall-clock
// deadline for the whole wait.
func (v *validator) run(lines <-chan string, exited <-chan struct{}, timeout time.Duration) Outcome {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if v.Feed(line).Terminal() {
				return v.outcome()
			}
		case <-exited:
			v.drain(lines)
			v.exited()
			return v.outcome()
		case <-deadline.C:
			v.expire(timeout)
			return v.outcome()
		}
	}
}

func (v *validator) drain(lines <-chan string) {
	if lines == nil {
		return
	}
	window := time.NewTimer(exitDrainWindow)
	defer window.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if v.Feed(line).Terminal() {
				return
			}
		case <-window.C:
			return
		}
	}
}

// lineTail keeps the last n lines of output. It is written by the
// validator and later by the output drainer, and read by Tunnel.Output.
type lineTail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	if n <= 0 {
		n = util.OutputTailLines
	}
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return ""
	}
	return t.lines[len(t.lines)-1]
}

func (t *lineTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}
