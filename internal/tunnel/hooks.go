package tunnel

import (
	"fmt"
	"log/slog"

	"github.com/treykane/bgtunnel/internal/model"
)

// StartInfo describes a tunnel about to be spawned.
type StartInfo struct {
	ID      string
	Request model.Request
	Argv    []string
	Command string
}

// Hooks are optional synchronous callbacks. A hook that returns an error or
// panics is logged and otherwise ignored: it never fails Open or Close.
type Hooks struct {
	// BeforeStart runs right before the child is spawned.
	BeforeStart func(StartInfo) error
	// AfterStart runs once validation succeeded, before Open returns.
	AfterStart func(*Tunnel) error
	// OnClose runs after Close has reaped the child.
	OnClose func(*Tunnel)
}

func (h Hooks) beforeStart(logger *slog.Logger, info StartInfo) {
	if h.BeforeStart == nil {
		return
	}
	callHook(logger, "before_start", info.ID, func() error { return h.BeforeStart(info) })
}

func (h Hooks) afterStart(logger *slog.Logger, t *Tunnel) {
	if h.AfterStart == nil {
		return
	}
	callHook(logger, "after_start", t.ID(), func() error { return h.AfterStart(t) })
}

func (h Hooks) onClose(logger *slog.Logger, t *Tunnel) {
	if h.OnClose == nil {
		return
	}
	callHook(logger, "on_close", t.ID(), func() error {
		h.OnClose(t)
		return nil
	})
}

func callHook(logger *slog.Logger, name, id string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("tunnel hook panicked", "hook", name, "tunnel", id, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		logger.Warn("tunnel hook failed", "hook", name, "tunnel", id, "error", err)
	}
}
