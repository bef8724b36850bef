package events

import (
	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/tunnel"
)

// Hooks returns tunnel hooks that journal every lifecycle step to s. Write
// failures come back as hook errors, which the tunnel package logs.
func (s *Store) Hooks() tunnel.Hooks {
	return tunnel.Hooks{
		BeforeStart: func(info tunnel.StartInfo) error {
			return s.Append(Event{
				TunnelID:    info.ID,
				Destination: info.Request.Destination(),
				EventType:   TypeOpenRequested,
				State:       model.TunnelValidating,
				Message:     info.Command,
			})
		},
		AfterStart: func(t *tunnel.Tunnel) error {
			return s.Append(Event{
				TunnelID:    t.ID(),
				Destination: t.Request().Destination(),
				EventType:   TypeOpenSucceeded,
				State:       model.TunnelActive,
				Message:     t.LocalAddr() + " -> " + t.RemoteAddr(),
				PID:         t.PID(),
			})
		},
		OnClose: func(t *tunnel.Tunnel) {
			_ = s.Append(Event{
				TunnelID:    t.ID(),
				Destination: t.Request().Destination(),
				EventType:   TypeClosed,
				State:       model.TunnelClosed,
				PID:         t.PID(),
			})
		},
	}
}

// OpenFailed records an Open error. Hooks cannot observe it because no
// handle exists.
func (s *Store) OpenFailed(req model.Request, err error) error {
	return s.Append(Event{
		TunnelID:    tunnel.RuntimeID(req),
		Destination: req.Destination(),
		EventType:   TypeOpenFailed,
		State:       model.TunnelFailed,
		Message:     err.Error(),
	})
}

// Exited records a child that went away without Close.
func (s *Store) Exited(t *tunnel.Tunnel) error {
	msg := ""
	if err := t.Err(); err != nil {
		msg = err.Error()
	}
	return s.Append(Event{
		TunnelID:    t.ID(),
		Destination: t.Request().Destination(),
		EventType:   TypeExited,
		State:       model.TunnelClosed,
		Message:     msg,
		PID:         t.PID(),
	})
}
