// Package ui renders tunnel status, as a live bubbletea view for `open` on
// a terminal and as static tables for `status`.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/security"
	"github.com/treykane/bgtunnel/internal/tunnel"
	"github.com/treykane/bgtunnel/internal/util"
)

// OpenFunc opens the tunnel the view supervises and registers it in the
// view's Set. It runs off the UI goroutine, so it may block for the whole
// validation timeout.
type OpenFunc func() (*tunnel.Tunnel, error)

// ErrTunnelExited is wrapped by the error a view ends with when ssh went
// away without being closed.
var ErrTunnelExited = errors.New("tunnel process exited")

// ExitError describes a tunnel whose ssh process ended on its own.
func ExitError(t *tunnel.Tunnel) error {
	if err := t.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTunnelExited, err)
	}
	return ErrTunnelExited
}

type openedMsg struct {
	tun *tunnel.Tunnel
	err error
}

type snapshotMsg []model.TunnelRuntime

type exitedMsg struct{}

type closedMsg struct{ err error }

// Model is the status view for a single `open` invocation.
type Model struct {
	req     model.Request
	open    OpenFunc
	set     *tunnel.Set
	refresh time.Duration
	redact  bool

	spinner  spinner.Model
	tun      *tunnel.Tunnel
	tunnels  []model.TunnelRuntime
	err      error
	status   string
	width    int
	quitting bool
	done     bool
}

// NewModel builds the view. set is snapshotted for the table and closed
// when the user quits.
func NewModel(req model.Request, open OpenFunc, set *tunnel.Set, refreshSeconds int, redact bool) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	if refreshSeconds <= 0 {
		refreshSeconds = 1
	}
	return Model{
		req:     req,
		open:    open,
		set:     set,
		refresh: time.Duration(refreshSeconds) * time.Second,
		redact:  redact,
		spinner: sp,
		status:  "Connecting to " + req.Destination(),
	}
}

// Err returns why the view ended, nil for a clean quit.
func (m Model) Err() error { return m.err }

// Tunnel returns the opened tunnel, if any.
func (m Model) Tunnel() *tunnel.Tunnel { return m.tun }

func (m Model) Init() tea.Cmd {
	open := m.open
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		t, err := open()
		return openedMsg{tun: t, err: err}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		if m.tun != nil || m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case openedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			m.status = "Open failed"
			return m, tea.Quit
		}
		m.tun = msg.tun
		m.status = fmt.Sprintf("Forwarding %s -> %s", msg.tun.LocalAddr(), msg.tun.RemoteAddr())
		if m.quitting {
			return m, m.closeCmd()
		}
		return m, tea.Batch(m.snapshotCmd(0), waitExit(msg.tun))
	case snapshotMsg:
		m.tunnels = msg
		if m.done {
			return m, nil
		}
		return m, m.snapshotCmd(m.refresh)
	case exitedMsg:
		if m.done || m.quitting {
			return m, nil
		}
		m.done = true
		m.status = "ssh exited"
		m.err = ExitError(m.tun)
		return m, tea.Quit
	case closedMsg:
		m.done = true
		if msg.err != nil {
			m.err = msg.err
		}
		m.status = "Tunnel closed"
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.quitting {
				return m, nil
			}
			m.quitting = true
			if m.tun == nil {
				m.status = "Waiting for ssh before closing"
				return m, nil
			}
			m.status = "Closing tunnel"
			return m, m.closeCmd()
		}
	}
	return m, nil
}

func (m Model) closeCmd() tea.Cmd {
	set := m.set
	return func() tea.Msg { return closedMsg{err: set.CloseAll()} }
}

func (m Model) snapshotCmd(after time.Duration) tea.Cmd {
	set := m.set
	if after <= 0 {
		return func() tea.Msg { return snapshotMsg(set.Snapshot()) }
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return snapshotMsg(set.Snapshot()) })
}

func waitExit(t *tunnel.Tunnel) tea.Cmd {
	return func() tea.Msg {
		<-t.Done()
		return exitedMsg{}
	}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func (m Model) View() string {
	head := titleStyle.Render("bgtunnel " + m.req.Destination())
	if m.tun == nil && m.err == nil {
		return lipgloss.JoinVertical(lipgloss.Left,
			head,
			fmt.Sprintf("%s %s (timeout %s)", m.spinner.View(), m.status, m.req.Timeout),
		)
	}
	if m.err != nil && m.tun == nil {
		return lipgloss.JoinVertical(lipgloss.Left,
			head,
			errStyle.Render(security.UserMessage(m.err, m.redact)),
		) + "\n"
	}

	body := []string{
		head,
		renderPanel("Tunnels", RenderTable(m.tunnels), m.effectiveWidth(), lipgloss.Color("63")),
		renderPanel("Status", m.status, m.effectiveWidth(), lipgloss.Color("205")),
	}
	if m.err != nil {
		body = append(body, errStyle.Render(security.UserMessage(m.err, m.redact)))
	}
	if !m.done {
		body = append(body, dimStyle.Render("q close tunnel and quit"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, body...) + "\n"
}

func (m Model) effectiveWidth() int {
	if m.width <= 0 {
		return 120
	}
	return m.width
}

// RenderTable formats runtime records as a fixed-width table.
func RenderTable(records []model.TunnelRuntime) string {
	tbl := strings.Builder{}
	tbl.WriteString(fmt.Sprintf("%-28s %-22s %-22s %-10s %-8s %-8s %-8s\n", "DESTINATION", "LOCAL", "REMOTE", "STATE", "PID", "UPTIME", "LAT"))
	for _, rt := range records {
		pid := "-"
		if rt.PID > 0 {
			pid = fmt.Sprint(rt.PID)
		}
		lat := "-"
		if rt.State == model.TunnelActive && rt.LastError == "" && rt.PID > 0 {
			lat = fmt.Sprintf("%dms", rt.LatencyMS)
		}
		tbl.WriteString(fmt.Sprintf("%-28s %-22s %-22s %-10s %-8s %-8s %-8s\n",
			util.EmptyDash(rt.Destination), rt.Local, rt.Remote, rt.State, pid, formatUptime(rt.UptimeSec), lat))
	}
	if len(records) == 0 {
		tbl.WriteString("(none)\n")
	}
	return tbl.String()
}

func formatUptime(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return (time.Duration(sec) * time.Second).String()
}

func renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}

// Run shows the status view until the user quits, the tunnel dies or ctx
// is cancelled.
func Run(ctx context.Context, m Model) (Model, error) {
	final, err := tea.NewProgram(m, tea.WithContext(ctx)).Run()
	if fm, ok := final.(Model); ok {
		m = fm
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return m, nil
	}
	return m, err
}
