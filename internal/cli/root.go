// Package cli provides the command-line interface for bgtunnel.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/bgtunnel/internal/appconfig"
	"github.com/treykane/bgtunnel/internal/events"
	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/security"
	"github.com/treykane/bgtunnel/internal/sshclient"
	"github.com/treykane/bgtunnel/internal/tunnel"
	"github.com/treykane/bgtunnel/internal/ui"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// NewRootCommand creates the root cobra command. Without a subcommand it
// behaves like `open`.
func NewRootCommand() *cobra.Command {
	var verbose bool
	open := &openFlags{}
	root := &cobra.Command{
		Use:           "bgtunnel [user@]host[:port]",
		Short:         "Run an ssh port forward in the background and supervise it",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(cmd, args, open)
		},
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "log ssh output and debug detail to stderr")
	open.register(root)

	root.AddCommand(newOpenCmd())
	root.AddCommand(newCommandCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newEventsCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// ErrorMessage renders err for the terminal, redacted per config.
func ErrorMessage(err error) string {
	redact := true
	if cfg, cerr := appconfig.Load(); cerr == nil {
		redact = cfg.RedactErrors
	}
	return security.UserMessage(err, redact)
}

// ExitCode maps an error to the process exit status. Each tunnel failure
// kind gets its own code so scripts can tell them apart.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, tunnel.ErrInvalidRequest):
		return 2
	case errors.Is(err, tunnel.ErrAuthentication):
		return 3
	case errors.Is(err, tunnel.ErrConnectivity):
		return 4
	case errors.Is(err, tunnel.ErrValidationTimeout):
		return 5
	case errors.Is(err, tunnel.ErrLaunch):
		return 6
	case errors.Is(err, tunnel.ErrResource):
		return 7
	case errors.Is(err, ui.ErrTunnelExited):
		return 8
	default:
		return 1
	}
}

type openFlags struct {
	requestFlags
	pty   bool
	plain bool
}

func (f *openFlags) register(cmd *cobra.Command) {
	addRequestFlags(cmd.Flags(), &f.requestFlags)
	cmd.Flags().BoolVar(&f.pty, "pty", false, "run ssh on a pseudo-terminal instead of pipes")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "print status lines instead of the live view")
}

func newOpenCmd() *cobra.Command {
	f := &openFlags{}
	cmd := &cobra.Command{
		Use:   "open [user@]host[:port]",
		Short: "Open a tunnel and keep it up until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(cmd, args, f)
		},
	}
	f.register(cmd)
	return cmd
}

func newCommandCmd() *cobra.Command {
	f := &requestFlags{}
	cmd := &cobra.Command{
		Use:   "command [user@]host[:port]",
		Short: "Print the ssh command open would run, without running it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			req, err := f.request(cmd, args, cfg.ExpectHello)
			if err != nil {
				return err
			}
			argv, err := tunnel.NewOpener(
				tunnel.WithSudo(cfg.SudoPath),
				tunnel.WithBanner(cfg.HelloBanner),
			).Command(cfg.ApplyDefaults(req))
			if err != nil {
				return err
			}
			fmt.Println(sshclient.CommandString(argv))
			return nil
		},
	}
	addRequestFlags(cmd.Flags(), f)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bgtunnel version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bgtunnel %s\n", Version)
		},
	}
}

func runOpen(cmd *cobra.Command, args []string, f *openFlags) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	req, err := f.request(cmd, args, cfg.ExpectHello)
	if err != nil {
		return err
	}
	req = cfg.ApplyDefaults(req)

	opts := []tunnel.Option{
		tunnel.WithLogger(slog.Default().With("component", "tunnel")),
		tunnel.WithGracePeriod(cfg.GracePeriod),
		tunnel.WithBanner(cfg.HelloBanner),
		tunnel.WithSudo(cfg.SudoPath),
	}
	if f.pty || cfg.UsePTY {
		opts = append(opts, tunnel.WithLauncher(sshclient.PTYLauncher{}))
	}
	journal, err := events.NewStore()
	if err != nil {
		slog.Warn("event journal unavailable", "error", err)
		journal = nil
	} else {
		opts = append(opts, tunnel.WithHooks(journal.Hooks()))
	}
	opener := tunnel.NewOpener(opts...)

	runtimePath, err := appconfig.RuntimeFilePath()
	if err != nil {
		slog.Warn("runtime file unavailable", "error", err)
		runtimePath = ""
	}
	set := tunnel.NewSet(runtimePath)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wait := startOpen(func() (*tunnel.Tunnel, error) {
		t, err := opener.Open(req)
		if err != nil {
			slog.Debug("open failed", "detail", security.DebugMessage(err))
			if journal != nil {
				if jerr := journal.OpenFailed(req, err); jerr != nil {
					slog.Warn("failed to record event", "error", jerr)
				}
			}
			return nil, err
		}
		if err := set.Add(t); err != nil {
			_ = t.Close()
			return nil, err
		}
		return t, nil
	})

	if !f.plain && term.IsTerminal(int(os.Stdout.Fd())) {
		return runInteractive(ctx, req, cfg, set, wait, journal)
	}
	return runPlain(ctx, set, wait, journal)
}

// startOpen runs open in the background at once. The returned function
// blocks until it finished and may be called any number of times.
func startOpen(open func() (*tunnel.Tunnel, error)) func() (*tunnel.Tunnel, error) {
	wait := sync.OnceValues(open)
	go wait()
	return wait
}

func runInteractive(ctx context.Context, req model.Request, cfg appconfig.Config, set *tunnel.Set, wait func() (*tunnel.Tunnel, error), journal *events.Store) error {
	final, err := ui.Run(ctx, ui.NewModel(req, ui.OpenFunc(wait), set, cfg.UI.RefreshSeconds, cfg.RedactErrors))

	// The view may quit before ssh finished validating; never leave a
	// child behind.
	t, _ := wait()
	if t != nil && errors.Is(final.Err(), ui.ErrTunnelExited) {
		recordExit(journal, t)
	}
	if cerr := set.CloseAll(); cerr != nil {
		slog.Warn("failed to close tunnel", "error", cerr)
	}
	if err != nil {
		return err
	}
	return final.Err()
}

func runPlain(ctx context.Context, set *tunnel.Set, wait func() (*tunnel.Tunnel, error), journal *events.Store) error {
	opened := make(chan struct{})
	go func() {
		_, _ = wait()
		close(opened)
	}()
	select {
	case <-opened:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "interrupted, waiting for ssh to settle")
		_, _ = wait()
		return set.CloseAll()
	}

	t, err := wait()
	if err != nil {
		return err
	}
	fmt.Printf("tunnel %s open: %s -> %s via %s (pid %d)\n", t.ID(), t.LocalAddr(), t.RemoteAddr(), t.Request().Destination(), t.PID())

	select {
	case <-ctx.Done():
		fmt.Println("closing tunnel")
		return set.CloseAll()
	case <-t.Done():
		recordExit(journal, t)
		_ = set.CloseAll()
		return ui.ExitError(t)
	}
}

func recordExit(journal *events.Store, t *tunnel.Tunnel) {
	if journal == nil {
		return
	}
	if err := journal.Exited(t); err != nil {
		slog.Warn("failed to record event", "error", err)
	}
}
