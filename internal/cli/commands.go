package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/bgtunnel/internal/appconfig"
	"github.com/treykane/bgtunnel/internal/doctor"
	"github.com/treykane/bgtunnel/internal/events"
	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/profile"
	"github.com/treykane/bgtunnel/internal/tunnel"
	"github.com/treykane/bgtunnel/internal/ui"
	"github.com/treykane/bgtunnel/internal/util"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tunnels recorded in the runtime file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.RuntimeFilePath()
			if err != nil {
				return err
			}
			records, err := tunnel.LoadRuntime(path)
			if err != nil {
				return err
			}
			if jsonOut {
				if records == nil {
					records = []model.TunnelRuntime{}
				}
				return printJSON(records)
			}
			fmt.Print(ui.RenderTable(records))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		tunnelID    string
		destination string
		eventType   string
		since       time.Duration
		limit       int
		jsonOut     bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel lifecycle journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := events.NewStore()
			if err != nil {
				return err
			}
			q := events.Query{
				TunnelID:    tunnelID,
				Destination: destination,
				EventType:   eventType,
				Limit:       limit,
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := store.Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return printJSON(evts)
			}
			fmt.Printf("%-20s %-16s %-28s %-10s %-8s %s\n", "TIME", "EVENT", "DESTINATION", "STATE", "PID", "MESSAGE")
			for _, e := range evts {
				pid := "-"
				if e.PID > 0 {
					pid = fmt.Sprint(e.PID)
				}
				fmt.Printf("%-20s %-16s %-28s %-10s %-8s %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.EventType, util.EmptyDash(e.Destination),
					util.EmptyDash(string(e.State)), pid, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tunnelID, "tunnel", "", "filter by tunnel id")
	cmd.Flags().StringVar(&destination, "destination", "", "filter by user@host")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show, newest last")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newProfileCmd() *cobra.Command {
	root := &cobra.Command{Use: "profile", Short: "Manage saved tunnel requests"}

	f := &requestFlags{}
	save := &cobra.Command{
		Use:   "save <name> [user@]host[:port]",
		Short: "Save a tunnel request under a name",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			req, err := f.request(cmd, args[1:], cfg.ExpectHello)
			if err != nil {
				return err
			}
			if err := profile.Save(args[0], req); err != nil {
				return err
			}
			fmt.Printf("saved profile %s: %s %s\n", args[0], req.Destination(), forwardLabel(req.BindPort, req.HostAddress, req.HostPort))
			return nil
		},
	}
	addRequestFlags(save.Flags(), f)

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := profile.LoadAll()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(all)
			}
			fmt.Printf("%-20s %-32s %s\n", "NAME", "DESTINATION", "FORWARD")
			for _, p := range all {
				r := p.Request
				fmt.Printf("%-20s %-32s %s\n", p.Name, r.Destination(), forwardLabel(r.BindPort, r.HostAddress, r.HostPort))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a saved profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := profile.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted profile %s\n", args[0])
			return nil
		},
	}

	root.AddCommand(save, list, del)
	return root
}

func forwardLabel(bindPort int, hostAddr string, hostPort int) string {
	local := "auto"
	if bindPort > 0 {
		local = fmt.Sprint(bindPort)
	}
	return fmt.Sprintf("%s -> %s:%d", local, util.NormalizeAddr(hostAddr, util.DefaultHostAddress), hostPort)
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that tunnels can be started from this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", issue.Severity, issue.Check, issue.Target, issue.Message)
				if issue.Recommendation != "" {
					fmt.Printf("  fix: %s\n", issue.Recommendation)
				}
			}
			if report.HasHigh() {
				return fmt.Errorf("doctor found high severity issues")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
