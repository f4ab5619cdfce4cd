package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	proxyrotator "go-proxyrotator"
	"go-proxyrotator/config"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			var cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			_, err = stopDaemon(cfg)
			return err
		},
	}
}

// stopDaemon removes the heartbeat and signals the daemon. It returns the pid
// that was signalled, or zero when no daemon was running.
func stopDaemon(cfg *config.Config) (int, error) {
	if err := proxyrotator.NewHeartbeatFile(cfg.HeartbeatFile).Remove(); err != nil {
		return 0, err
	}

	var pid, err = readPIDFile(cfg.PIDFile)
	if err != nil || !processAlive(pid) {
		fmt.Println("Proxy rotator daemon is not running.")
		return 0, nil
	}

	fmt.Printf("Stopping proxy rotator daemon (pid %d) ...\n", pid)
	if err := signalProcess(pid, stopSignal); err != nil {
		return 0, fmt.Errorf("unable to stop, possibly daemon not running: %w", err)
	}
	return pid, nil
}

func newRestartCmd() *cobra.Command {
	var timeout time.Duration

	var cmd = &cobra.Command{
		Use:   "restart",
		Short: "Stop the running daemon and start it again in the background",
		RunE: func(_ *cobra.Command, _ []string) error {
			var cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}

			pid, err := stopDaemon(cfg)
			if err != nil {
				return err
			}
			if pid != 0 {
				var deadline = time.Now().Add(timeout)
				for processAlive(pid) {
					if time.Now().After(deadline) {
						return fmt.Errorf("daemon %d did not stop within %s", pid, timeout)
					}
					time.Sleep(200 * time.Millisecond)
				}
				fmt.Println("✓ Stopped")
			}

			fmt.Println("Starting...")
			return startBackground(runFlags{})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for the old daemon to finish its cycle")
	return cmd
}

func newRotateCmd() *cobra.Command {
	var (
		region    int
		viaSignal bool
	)

	var cmd = &cobra.Command{
		Use:   "rotate",
		Short: "Rotate one proxy now",
		Long: `Run a single rotation cycle in this process. With --signal the running
daemon is asked to rotate instead, which keeps it the only writer of the
record file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if viaSignal {
				return signalRotation()
			}
			return runOnce(cmd.Context(), appOptions{writer: true}, proxyrotator.RegionID(region))
		},
	}

	cmd.Flags().IntVarP(&region, "region", "r", 0, "Provision the new proxy in this region (0 picks one)")
	cmd.Flags().BoolVar(&viaSignal, "signal", false, "Ask the running daemon to rotate")
	return cmd
}

func signalRotation() error {
	if triggerSignal == nil {
		return errors.New("signalling the daemon is not supported on this platform")
	}
	var cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	pid, err := readPIDFile(cfg.PIDFile)
	if err != nil || !processAlive(pid) {
		return errors.New("proxy rotator daemon is not running")
	}
	if err := signalProcess(pid, triggerSignal); err != nil {
		return err
	}
	fmt.Printf("✓ Asked daemon %d to rotate\n", pid)
	return nil
}

func newTestCmd() *cobra.Command {
	var region int

	var cmd = &cobra.Command{
		Use:   "test",
		Short: "Run one rotation with fake proxies without reloading the load balancer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), appOptions{test: true, writer: true}, proxyrotator.RegionID(region))
		},
	}

	cmd.Flags().IntVarP(&region, "region", "r", 0, "Provision the new proxy in this region (0 picks one)")
	return cmd
}

func runOnce(ctx context.Context, opts appOptions, region proxyrotator.RegionID) error {
	var a, err = newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.controller.Rotate(ctx, proxyrotator.RotateRequest{Region: region})
	if result.New.Address != "" {
		fmt.Printf("Switched in %s (%s)\n", result.New.Address, proxyrotator.RegionName(result.Region, a.cfg.RegionNameOverrides()))
	}
	if result.HasRetired {
		fmt.Printf("Switched out %s\n", result.Retired.Address)
	}
	if err != nil {
		return err
	}
	if result.DeleteFailed {
		fmt.Printf("⚠️  Instance %s could not be deleted, remove it by hand\n", result.Retired.InstanceID)
	}
	return nil
}

func newCreateCmd() *cobra.Command {
	var region int

	var cmd = &cobra.Command{
		Use:   "create",
		Short: "Create one proxy and add it to the fleet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a, err = newApp(cmd.Context(), appOptions{allowMissingRecords: true, writer: true})
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Println("Creating new proxy...")
			record, err := a.controller.Create(cmd.Context(), proxyrotator.RegionID(region))
			if err != nil {
				return err
			}
			fmt.Printf("✓ Created %s in %s\n", record.Address, proxyrotator.RegionName(record.Region, a.cfg.RegionNameOverrides()))
			return nil
		},
	}

	cmd.Flags().IntVarP(&region, "region", "r", 0, "Region of the new proxy (0 picks one)")
	return cmd
}

func newProvisionCmd() *cobra.Command {
	var (
		count int
		add   bool
	)

	var cmd = &cobra.Command{
		Use:   "provision",
		Short: "Provision a fresh set of proxies",
		Long: `Provision a fresh set of proxies round-robin over the configured regions.
The current fleet is dropped first unless --add is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a, err = newApp(cmd.Context(), appOptions{allowMissingRecords: true, writer: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if add {
				fmt.Printf("Adding new set of %d proxies ...\n", count)
			} else {
				fmt.Printf("Provisioning fresh set of %d proxies ...\n", count)
			}
			created, err := a.controller.Provision(cmd.Context(), count, add)
			fmt.Printf("Switched in %d of %d proxies\n", created, count)
			return err
		},
	}

	cmd.Flags().IntVarP(&count, "num", "N", 8, "Number of proxies to provision or add")
	cmd.Flags().BoolVarP(&add, "add", "A", false, "Add to the existing fleet instead of replacing it")
	return cmd
}

func newDropCmd() *cobra.Command {
	var yes bool

	var cmd = &cobra.Command{
		Use:   "drop",
		Short: "Delete every managed proxy and clear the fleet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("drop deletes every managed proxy instance, confirm with --yes")
			}

			var a, err = newApp(cmd.Context(), appOptions{writer: true})
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Println("Dropping current proxies ...")
			if err := a.controller.Drop(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("✓ Dropped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deleting the proxies")
	return cmd
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild the record file from the provider's running instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a, err = newApp(cmd.Context(), appOptions{allowMissingRecords: true, writer: true})
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.controller.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("✓ Saved %d proxies to %s\n", count, a.store.Path())
			return nil
		},
	}
}

func newWriteLBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write-lb",
		Short: "Write the load balancer configuration from the record file and reload it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a, err = newApp(cmd.Context(), appOptions{writer: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.controller.WriteLoadBalancer(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("✓ Wrote %s\n", a.cfg.LBConfig)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var all bool

	var cmd = &cobra.Command{
		Use:   "status",
		Short: "Show the fleet and whether the daemon is running",
		RunE: func(_ *cobra.Command, _ []string) error {
			var cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			fleet, err := proxyrotator.NewFileStore(cfg.ProxyList, true).Load()
			if err != nil {
				return err
			}

			if pid, err := readPIDFile(cfg.PIDFile); err == nil && processAlive(pid) {
				fmt.Printf("Daemon: running (pid %d)\n\n", pid)
			} else {
				fmt.Printf("Daemon: stopped\n\n")
			}
			return printFleet(os.Stdout, fleet.Snapshot(), cfg.RegionNameOverrides(), all)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include retired proxies")
	return cmd
}

func printFleet(out io.Writer, members []proxyrotator.Member, names map[proxyrotator.RegionID]string, all bool) error {
	var w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tREGION\tINSTANCE\tSTATE\tSWITCHED IN\tSWITCHED OUT")
	for _, member := range members {
		if !member.Active && !all {
			continue
		}
		var state = "active"
		if !member.Active {
			state = "retired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			member.Address,
			proxyrotator.RegionName(member.Region, names),
			member.InstanceID,
			state,
			formatTime(member.ActivatedAt),
			formatTime(member.DeactivatedAt),
		)
	}
	return w.Flush()
}

func newHistoryCmd() *cobra.Command {
	var (
		limit   int
		address string
	)

	var cmd = &cobra.Command{
		Use:   "history",
		Short: "Show journaled rotations, or the events of one proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Journal.DSN == "" {
				return fmt.Errorf("%w: no journal configured, set journal.dsn or ROTATOR_JOURNAL_DSN", proxyrotator.ErrConfig)
			}

			queries, db, err := openJournal(cmd.Context(), cfg.Journal)
			if err != nil {
				return err
			}
			defer db.Close()
			var journal = proxyrotator.NewJournal(queries)

			var w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			if address != "" {
				events, err := journal.Events(cmd.Context(), address)
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "AT\tEVENT\tREGION\tINSTANCE\tCYCLE")
				for _, event := range events {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						formatTime(event.At), event.Kind,
						proxyrotator.RegionName(event.Record.Region, cfg.RegionNameOverrides()),
						event.Record.InstanceID, event.CycleID)
				}
				return w.Flush()
			}

			rotations, err := journal.Rotations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "CYCLE\tSTARTED\tREGION\tIN\tOUT\tOUTCOME\tERROR")
			for _, rotation := range rotations {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					rotation.Cycle, formatTime(rotation.StartedAt),
					proxyrotator.RegionName(rotation.Region, cfg.RegionNameOverrides()),
					rotation.New.Address, rotation.Retired.Address,
					rotation.Outcome, rotation.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of rotations to show")
	cmd.Flags().StringVar(&address, "address", "", "Show the events of this proxy instead")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}
