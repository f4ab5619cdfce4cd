package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	proxyrotator "go-proxyrotator"
	"go-proxyrotator/config"

	"github.com/eiannone/keyboard"
	"github.com/spf13/cobra"
)

// daemonEnv marks the re-executed background child.
const daemonEnv = "ROTATORD_DAEMON"

type runFlags struct {
	foreground  bool
	rotate      bool
	test        bool
	interactive bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	var cmd = &cobra.Command{
		Use:   "run",
		Short: "Start the rotation daemon",
		Long: `Start rotating proxies every configured interval. Without -n the
daemon detaches and logs to the configured log file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !flags.foreground && os.Getenv(daemonEnv) == "" {
				return startBackground(flags)
			}
			return runForeground(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVarP(&flags.foreground, "nodaemon", "n", false, "Run in the foreground")
	cmd.Flags().BoolVarP(&flags.rotate, "rotate", "R", false, "Rotate once before the first wait")
	cmd.Flags().BoolVarP(&flags.test, "test", "t", false, "Fake proxies and never reload the load balancer")
	cmd.Flags().BoolVarP(&flags.interactive, "interactive", "i", false, "With -n: [r] rotates now, [q] quits")
	return cmd
}

// startBackground re-executes the binary detached from the terminal with its
// output appended to the log file.
func startBackground(flags runFlags) error {
	var cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	if pid, err := readPIDFile(cfg.PIDFile); err == nil && processAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	var args = []string{"run", "--config", configPath}
	if flags.rotate {
		args = append(args, "--rotate")
	}
	if flags.test {
		args = append(args, "--test")
	}

	var child = exec.Command(executable, args...)
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("Daemonizing... started proxy rotator with pid %d, logging to %s\n", child.Process.Pid, cfg.LogFile)
	return child.Process.Release()
}

func runForeground(ctx context.Context, flags runFlags) error {
	var background = os.Getenv(daemonEnv) != ""
	if background && flags.interactive {
		return errors.New("--interactive needs a terminal, use it with -n")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var a, err = newApp(ctx, appOptions{test: flags.test, writer: true, noColor: background})
	if err != nil {
		return err
	}
	defer a.Close()

	var leaseLost = make(chan error, 1)
	if a.lease != nil {
		var leaseCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := a.lease.Keep(leaseCtx, a.logger); err != nil {
				a.logger.Error().Err(err).Msg("lost writer lease, stopping")
				leaseLost <- err
				cancel()
			}
		}()
		ctx = leaseCtx
	}

	var heartbeat = proxyrotator.NewHeartbeatFile(a.cfg.HeartbeatFile)
	if err := heartbeat.Touch(); err != nil {
		return err
	}
	defer func() {
		if err := heartbeat.Remove(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to remove heartbeat")
		}
	}()

	if err := writePIDFile(a.cfg.PIDFile, os.Getpid()); err != nil {
		return err
	}
	defer removePIDFile(a.cfg.PIDFile)

	var scheduler = proxyrotator.NewScheduler(a.controller,
		proxyrotator.WithInterval(a.cfg.Interval()),
		proxyrotator.WithRotateOnStart(flags.rotate),
		proxyrotator.WithLiveness(heartbeat),
		proxyrotator.WithLogger(a.logger),
	)

	if triggerSignal != nil {
		var triggers = make(chan os.Signal, 1)
		signal.Notify(triggers, triggerSignal)
		defer signal.Stop(triggers)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-triggers:
					if scheduler.Trigger(proxyrotator.NoRegion) {
						a.logger.Info().Msg("rotation requested by signal")
					}
				}
			}
		}()
	}

	if a.cfg.StatusAddr != "" {
		var server = newStatusServer(a.cfg.StatusAddr, a.controller, heartbeat, a.cfg.RegionNameOverrides())
		go func() {
			a.logger.Info().Str("addr", a.cfg.StatusAddr).Msg("status endpoint listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("status endpoint failed")
			}
		}()
		defer func() {
			var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if flags.interactive {
		var interactiveCtx, cancel = context.WithCancel(ctx)
		defer cancel()
		if err := listenForKeys(interactiveCtx, cancel, scheduler); err != nil {
			return err
		}
		defer keyboard.Close()
		ctx = interactiveCtx
	}

	fmt.Fprintf(os.Stderr, "Proxy rotate daemon started (pid %d)\n", os.Getpid())
	if err := scheduler.Run(ctx); err != nil {
		return fmt.Errorf("scheduler stopped: %w", err)
	}
	select {
	case err := <-leaseLost:
		return err
	default:
	}
	a.logger.Info().Msg("proxy rotate daemon stopped")
	return nil
}

// listenForKeys turns key presses into scheduler actions until ctx is done.
// The caller closes the keyboard.
func listenForKeys(ctx context.Context, quit context.CancelFunc, scheduler *proxyrotator.Scheduler) error {
	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [r] Rotate a proxy now\n")
	fmt.Printf("  [q] Quit gracefully\n\n")

	go func() {
		for {
			char, key, err := keyboard.GetKey()
			if err != nil {
				return
			}
			switch {
			case char == 'r' || char == 'R':
				if scheduler.Trigger(proxyrotator.NoRegion) {
					fmt.Fprintf(os.Stderr, "Rotation requested\n")
				} else {
					fmt.Fprintf(os.Stderr, "A rotation is already pending\n")
				}
			case char == 'q' || char == 'Q' || key == keyboard.KeyCtrlC:
				fmt.Fprintf(os.Stderr, "Shutting down gracefully...\n")
				quit()
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}
