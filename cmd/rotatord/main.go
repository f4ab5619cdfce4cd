package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	var rootCmd = &cobra.Command{
		Use:   "rotatord",
		Short: "Rotate a fleet of cloud proxies behind a load balancer",
		Long: `Rotatord keeps a fleet of squid proxies behind HAProxy fresh.
On every interval it provisions a new proxy, switches it into the load
balancer and retires an old one according to the rotation policy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "C", "proxy.conf", "Configuration file")

	rootCmd.AddCommand(
		newRunCmd(),
		newStopCmd(),
		newRestartCmd(),
		newRotateCmd(),
		newTestCmd(),
		newCreateCmd(),
		newProvisionCmd(),
		newDropCmd(),
		newSyncCmd(),
		newWriteLBCmd(),
		newStatusCmd(),
		newHistoryCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
