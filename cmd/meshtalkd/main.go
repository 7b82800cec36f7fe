package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "meshtalkd",
	Short: "Peer-to-peer BLE mesh messaging daemon",
	Long: `meshtalkd runs the mesh broadcast core: BLE device discovery, an
outbound connection pool, a central-role connection manager, a peripheral-
role GATT server, and the flood-routed message pipeline that ties them
together.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "meshtalkd: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the meshtalkd version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "meshtalkd %s (%s)\n", version, commit)
		return nil
	},
}
