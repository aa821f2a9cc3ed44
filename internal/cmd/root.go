package cmd

import (
	"os"

	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/spf13/cobra"
)

const defaultSocket = "/tmp/tincan.sock"

var socketPath string

var rootCmd = &cobra.Command{
	Use:  `tincan`,
	Long: `tincan manages ICE virtual links for an overlay network controller`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.NewLogger().Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocket, "control socket path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(gatherCmd)
	rootCmd.AddCommand(ctlCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(versionCmd)
}
