package cmd

import (
	"fmt"

	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/spf13/cobra"
)

var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tincan %s (control protocol %d)\n", version, protocol.ProtocolVersion)
	},
}
