package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/spf13/cobra"
)

var (
	gatherTimeout     time.Duration
	gatherDefaultStun bool
)

var gatherCmd = &cobra.Command{
	Use:   "gather config-path",
	Short: "gathers local candidates",
	Long:  `gathers the local candidate address set for the tunnel described by a YAML config and prints it`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()
		ctx, cancel := context.WithTimeout(context.Background(), gatherTimeout)
		defer cancel()

		cas, err := gather(ctx, log, args[0])
		if err != nil {
			log.Fatal(err)
			return
		}
		fmt.Println(cas)
	},
}

func init() {
	gatherCmd.Flags().DurationVar(&gatherTimeout, "timeout", 30*time.Second, "how long to wait for gathering")
	gatherCmd.Flags().BoolVar(&gatherDefaultStun, "default-stun", false, "use public STUN servers when the config lists none")
}
