package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/spf13/cobra"
)

var runFlags struct {
	logLevel    string
	logConfig   string
	journal     string
	metricsAddr string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "runs the tincan service",
	Long:  `runs the tincan service, the controller talks to it over a unix socket`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runService(ctx, log); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "INFO", "console log level")
	runCmd.Flags().StringVar(&runFlags.logConfig, "log-config", "", "JSON logging configuration")
	runCmd.Flags().StringVar(&runFlags.journal, "journal", "", "sqlite file for the link event journal")
	runCmd.Flags().StringVar(&runFlags.metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on")
}
