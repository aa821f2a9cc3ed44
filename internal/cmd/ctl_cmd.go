package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/controller"
	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/rudransh-shrivastava/tincan/internal/protocol"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
)

var (
	ctlParams  string
	ctlTimeout time.Duration
)

var ctlCmd = &cobra.Command{
	Use:   "ctl command",
	Short: "sends a control request",
	Long:  `sends a single control request to a running tincan service and prints the response`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()
		params := map[string]any{}
		if ctlParams != "" {
			if err := json.Unmarshal([]byte(ctlParams), &params); err != nil {
				log.Fatalf("parsing --json: %v", err)
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), ctlTimeout)
		defer cancel()
		client, err := controller.Dial(ctx, socketPath, log)
		if err != nil {
			log.Fatal(err)
			return
		}
		defer client.Close()

		resp, err := client.Request(ctx, protocol.Command(args[0]), params)
		if err != nil {
			log.Fatal(err)
			return
		}
		out, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp.Response)
		if err != nil {
			log.Fatal(err)
			return
		}
		fmt.Println(string(out))
	},
}

func init() {
	ctlCmd.Flags().StringVar(&ctlParams, "json", "", "request parameters as a JSON object")
	ctlCmd.Flags().DurationVar(&ctlTimeout, "timeout", 30*time.Second, "how long to wait for the response")
}
