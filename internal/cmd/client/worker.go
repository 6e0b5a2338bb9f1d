package client

import (
	"net/http"

	"github.com/spf13/cobra"
)

// NewWorkerCommand constructs the `worker` command group for webhook
// subscriptions.
func NewWorkerCommand(baseURL BaseURLFunc) *cobra.Command {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker subscription operations",
	}
	workerCmd.AddCommand(
		newWorkerSubscribeCommand(baseURL),
		newWorkerHeartbeatCommand(baseURL),
	)
	return workerCmd
}

// newWorkerSubscribeCommand constructs the `worker subscribe` subcommand.
func newWorkerSubscribeCommand(baseURL BaseURLFunc) *cobra.Command {
	subCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Register a queue-ready webhook subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			command, _ := cmd.Flags().GetString("command")
			url, _ := cmd.Flags().GetString("url")
			body := map[string]any{"command": command, "url": url}
			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/workers/subscriptions", body, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	subCmd.Flags().StringP("command", "c", "", "Command type to watch")
	subCmd.Flags().String("url", "", "Webhook URL invoked when the queue goes non-empty")
	_ = subCmd.MarkFlagRequired("command")
	_ = subCmd.MarkFlagRequired("url")
	return subCmd
}

// newWorkerHeartbeatCommand constructs the `worker heartbeat` subcommand.
func newWorkerHeartbeatCommand(baseURL BaseURLFunc) *cobra.Command {
	hbCmd := &cobra.Command{
		Use:   "heartbeat <subscription-id>",
		Short: "Renew a webhook subscription before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/workers/subscriptions/"+args[0]+"/heartbeat", nil, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	return hbCmd
}
