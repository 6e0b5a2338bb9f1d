package client

import (
	"net/http"

	"github.com/spf13/cobra"
)

// NewAdminCommand constructs the `admin` command group. These routes require
// a token carrying the admin scope.
func NewAdminCommand(baseURL BaseURLFunc) *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Operational commands",
	}
	adminCmd.AddCommand(
		newAdminQueuesCommand(baseURL),
		newAdminCleanupCommand(baseURL),
	)
	return adminCmd
}

// newAdminQueuesCommand constructs the `admin queues` subcommand.
func newAdminQueuesCommand(baseURL BaseURLFunc) *cobra.Command {
	queuesCmd := &cobra.Command{
		Use:   "queues",
		Short: "Show per-command queue depths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/codeq/admin/queues", nil, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	return queuesCmd
}

// newAdminCleanupCommand constructs the `admin cleanup` subcommand.
func newAdminCleanupCommand(baseURL BaseURLFunc) *cobra.Command {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove terminal tasks past their retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			body := map[string]any{}
			if limit > 0 {
				body["limit"] = limit
			}
			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/admin/tasks/cleanup", body, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	cleanupCmd.Flags().Int("limit", 0, "Max records to remove in one pass (0 = server default)")
	return cleanupCmd
}
