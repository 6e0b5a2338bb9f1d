package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the codeq client.
// It registers the task, worker, and admin command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "codeq",
		Short: "codeq client commands",
	}
	root.AddCommand(NewTaskCommand(baseURL))
	root.AddCommand(NewWorkerCommand(baseURL))
	root.AddCommand(NewAdminCommand(baseURL))
	return root
}
