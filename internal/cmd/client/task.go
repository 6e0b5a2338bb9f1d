// Package client contains Cobra CLI commands for codeq.
package client

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewTaskCommand constructs the `task` command group and subcommands.
func NewTaskCommand(baseURL BaseURLFunc) *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Task operations (enqueue, claim, lease management, results)",
		Long: `Task operations for the claim/lease work cycle.

Task Lifecycle:
  PENDING → [claim] → CLAIMED → [result] → COMPLETED
                         ↓ (nack after max attempts)
                       FAILED

Producer Commands:
  enqueue     Submit a task for a command type
  get         Show a task's current state
  result      Fetch a task's terminal result

Worker Commands:
  claim       Claim the oldest ready task (long-polls when the queue is empty)
  heartbeat   Extend the lease on a claimed task
  abandon     Return a claimed task to the queue immediately
  nack        Reject a claimed task for delayed redelivery
  complete    Submit a task's terminal result`,
	}

	taskCmd.AddCommand(
		newTaskEnqueueCommand(baseURL),
		newTaskClaimCommand(baseURL),
		newTaskGetCommand(baseURL),
		newTaskHeartbeatCommand(baseURL),
		newTaskAbandonCommand(baseURL),
		newTaskNackCommand(baseURL),
		newTaskCompleteCommand(baseURL),
		newTaskResultCommand(baseURL),
	)

	return taskCmd
}

// newTaskEnqueueCommand constructs the `task enqueue` subcommand.
func newTaskEnqueueCommand(baseURL BaseURLFunc) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task",
		RunE: func(cmd *cobra.Command, _ []string) error {
			command, _ := cmd.Flags().GetString("command")
			payload, _ := cmd.Flags().GetString("payload")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			delay, _ := cmd.Flags().GetInt("delay-seconds")
			webhook, _ := cmd.Flags().GetString("webhook")
			idemKey, _ := cmd.Flags().GetString("idempotency-key")

			body := map[string]any{"command": command}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("invalid --payload; expected JSON")
				}
				body["payload"] = json.RawMessage(payload)
			}
			if maxAttempts > 0 {
				body["maxAttempts"] = maxAttempts
			}
			if delay > 0 {
				body["delaySeconds"] = delay
			}
			if webhook != "" {
				body["webhook"] = webhook
			}
			var headers map[string]string
			if idemKey != "" {
				headers = map[string]string{"Idempotency-Key": idemKey}
			}

			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/tasks", body, headers)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	enqueueCmd.Flags().StringP("command", "c", "", "Command type (e.g. GENERATE_CREATIVE)")
	enqueueCmd.Flags().String("payload", "", "Task payload as a JSON document")
	enqueueCmd.Flags().Int("max-attempts", 0, "Delivery attempts before the task fails (0 = server default)")
	enqueueCmd.Flags().Int("delay-seconds", 0, "Delay before the task becomes claimable")
	enqueueCmd.Flags().String("webhook", "", "URL notified when the task reaches a terminal state")
	enqueueCmd.Flags().String("idempotency-key", "", "Dedupe key; repeats return the original task")
	_ = enqueueCmd.MarkFlagRequired("command")
	return enqueueCmd
}

// newTaskClaimCommand constructs the `task claim` subcommand.
func newTaskClaimCommand(baseURL BaseURLFunc) *cobra.Command {
	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the oldest ready task for one of the given commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			commands, _ := cmd.Flags().GetStringSlice("command")
			lease, _ := cmd.Flags().GetInt("lease-seconds")
			wait, _ := cmd.Flags().GetInt("wait-seconds")

			body := map[string]any{"commands": commands}
			if lease > 0 {
				body["leaseSeconds"] = lease
			}
			if wait > 0 {
				body["waitSeconds"] = wait
			}

			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/tasks/claim", body, nil)
			if err != nil {
				return err
			}
			if resp.StatusCode == http.StatusNoContent {
				resp.Body.Close()
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no work")
				return nil
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	claimCmd.Flags().StringSliceP("command", "c", nil, "Command types to claim (repeatable)")
	claimCmd.Flags().Int("lease-seconds", 0, "Requested lease duration (0 = server default)")
	claimCmd.Flags().Int("wait-seconds", 0, "Long-poll wait when the queue is empty")
	_ = claimCmd.MarkFlagRequired("command")
	return claimCmd
}

// newTaskGetCommand constructs the `task get` subcommand.
func newTaskGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/codeq/tasks/"+args[0], nil, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	return getCmd
}

// newTaskHeartbeatCommand constructs the `task heartbeat` subcommand.
func newTaskHeartbeatCommand(baseURL BaseURLFunc) *cobra.Command {
	hbCmd := &cobra.Command{
		Use:   "heartbeat <task-id>",
		Short: "Extend the lease on a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extend, _ := cmd.Flags().GetInt("extend-seconds")
			body := map[string]any{}
			if extend > 0 {
				body["extendSeconds"] = extend
			}
			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/tasks/"+args[0]+"/heartbeat", body, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	hbCmd.Flags().Int("extend-seconds", 0, "New lease duration from now (0 = server default)")
	return hbCmd
}

// newTaskAbandonCommand constructs the `task abandon` subcommand.
func newTaskAbandonCommand(baseURL BaseURLFunc) *cobra.Command {
	abandonCmd := &cobra.Command{
		Use:   "abandon <task-id>",
		Short: "Return a claimed task to the queue without penalty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/tasks/"+args[0]+"/abandon", nil, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	return abandonCmd
}

// newTaskNackCommand constructs the `task nack` subcommand.
func newTaskNackCommand(baseURL BaseURLFunc) *cobra.Command {
	nackCmd := &cobra.Command{
		Use:   "nack <task-id>",
		Short: "Reject a claimed task for delayed redelivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			body := map[string]any{}
			if cmd.Flags().Changed("delay-seconds") {
				delay, _ := cmd.Flags().GetInt("delay-seconds")
				body["delaySeconds"] = delay
			}
			if reason != "" {
				body["reason"] = reason
			}
			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/tasks/"+args[0]+"/nack", body, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
		Args: cobra.ExactArgs(1),
	}
	nackCmd.Flags().Int("delay-seconds", 0, "Redelivery delay (omit for the server backoff policy)")
	nackCmd.Flags().String("reason", "", "Rejection reason recorded with the attempt")
	return nackCmd
}

// newTaskCompleteCommand constructs the `task complete` subcommand.
func newTaskCompleteCommand(baseURL BaseURLFunc) *cobra.Command {
	completeCmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Submit a task's terminal result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			result, _ := cmd.Flags().GetString("result")
			errMsg, _ := cmd.Flags().GetString("error")

			body := map[string]any{"status": status}
			if result != "" {
				if !json.Valid([]byte(result)) {
					return fmt.Errorf("invalid --result; expected JSON")
				}
				body["result"] = json.RawMessage(result)
			}
			if errMsg != "" {
				body["error"] = errMsg
			}
			resp, err := doJSON(cmd.Context(), http.MethodPost, baseURL()+"/v1/codeq/tasks/"+args[0]+"/result", body, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	completeCmd.Flags().String("status", "COMPLETED", "Terminal status: COMPLETED|FAILED")
	completeCmd.Flags().String("result", "", "Result document as JSON")
	completeCmd.Flags().String("error", "", "Error message for FAILED submissions")
	return completeCmd
}

// newTaskResultCommand constructs the `task result` subcommand.
func newTaskResultCommand(baseURL BaseURLFunc) *cobra.Command {
	resultCmd := &cobra.Command{
		Use:   "result <task-id>",
		Short: "Fetch a task's result (202 while still in flight)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := doJSON(cmd.Context(), http.MethodGet, baseURL()+"/v1/codeq/tasks/"+args[0]+"/result", nil, nil)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp)
		},
	}
	return resultCmd
}
