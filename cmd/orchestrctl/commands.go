package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type instanceResponse struct {
	InstanceID  string `json:"instance_id"`
	ExecutionID string `json:"execution_id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	Input       string `json:"input,omitempty"`
	Output      string `json:"output,omitempty"`
}

func newStartCommand() *cobra.Command {
	var name, version, instanceID, input string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new orchestration instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp instanceResponse
			err := doRequest("POST", "/api/v1/instances", map[string]any{
				"name":        name,
				"version":     version,
				"instance_id": instanceID,
				"input":       input,
			}, &resp)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "orchestration name (required)")
	cmd.Flags().StringVar(&version, "version", "", "orchestration version (required)")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "instance id (generated if omitted)")
	cmd.Flags().StringVar(&input, "input", "", "opaque JSON input")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var wait bool
	var timeoutSeconds int

	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Get an instance's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/instances/" + args[0]
			if wait {
				path = fmt.Sprintf("%s/wait?timeout_seconds=%d", path, timeoutSeconds)
			}
			var resp instanceResponse
			if err := doRequest("GET", path, nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the instance reaches a terminal status")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout-seconds", 60, "wait timeout in seconds")
	return cmd
}

func newRaiseEventCommand() *cobra.Command {
	var name, input string

	cmd := &cobra.Command{
		Use:   "raise-event <instance-id>",
		Short: "Raise an external event on a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest("POST", "/api/v1/instances/"+args[0]+"/events", map[string]any{
				"name":  name,
				"input": input,
			}, nil)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "event name (required)")
	cmd.Flags().StringVar(&input, "input", "", "opaque JSON payload")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newTerminateCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Request early termination of a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest("POST", "/api/v1/instances/"+args[0]+"/terminate", map[string]any{
				"reason": reason,
			}, nil)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
