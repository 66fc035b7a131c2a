package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (c *cli) executionCmd() *cobra.Command {
	execCmd := &cobra.Command{
		Use:     "execution",
		Aliases: []string{"exec"},
		Short:   "Execution management",
	}

	var (
		flowID, contactID, status, inactivity string
		limit, offset                         int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			for key, value := range map[string]string{
				"flow_id":           flowID,
				"contact_id":        contactID,
				"status":            status,
				"inactivity_status": inactivity,
			} {
				if value != "" {
					query.Set(key, value)
				}
			}
			if limit > 0 {
				query.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				query.Set("offset", strconv.Itoa(offset))
			}
			return c.call(cmd, http.MethodGet, "/executions", query, nil)
		},
	}
	listCmd.Flags().StringVar(&flowID, "flow", "", "Filter by flow")
	listCmd.Flags().StringVar(&contactID, "contact", "", "Filter by contact")
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&inactivity, "inactivity-status", "", "Filter by inactivity status")
	listCmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	listCmd.Flags().IntVar(&offset, "offset", 0, "Page offset")

	var (
		startFlow, startContact, ticket, startNode string
		vars                                       []string
	)
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a flow for a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := parseAssignments(vars)
			if err != nil {
				return err
			}
			return c.call(cmd, http.MethodPost, "/executions", nil, map[string]interface{}{
				"flow_id":           startFlow,
				"contact_id":        startContact,
				"ticket_ref":        ticket,
				"start_node_id":     startNode,
				"initial_variables": initial,
			})
		},
	}
	startCmd.Flags().StringVar(&startFlow, "flow", "", "Flow to start")
	startCmd.Flags().StringVar(&startContact, "contact", "", "Contact to talk to")
	startCmd.Flags().StringVar(&ticket, "ticket", "", "Ticket reference")
	startCmd.Flags().StringVar(&startNode, "node", "", "Start node (default the flow's start node)")
	startCmd.Flags().StringArrayVar(&vars, "var", nil, "Initial variable as key=value (repeatable)")
	_ = startCmd.MarkFlagRequired("flow")
	_ = startCmd.MarkFlagRequired("contact")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Get an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodGet, executionPath(args[0], ""), nil, nil)
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs [id]",
		Short: "Show the log of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodGet, executionPath(args[0], "/logs"), nil, nil)
		},
	}

	var reason string
	reasonCmd := func(use, short, suffix string) *cobra.Command {
		cmd := &cobra.Command{
			Use:   use + " [id]",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, http.MethodPost, executionPath(args[0], suffix), nil, map[string]string{"reason": reason})
			},
		}
		cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the execution")
		return cmd
	}

	var (
		resumeNode string
		resumeVars []string
	)
	resumeCmd := &cobra.Command{
		Use:   "resume [id]",
		Short: "Resume a paused execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseAssignments(resumeVars)
			if err != nil {
				return err
			}
			return c.call(cmd, http.MethodPost, executionPath(args[0], "/resume"), nil, map[string]interface{}{
				"next_node_id": resumeNode,
				"variables":    overrides,
			})
		},
	}
	resumeCmd.Flags().StringVar(&resumeNode, "node", "", "Continue at this node instead of the current one")
	resumeCmd.Flags().StringArrayVar(&resumeVars, "var", nil, "Variable override as key=value (repeatable)")

	setCmd := &cobra.Command{
		Use:   "set [id] [key] [value]",
		Short: "Set a variable of an execution",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodPut, executionPath(args[0], "/variables/"+url.PathEscape(args[1])), nil,
				map[string]interface{}{"value": parseValue(args[2])})
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check [id]",
		Short: "Apply the inactivity policy to an execution now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodPost, executionPath(args[0], "/inactivity-check"), nil, nil)
		},
	}

	execCmd.AddCommand(
		listCmd, startCmd, getCmd, logsCmd,
		reasonCmd("pause", "Pause an active execution", "/pause"),
		resumeCmd,
		reasonCmd("cancel", "Cancel an execution", "/cancel"),
		reasonCmd("force-end", "End an execution and tell the contact", "/force-end"),
		setCmd, checkCmd,
	)
	return execCmd
}

func (c *cli) messageCmd() *cobra.Command {
	var contactID, body, messageID string
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Send an inbound contact message, as the messaging service would",
		RunE: func(cmd *cobra.Command, args []string) error {
			if messageID == "" {
				messageID = uuid.NewString()
			}
			return c.call(cmd, http.MethodPost, "/messages", nil, map[string]interface{}{
				"body":            body,
				"from_contact_id": contactID,
				"message_id":      messageID,
				"timestamp":       time.Now().UTC(),
			})
		},
	}
	sendCmd.Flags().StringVar(&contactID, "contact", "", "Sending contact")
	sendCmd.Flags().StringVar(&body, "body", "", "Message text")
	sendCmd.Flags().StringVar(&messageID, "id", "", "Message id (default random)")
	_ = sendCmd.MarkFlagRequired("contact")

	messageCmd := &cobra.Command{
		Use:   "message",
		Short: "Inbound messages",
	}
	messageCmd.AddCommand(sendCmd)
	return messageCmd
}

func executionPath(id, suffix string) string {
	return "/executions/" + url.PathEscape(id) + suffix
}

// parseAssignments turns key=value pairs into variables
func parseAssignments(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}
		vars[key] = parseValue(value)
	}
	return vars, nil
}

// parseValue reads JSON scalars, objects and arrays; anything else stays a string
func parseValue(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
