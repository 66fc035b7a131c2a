package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tcmartin/convoflow/pkg/flow"
	"github.com/tcmartin/convoflow/pkg/loader"
)

func (c *cli) flowCmd() *cobra.Command {
	flowCmd := &cobra.Command{
		Use:   "flow",
		Short: "Flow management",
	}

	var (
		nameFilter string
		activeOnly bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if nameFilter != "" {
				query.Set("name", nameFilter)
			}
			if activeOnly {
				query.Set("active", "true")
			}
			return c.call(cmd, http.MethodGet, "/flows", query, nil)
		},
	}
	listCmd.Flags().StringVar(&nameFilter, "name", "", "Only flows whose name contains this text")
	listCmd.Flags().BoolVar(&activeOnly, "active", false, "Only active flows")

	var activate bool
	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import a YAML or JSON flow document as a new flow or a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			query := url.Values{}
			if activate {
				query.Set("activate", "true")
			}
			return c.call(cmd, http.MethodPost, "/flows", query, content)
		},
	}
	importCmd.Flags().BoolVar(&activate, "activate", false, "Activate the imported version")

	getCmd := &cobra.Command{
		Use:   "get [id] [version]",
		Short: "Get the latest or a specific version of a flow",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/flows/" + url.PathEscape(args[0])
			if len(args) == 2 {
				if _, err := strconv.Atoi(args[1]); err != nil {
					return fmt.Errorf("invalid version %q", args[1])
				}
				path += "/versions/" + args[1]
			}
			return c.call(cmd, http.MethodGet, path, nil, nil)
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update [id] [file]",
		Short: "Store a new version of a flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			return c.call(cmd, http.MethodPut, "/flows/"+url.PathEscape(args[0]), nil, content)
		},
	}

	versionsCmd := &cobra.Command{
		Use:   "versions [id]",
		Short: "List the versions of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodGet, "/flows/"+url.PathEscape(args[0])+"/versions", nil, nil)
		},
	}

	var version int
	activateCmd := &cobra.Command{
		Use:   "activate [id]",
		Short: "Validate a version and start new executions with it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodPost, "/flows/"+url.PathEscape(args[0])+"/activate", nil,
				map[string]int{"version": version})
		},
	}
	activateCmd.Flags().IntVar(&version, "version", 0, "Version to activate (default latest)")

	deactivateCmd := &cobra.Command{
		Use:   "deactivate [id]",
		Short: "Stop starting new executions of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, http.MethodPost, "/flows/"+url.PathEscape(args[0])+"/deactivate", nil, nil)
		},
	}

	var remote bool
	validateCmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a flow document locally, or on the server with --remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			if remote {
				return c.call(cmd, http.MethodPost, "/flows/validate", nil, content)
			}
			return validateLocally(cmd, content)
		},
	}
	validateCmd.Flags().BoolVar(&remote, "remote", false, "Validate on the server")

	flowCmd.AddCommand(listCmd, importCmd, getCmd, updateCmd, versionsCmd, activateCmd, deactivateCmd, validateCmd)
	return flowCmd
}

// validateLocally checks a document with the same loader the server uses
func validateLocally(cmd *cobra.Command, content []byte) error {
	err := loader.NewYAMLLoader().Validate(content)
	if err == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Flow is valid")
		return nil
	}

	var invalid *flow.ValidationError
	if errors.As(err, &invalid) {
		for _, problem := range invalid.Problems {
			fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", problem)
		}
	}
	return err
}

// call sends one request and prints the answer
func (c *cli) call(cmd *cobra.Command, method, path string, query url.Values, body interface{}) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	data, err := client.do(method, path, query, body)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), data)
}
