// Package main provides a CLI for interacting with the convoflow server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Config represents the CLI configuration
type Config struct {
	ServerURL string `json:"server_url"`
	TenantID  string `json:"tenant_id"`
}

// cli holds the global flags shared by every command
type cli struct {
	serverURL  string
	tenantID   string
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:          "convoflow-cli",
		Short:        "Convoflow CLI",
		Long:         "Command-line interface for managing flows and executions on a convoflow server",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.serverURL == "" || c.tenantID == "" {
				c.loadConfig(cmd)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.serverURL, "server", "", "Server URL")
	rootCmd.PersistentFlags().StringVar(&c.tenantID, "tenant", "", "Tenant ID")
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(
		c.configureCmd(),
		c.flowCmd(),
		c.executionCmd(),
		c.messageCmd(),
		migrateCmd(),
	)
	return rootCmd
}

func (c *cli) defaultConfigPath() string {
	if c.configPath != "" {
		return c.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".convoflow", "cli-config.json")
}

// loadConfig fills the flags not given on the command line from the config file
func (c *cli) loadConfig(cmd *cobra.Command) {
	path := c.defaultConfigPath()
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: Failed to read config file: %v\n", err)
		return
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: Failed to parse config file: %v\n", err)
		return
	}
	if c.serverURL == "" {
		c.serverURL = config.ServerURL
	}
	if c.tenantID == "" {
		c.tenantID = config.TenantID
	}
}

// saveConfig saves the CLI configuration
func (c *cli) saveConfig(config Config) (string, error) {
	path := c.defaultConfigPath()
	if path == "" {
		return "", fmt.Errorf("failed to locate the home directory")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

func (c *cli) configureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Save the server URL and tenant for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.serverURL == "" || c.tenantID == "" {
				return fmt.Errorf("--server and --tenant are required")
			}
			path, err := c.saveConfig(Config{ServerURL: c.serverURL, TenantID: c.tenantID})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
			return nil
		},
	}
}
