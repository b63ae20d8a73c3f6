// ABOUTME: Entry point for the warden supervision daemon and its operator CLI
// ABOUTME: Cobra command tree: run, status, resurrect, override, audit

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "warden",
	Short:   "Warden - agent fleet health monitor and fault recovery",
	Version: version,
	Long: `Warden supervises a fleet of agents: it tracks heartbeats, scores
anomalies against learned baselines, restarts unresponsive agents,
quarantines anomalous ones, and resurrects terminated agents with
bounded lineage. A lease-elected Guardian holds override authority.`,
}

// getConfigPath returns the path to the warden config file.
// Priority: WARDEN_CONFIG env var > XDG_CONFIG_HOME/warden/warden.yaml > ~/.config/warden/warden.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warden.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warden", "warden.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
