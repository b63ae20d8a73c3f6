// ABOUTME: The run subcommand: loads config, wires the daemon, serves until signaled
// ABOUTME: Prints startup banner and structured-log configuration summary

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kivo360/warden/internal/config"
	"github.com/kivo360/warden/internal/daemon"
	"github.com/kivo360/warden/internal/events"
)

const banner = `
                         _
 __      ____ _ _ __ __| | ___ _ __
 \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
  \ V  V / (_| | | | (_| |  __/ | | |
   \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the supervision daemon",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting warden",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	d, err := daemon.New(cfg, logger, daemon.Options{})
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	go watchEvents(d.Events())

	return d.Run(cmd.Context())
}

// watchEvents echoes recovery-relevant events to the console so an operator
// watching the terminal sees interventions without reading the logs.
func watchEvents(bus *events.Bus) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	for ev := range ch {
		switch ev.Type {
		case events.RestartInitiated:
			yellow.Print("    ⟳ ")
			fmt.Printf("restart %s → %v\n", ev.AgentID, ev.Payload["new_agent_id"])
		case events.AgentResurrected:
			yellow.Print("    ⟳ ")
			fmt.Printf("resurrected %v → %s (depth %v)\n", ev.Payload["original_agent_id"], ev.AgentID, ev.Payload["lineage_depth"])
		case events.GuardianOverrideExecuted:
			red.Print("    ⚡ ")
			fmt.Printf("guardian %v on %s by %v\n", ev.Payload["action"], ev.AgentID, ev.Payload["actor"])
		}
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
