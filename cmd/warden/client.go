// ABOUTME: Operator subcommands talking to a running daemon over its HTTP API
// ABOUTME: status, resurrect, override, audit with colorized human output

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var serverAddr string
var statusJSON bool
var overrideActor string
var overrideJustification string

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8600", "Daemon HTTP address")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resurrectCmd)

	overrideCmd.Flags().StringVar(&overrideActor, "actor", "", "Human operator identity (required)")
	overrideCmd.Flags().StringVar(&overrideJustification, "justification", "", "Reason for the override (required)")
	overrideCmd.MarkFlagRequired("actor")
	overrideCmd.MarkFlagRequired("justification")
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(auditCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status",
	RunE:  runStatus,
}

var resurrectCmd = &cobra.Command{
	Use:   "resurrect <agent-id>",
	Short: "Resurrect a terminated agent as a new successor",
	Args:  cobra.ExactArgs(1),
	RunE:  runResurrect,
}

var overrideCmd = &cobra.Command{
	Use:   "override <force_terminate|reallocate> <agent-id>",
	Short: "Execute a privileged Guardian override",
	Args:  cobra.ExactArgs(2),
	RunE:  runOverride,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the Guardian override audit trail",
	RunE:  runAudit,
}

// agentView mirrors the daemon's agent JSON shape.
type agentView struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Class             string  `json:"class"`
	Status            string  `json:"status"`
	LastHeartbeat     string  `json:"last_heartbeat"`
	ConsecutiveMisses int     `json:"consecutive_misses"`
	AnomalyScore      float64 `json:"anomaly_score"`
	RestartCount      int     `json:"restart_count"`
	LineageDepth      int     `json:"lineage_depth"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var agents []agentView
	if err := getJSON(cmd.Context(), "/v1/agents", &agents); err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}

	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("%-38s %-16s %-14s %-12s %7s %8s\n", "ID", "NAME", "CLASS", "STATUS", "MISSES", "ANOMALY")
	for _, a := range agents {
		statusColor(a.Status).Printf("%-38s %-16s %-14s %-12s %7d %8.2f\n",
			a.ID, a.Name, a.Class, a.Status, a.ConsecutiveMisses, a.AnomalyScore)
	}
	return nil
}

func statusColor(status string) *color.Color {
	switch status {
	case "RUNNING", "IDLE":
		return color.New(color.FgGreen)
	case "DEGRADED", "SPAWNING":
		return color.New(color.FgYellow)
	case "FAILED", "QUARANTINED":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgHiBlack)
	}
}

func runResurrect(cmd *cobra.Command, args []string) error {
	var successor agentView
	if err := postJSON(cmd.Context(), "/v1/agents/"+args[0]+"/resurrect", nil, &successor); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Resurrected %s as %s (lineage depth %d)\n", args[0], successor.ID, successor.LineageDepth)
	return nil
}

func runOverride(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"actor":           overrideActor,
		"target_agent_id": args[1],
		"action":          args[0],
		"justification":   overrideJustification,
	}
	var resp map[string]string
	if err := postJSON(cmd.Context(), "/v1/guardian/override", body, &resp); err != nil {
		return err
	}

	yellow := color.New(color.FgYellow)
	yellow.Print("⚡ ")
	fmt.Printf("Override %s executed against %s\n", args[0], args[1])
	return nil
}

type auditView struct {
	ID            string    `json:"ID"`
	Epoch         int64     `json:"Epoch"`
	Actor         string    `json:"Actor"`
	TargetAgentID string    `json:"TargetAgentID"`
	Action        string    `json:"Action"`
	Justification string    `json:"Justification"`
	Timestamp     time.Time `json:"Timestamp"`
}

func runAudit(cmd *cobra.Command, args []string) error {
	var actions []auditView
	if err := getJSON(cmd.Context(), "/v1/guardian/audit", &actions); err != nil {
		return err
	}

	if len(actions) == 0 {
		fmt.Println("No overrides recorded.")
		return nil
	}

	for _, a := range actions {
		fmt.Printf("%s  epoch=%d  %s  %s -> %s\n    %s\n",
			a.Timestamp.Format(time.RFC3339), a.Epoch, a.Action, a.Actor, a.TargetAgentID, a.Justification)
	}
	return nil
}

func getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverAddr+path, nil)
	if err != nil {
		return err
	}
	return doJSON(req, out)
}

func postJSON(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverAddr+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, out)
}

func doJSON(req *http.Request, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to daemon at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
