package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/focuskit/focusd/internal/config"
	"github.com/focuskit/focusd/internal/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkDuration time.Duration
	checkBlocked  []string
	checkInactive bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check policy decisions interactively",
	Long:  `Check what decisions focusd would make without running the daemon.`,
}

var checkOverrideCmd = &cobra.Command{
	Use:   "override [flags] DOMAIN",
	Short: "Check override admission decision",
	Long:  `Check whether a temporary unblock request for a domain would be admitted.`,
	Example: `  focusd -c config.yaml check override --duration 5m --blocked twitter.com,reddit.com twitter.com
  focusd check override --duration 30m --blocked news.ycombinator.com news.ycombinator.com`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckOverride,
}

func init() {
	checkOverrideCmd.Flags().DurationVar(&checkDuration, "duration", 5*time.Minute, "Requested override duration")
	checkOverrideCmd.Flags().StringSliceVar(&checkBlocked, "blocked", nil, "Blocked site list to evaluate against (comma separated)")
	checkOverrideCmd.Flags().BoolVar(&checkInactive, "inactive", false, "Evaluate as if no focus session is active")

	checkCmd.AddCommand(checkOverrideCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckOverride(cmd *cobra.Command, args []string) error {
	domain := strings.ToLower(strings.TrimSpace(args[0]))
	if domain == "" {
		return fmt.Errorf("domain must not be empty")
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	// Initialize Policy Engine
	policyEngine, err := policy.NewEngine(
		cfg.Policy.PolicyDir,
		parseDuration(cfg.Policy.MaxOverrideDuration, 10*time.Minute),
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	req := policy.OverrideRequest{
		Domain:          domain,
		DurationSeconds: int(checkDuration.Seconds()),
		BlockedSites:    checkBlocked,
		FocusActive:     !checkInactive,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	decision, err := policyEngine.EvaluateOverride(ctx, req)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	// Display result with colors
	printOverrideResult(req, decision)

	return nil
}

// printOverrideResult prints the override check result with colors
func printOverrideResult(req policy.OverrideRequest, decision *policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("OVERRIDE ADMISSION CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Domain:       %s\n", req.Domain)
	fmt.Printf("Requested:    %ds\n", req.DurationSeconds)
	fmt.Printf("Focus Active: %t\n", req.FocusActive)
	if len(req.BlockedSites) > 0 {
		fmt.Printf("Blocked:      %s\n", strings.Join(req.BlockedSites, ", "))
	} else {
		fmt.Printf("Blocked:      (none provided)\n")
	}
	fmt.Println()

	cyan.Print("Decision:     ")
	if decision.Allow {
		green.Println("ADMIT")
		fmt.Printf("              → Override will be recorded for %ds\n", decision.DurationSeconds)
		if decision.DurationSeconds < req.DurationSeconds {
			yellow.Printf("              → Duration clamped from %ds\n", req.DurationSeconds)
		}
	} else {
		red.Println("REFUSE")
		fmt.Println("              → Override will not be recorded")
	}

	if decision.Reason != "" {
		fmt.Printf("Reason:       %s\n", decision.Reason)
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
