package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bulkblock.org/api"
	"bulkblock.org/classify"
	"bulkblock.org/config"
	"bulkblock.org/store"
	"bulkblock.org/version"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "re-attempt failed targets whose backoff window has elapsed",
	Long: `retry reprocesses targets recorded as failed, skipping permanent
failures and targets already at the attempt ceiling. Eligibility respects
the exponential backoff since the last attempt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer cleanup()

		ceiling, _ := cmd.Flags().GetInt("max-attempts")
		ctx, cancel := signalContext()
		defer cancel()

		summary, err := a.manager.Retry(ctx, ceiling)
		if summary != nil {
			a.reporter.RunSummary(summary)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var resetRetryCmd = &cobra.Command{
	Use:   "reset-retry [target ...]",
	Short: "reset the attempt counters of failed targets",
	Long: `reset-retry zeroes the attempt counter and backoff gate of failed
targets, so the next retry pass reconsiders them immediately. Without
arguments every failed target is reset; with arguments only the named
targets are. Pass --full to also clear the recorded error details.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer cleanup()

		filter := store.Filter{Identifiers: args, Format: identifierFormat(cmd)}
		full, _ := cmd.Flags().GetBool("full")

		var affected int
		if full {
			affected, err = a.store.ResetFailed(filter)
		} else {
			affected, err = a.store.ResetAttempts(filter)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Reset %d failed target(s).\n", affected)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print the outcome history totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer cleanup()
		return a.reporter.Totals()
	},
}

var debugErrorsCmd = &cobra.Command{
	Use:   "debug-errors",
	Short: "print the failure breakdown with sample messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup(cmd, false)
		if err != nil {
			return err
		}
		defer cleanup()

		limit, _ := cmd.Flags().GetInt("samples")
		return a.reporter.Failures(limit)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <target>",
	Short: "inspect one target's history and live state without blocking",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup(cmd, true)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := signalContext()
		defer cancel()

		report, err := a.manager.DebugTarget(ctx, args[0], identifierFormat(cmd))
		if err != nil {
			return err
		}
		a.reporter.Target(report)

		limit, remaining, reset := a.client.RateLimitStatus(api.FamilyUserRead)
		a.reporter.RateLimit(api.FamilyUserRead, limit, remaining, reset)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("bulkblock %s\n", version.Get())

		verbose, _ := cmd.Flags().GetBool("verbose")
		if !verbose {
			return nil
		}
		info := version.GetBuildInfo()
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	},
}

func init() {
	retryCmd.Flags().Int("max-attempts", classify.DefaultMaxAttempts, "attempt ceiling for this pass")
	resetRetryCmd.Flags().Bool("full", false, "also clear error details, HTTP status and account state")
	resetRetryCmd.Flags().Bool("ids", false, "arguments are numeric ids, not handles")
	debugErrorsCmd.Flags().Int("samples", 10, "distinct recent error messages to print")
	checkCmd.Flags().Bool("ids", false, "argument is a numeric id, not a handle")
	versionCmd.Flags().Bool("verbose", false, "include Go version and dependency list")
}

// identifierFormat reads the --ids flag of commands that accept targets on
// the command line.
func identifierFormat(cmd *cobra.Command) config.Format {
	if ids, _ := cmd.Flags().GetBool("ids"); ids {
		return config.FormatUserID
	}
	return config.FormatScreenName
}
