// Package cli provides the command-line interface of the bulk blocking
// tool. It wires configuration, the cookie jar, the datastore, the cache
// and the API client, and exposes the run, retry, maintenance and
// diagnostic commands.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (BULKBLOCK_ prefix, legacy names honored)
//  3. Configuration file values ($HOME/.bulkblock.yaml or ./.bulkblock.yaml)
//  4. Default values
//
// Exit behavior: the process exits non-zero only for configuration,
// authentication and persistence errors. Per-target failures are recorded
// in the history and reported in the summary; they do not fail the run.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bulkblock.org/api"
	"bulkblock.org/cache"
	"bulkblock.org/common"
	"bulkblock.org/config"
	"bulkblock.org/manager"
	"bulkblock.org/stats"
	"bulkblock.org/store"
)

// cfgFile holds the path of the configuration file given via --config.
var cfgFile string

// runAll opts out of the limited default run.
var runAll bool

// RootCmd is the entry point. Without a subcommand it runs the blocking
// pipeline over the configured target list; by default only the first few
// targets are processed so a fresh setup can be verified cheaply.
var RootCmd = &cobra.Command{
	Use:   "bulkblock",
	Short: "bulk-block accounts from a target list, resumably",
	Long: `bulkblock processes a list of target accounts and blocks each one
through the authenticated web API, using an exported browser cookie session.

Every outcome is recorded in a local datastore, so an interrupted run
resumes where it left off: already blocked targets and targets that are
gone for good (suspended, deleted, deactivated) are never contacted again.
Accounts you follow, that follow you, or that are already blocked are
skipped by the safety filter.

A plain invocation processes only the first few targets as a dry check of
the setup; pass --all to process the whole list.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPipeline,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bulkblock.yaml)")
	RootCmd.PersistentFlags().String("cookies", "", "path of the exported browser cookie file")
	RootCmd.PersistentFlags().String("targets", "", "path of the target list file")
	RootCmd.PersistentFlags().String("db", "", "path of the outcome history datastore")
	RootCmd.PersistentFlags().String("cache-dir", "", "root directory of the resolution cache")
	RootCmd.PersistentFlags().Duration("delay", 0, "pause between block calls")
	RootCmd.PersistentFlags().Int("batch-size", 0, "targets per pipeline batch")
	RootCmd.PersistentFlags().Bool("enable-forwarded-for", false, "send the regional forwarding header")
	RootCmd.PersistentFlags().Bool("disable-header-enhancement", false, "omit the per-request transaction-id header")
	RootCmd.PersistentFlags().Bool("debug", false, "verbose logging")

	RootCmd.Flags().BoolVar(&runAll, "all", false, "process the whole target list")
	RootCmd.Flags().Int("max-targets", 0, "process at most this many targets (0 = all)")
	RootCmd.Flags().Bool("auto-retry", false, "run an unattended retry pass after the list")

	RootCmd.AddCommand(retryCmd, resetRetryCmd, statsCmd, debugErrorsCmd, checkCmd, versionCmd)
}

// bindFlags attaches the persistent and local flags to the loader's viper
// instance. Binding happens per execution, after the loader exists. The
// persistent flags live on the root command, reached through cmd so no
// package-level command variable is touched at initialization time.
func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	persistent := cmd.Root().PersistentFlags()
	v.BindPFlag("cookies_path", persistent.Lookup("cookies"))
	v.BindPFlag("targets_path", persistent.Lookup("targets"))
	v.BindPFlag("db_path", persistent.Lookup("db"))
	v.BindPFlag("cache_dir", persistent.Lookup("cache-dir"))
	v.BindPFlag("delay", persistent.Lookup("delay"))
	v.BindPFlag("batch_size", persistent.Lookup("batch-size"))
	v.BindPFlag("enable_forwarded_for", persistent.Lookup("enable-forwarded-for"))
	v.BindPFlag("disable_header_enhancement", persistent.Lookup("disable-header-enhancement"))
	v.BindPFlag("debug", persistent.Lookup("debug"))

	if flag := cmd.Flags().Lookup("max-targets"); flag != nil {
		v.BindPFlag("max_targets", flag)
	}
	if flag := cmd.Flags().Lookup("auto-retry"); flag != nil {
		v.BindPFlag("auto_retry", flag)
	}
}

// app bundles everything a command needs.
type app struct {
	cfg      *config.Config
	store    *store.Store
	client   *api.Client
	manager  *manager.Manager
	reporter *stats.Reporter
}

// setup loads configuration and wires the full component stack. Commands
// that only read the datastore pass withAPI=false and skip the cookie jar.
func setup(cmd *cobra.Command, withAPI bool) (*app, func(), error) {
	loader := config.NewLoader()
	bindFlags(loader.Viper(), cmd)

	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if cfg.Debug {
		level = "debug"
	}
	common.ConfigureLogger(common.LoggerConfig{Level: level, Format: cfg.Logging.Format})
	log := common.Logger

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { st.Close() }

	a := &app{
		cfg:      cfg,
		store:    st,
		reporter: stats.NewReporter(st, os.Stdout),
	}
	if !withAPI {
		return a, cleanup, nil
	}

	jar, err := config.LoadCookieJar(cfg.CookiesPath)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	cc, err := cache.Open(cfg.CacheDir)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	client, err := api.New(cfg, jar, cc, log)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	a.client = client
	a.manager = manager.New(client, st, cfg, log)
	return a, cleanup, nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM, so a run
// interrupted at the terminal still finishes its current record write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runPipeline is the root command: process the target list.
func runPipeline(cmd *cobra.Command, args []string) error {
	a, cleanup, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer cleanup()

	targets, err := config.LoadTargetList(a.cfg.TargetsPath)
	if err != nil {
		return err
	}

	limit := a.cfg.MaxTargets
	if !runAll && limit == 0 {
		limit = config.DefaultTestLimit
		fmt.Printf("Processing the first %d targets only; pass --all for the whole list.\n", limit)
	}

	ctx, cancel := signalContext()
	defer cancel()

	summary, err := a.manager.Run(ctx, targets, manager.RunOptions{
		Limit:     limit,
		AutoRetry: a.cfg.AutoRetry,
	})
	if summary != nil {
		a.reporter.RunSummary(summary)
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("\nInterrupted; progress is recorded and the next run resumes.")
		return nil
	}
	return err
}

// Execute runs the CLI. It returns a non-nil error only for failures that
// should make the process exit non-zero.
func Execute() error {
	return RootCmd.Execute()
}
