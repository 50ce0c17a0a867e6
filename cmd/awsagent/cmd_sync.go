package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/awsagent/internal/agent"
	"github.com/yairfalse/awsagent/internal/audit"
	"github.com/yairfalse/awsagent/internal/config"
	"github.com/yairfalse/awsagent/internal/emitter"
	"github.com/yairfalse/awsagent/internal/filter"
	"github.com/yairfalse/awsagent/internal/plugin/aws"
	"github.com/yairfalse/awsagent/internal/postgres"
	"github.com/yairfalse/awsagent/internal/reconciler"
	"github.com/yairfalse/awsagent/internal/registry"
	"github.com/yairfalse/awsagent/internal/telemetry"
	"github.com/yairfalse/awsagent/internal/timeseries"
)

const exitPartial = 2

// syncOptions holds sync flags.
type syncOptions struct {
	configPath     string
	envFile        string
	entityService  string
	region         string
	profile        string
	token          string
	noOAuth2       bool
	postgresUser   string
	postgresPass   string
	writeToken     string
	pushgateway    string
	auditDir       string
	json           bool
	dryRun         bool
	skipUnchanged  bool
	failOnPartial  bool
	maxConcurrency int
	disable        []string
	debug          bool
}

func newSyncCmd() *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one discovery and reconciliation pass",
		Long: `Run one discovery and reconciliation pass for a single account and region.

This command will:
1. Resolve the account (STS) and region (flag, config or instance metadata)
2. Scan every supported resource kind concurrently
3. Read the agent's entities of this account and region from the registry
4. Delete entities that no longer exist, then upsert the desired set

Kinds whose scan fails keep their registry entities untouched.

Examples:
  # Sync the region this instance runs in
  awsagent sync --entity-service https://zmon.example.org

  # Print the plan and desired entities as JSON without writing
  awsagent sync --json

  # Leave queues and tables untouched
  awsagent sync --disable aws_sqs,dynamodb

  # Fail the job when any scan or write failed
  awsagent sync --fail-on-partial`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, *opts)
		},
	}
	bindSyncFlags(cmd, opts)
	return cmd
}

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func bindSyncFlags(cmd *cobra.Command, opts *syncOptions) {
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "TOML config file path")
	f.StringVar(&opts.envFile, "env-file", "", "Load environment from this .env file (default .env if present)")
	f.StringVarP(&opts.entityService, "entity-service", "e", "", "Entity registry base URL")
	f.StringVarP(&opts.region, "region", "r", "", "AWS region (default: instance metadata)")
	f.StringVar(&opts.profile, "profile", "", "AWS shared config profile")
	f.StringVar(&opts.token, "token", "", "Bearer token for the entity registry")
	f.BoolVar(&opts.noOAuth2, "no-oauth2", false, "Do not send a bearer token")
	f.StringVar(&opts.postgresUser, "postgresql-user", "", "User for listing databases of PostgreSQL clusters")
	f.StringVar(&opts.postgresPass, "postgresql-pass", "", "Password for listing databases of PostgreSQL clusters")
	f.StringVarP(&opts.writeToken, "write-token", "w", "", "Scalyr write token; creates time series for new applications")
	f.StringVar(&opts.pushgateway, "pushgateway", "", "Prometheus Pushgateway URL for pass metrics")
	f.StringVar(&opts.auditDir, "audit-dir", "", "Directory for the registry write log")
	f.BoolVarP(&opts.json, "json", "j", false, "Print plan and entities as JSON, do not write")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Compute the plan without writing")
	f.BoolVar(&opts.skipUnchanged, "skip-unchanged", false, "Only upsert new or changed entities")
	f.BoolVar(&opts.failOnPartial, "fail-on-partial", false, "Exit non-zero when any scan or write failed")
	f.IntVar(&opts.maxConcurrency, "max-concurrency", 0, "Registry writes in flight per tier")
	f.StringSliceVar(&opts.disable, "disable", nil, "Entity kinds to skip; their registry entities are kept")
	f.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
}

func runSync(cmd *cobra.Command, opts syncOptions) error {
	bootLogger := newLogger("info")
	config.LoadEnvFile(bootLogger, opts.envFile)

	cfg, err := loadConfig(cmd, opts, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx)

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	var auditor reconciler.Auditor
	if cfg.Audit.Dir != "" && !cfg.Reconcile.DryRun {
		log, err := openAudit(cfg.Audit, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := log.Close(); err != nil {
				logger.Warn().Err(err).Msg("audit log close failed")
			}
		}()
		auditor = log
	}

	pass, err := buildAgent(ctx, cfg, provider, auditor, logger)
	if err != nil {
		return err
	}

	result, err := pass.Run(ctx)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	emit := buildEmitter(cfg, opts, logger)
	defer func() { _ = emit.Close() }()
	if err := emit.Emit(ctx, result); err != nil {
		logger.Error().Err(err).Msg("emit failed")
	}

	if cfg.Reconcile.FailOnPartial && result.Report.Outcome() != reconciler.OutcomeSuccess {
		return &exitError{code: exitPartial, err: fmt.Errorf("partial pass: %w", result.Report.Err())}
	}
	return nil
}

// loadConfig layers the config file, environment and flags, in that order.
func loadConfig(cmd *cobra.Command, opts syncOptions, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	applyFlags(cmd, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, opts syncOptions, cfg *config.Config) {
	changed := cmd.Flags().Changed

	strs := []struct {
		flag string
		val  string
		dst  *string
	}{
		{"entity-service", opts.entityService, &cfg.Registry.URL},
		{"region", opts.region, &cfg.AWS.Region},
		{"profile", opts.profile, &cfg.AWS.Profile},
		{"token", opts.token, &cfg.Registry.Token},
		{"postgresql-user", opts.postgresUser, &cfg.Postgres.User},
		{"postgresql-pass", opts.postgresPass, &cfg.Postgres.Password},
		{"write-token", opts.writeToken, &cfg.Scalyr.WriteToken},
		{"pushgateway", opts.pushgateway, &cfg.Pushgateway.URL},
		{"audit-dir", opts.auditDir, &cfg.Audit.Dir},
	}
	for _, s := range strs {
		if changed(s.flag) {
			*s.dst = s.val
		}
	}

	if opts.noOAuth2 {
		cfg.Registry.Token = ""
	}
	if opts.json || opts.dryRun {
		cfg.Reconcile.DryRun = true
	}
	if changed("skip-unchanged") {
		cfg.Reconcile.SkipUnchanged = opts.skipUnchanged
	}
	if changed("fail-on-partial") {
		cfg.Reconcile.FailOnPartial = opts.failOnPartial
	}
	if changed("max-concurrency") {
		cfg.Reconcile.MaxConcurrency = opts.maxConcurrency
	}
	if changed("disable") {
		cfg.Scanner.Disabled = opts.disable
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}
}

func newLogger(level string) zerolog.Logger {
	return telemetry.NewLogger("awsagent", telemetry.LoggerOptions{
		Level:   level,
		Console: isatty.IsTerminal(os.Stderr.Fd()),
		Output:  os.Stderr,
	})
}

// openAudit prunes expired write logs and opens a new one for this pass.
func openAudit(cfg config.AuditConfig, logger zerolog.Logger) (*audit.Log, error) {
	stats, err := audit.Cleanup(cfg.Dir, cfg.Retention, time.Now())
	if err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Dir).Msg("audit cleanup failed")
	} else if stats.FilesRemoved > 0 {
		logger.Debug().Int("files", stats.FilesRemoved).Int64("bytes", stats.BytesFreed).Msg("expired audit logs removed")
	}

	log, err := audit.Open(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	logger.Info().Str("path", log.Path()).Msg("auditing registry writes")
	return log, nil
}

func buildAgent(ctx context.Context, cfg *config.Config, provider *telemetry.Provider, auditor reconciler.Auditor, logger zerolog.Logger) (*agent.Agent, error) {
	policy := cfg.Retry.Policy()

	discovery, err := aws.New(ctx, aws.Config{
		Region:  cfg.AWS.Region,
		Profile: cfg.AWS.Profile,
		Retry:   &policy,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create aws plugin: %w", err)
	}

	client, err := registry.New(registry.Config{
		URL:       cfg.Registry.URL,
		User:      cfg.Registry.User,
		Password:  cfg.Registry.Password,
		Token:     cfg.Registry.Token,
		UserAgent: userAgent(),
		Timeout:   cfg.Registry.Timeout,
		Retry:     &policy,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := reconciler.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create reconciler metrics: %w", err)
	}

	engineOpts := []reconciler.EngineOption{
		reconciler.WithTracer(provider.Tracer()),
		reconciler.WithMetrics(metrics),
	}
	if auditor != nil {
		engineOpts = append(engineOpts, reconciler.WithAuditor(auditor))
	}
	if cfg.Scalyr.WriteToken != "" {
		scalyr, err := timeseries.New(timeseries.Config{
			URL:        cfg.Scalyr.URL,
			WriteToken: cfg.Scalyr.WriteToken,
			Retry:      &policy,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, reconciler.WithApplicationHook(scalyr.EnrichApplication))
	}

	engine := reconciler.NewEngine(client, reconciler.Options{
		DryRun:         cfg.Reconcile.DryRun,
		SkipUnchanged:  cfg.Reconcile.SkipUnchanged,
		MaxConcurrency: cfg.Reconcile.MaxConcurrency,
	}, logger, engineOpts...)

	options := agent.Options{
		Extra:  cfg.Entities.Extra,
		Filter: filter.New(cfg.Scanner.Disabled),
		Tracer: provider.Tracer(),
		Scans:  provider,
	}
	if cfg.Postgres.Enabled() {
		options.Postgres = &postgres.PgxLister{
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			ConnectTimeout: cfg.Postgres.ConnectTimeout,
		}
	}

	return agent.New(discovery, client, engine, options, logger), nil
}

func buildEmitter(cfg *config.Config, opts syncOptions, logger zerolog.Logger) emitter.Emitter {
	emitters := []emitter.Emitter{emitter.NewLogEmitter(logger)}
	if opts.json {
		emitters = append(emitters, emitter.NewJSONEmitter(os.Stdout))
	}
	if cfg.Pushgateway.URL != "" {
		emitters = append(emitters, emitter.NewPushEmitter(cfg.Pushgateway.URL, cfg.Pushgateway.Job))
	}
	return emitter.NewMultiEmitter(emitters...)
}
