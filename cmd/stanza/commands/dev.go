package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/devserver"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/policy"
	"github.com/stanza-tools/stanza/pkg/stores"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newDevCommand() *cobra.Command {
	var (
		metricsAddr   string
		restartDelay  time.Duration
		journalPath   string
		noJournal     bool
		nodeCommand   string
		nodeArgs      []string
		traceExporter string
		traceEndpoint string
		journalLevel  string
		journalBundle []string
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the development cycle",
		Long: `Build every bundle in watch mode and keep it running.

Browser bundles with a web path are served from memory by the development
server and reload connected browsers after every build. Runtime bundles with
autoStart are restarted after every successful build, once their peer browser
bundle has finished building.

Editing the configuration file, the .env file or the env config script
restarts the whole cycle.`,
		Example: `  # Start the development cycle
  stanza dev

  # Expose Prometheus metrics and health checks
  stanza dev --metrics-addr localhost:9464

  # Run the server bundle with extra node flags
  stanza dev --node-arg=--enable-source-maps`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := newTelemetry(engine.ModeDevelopment, func(cfg *telemetry.Config) {
				cfg.Metrics.ListenAddress = metricsAddr
				if traceExporter != "" && traceExporter != "none" {
					cfg.Tracing.Enabled = true
					cfg.Tracing.Exporter = traceExporter
					cfg.Tracing.Endpoint = traceEndpoint
				}
			})
			if err != nil {
				return err
			}
			logger := tel.Logger.Zerolog()

			cfg, loader, err := loadProject(ctx, logger)
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if paths := policy.ProjectPaths(cfg.Root); len(paths) > 0 {
				policyLoader := policy.NewLoader(logger)
				err := policyLoader.Watch(ctx, paths, func(p []policy.Policy) error {
					if err := policies.SetPolicies(ctx, p); err != nil {
						return err
					}
					return applyPolicyFlags(policies)
				})
				if err != nil {
					logger.Warn().Err(err).Msg("Policy changes will not be picked up")
				}
				defer func() { _ = policyLoader.StopWatching() }()
			}

			var journal *stores.SQLiteStore
			if !noJournal {
				filter, err := journalFilter(journalLevel, journalBundle)
				if err != nil {
					return err
				}
				if journalPath == "" {
					journalPath = defaultJournalPath(cfg)
				}
				journal, err = stores.Open(ctx, journalPath, logger)
				if err != nil {
					return err
				}
				tel.Events.Subscribe(journal.Subscriber(), filter)
				logger.Debug().Str("path", journalPath).Msg("Journaling lifecycle events")
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("Telemetry did not shut down cleanly")
				}
				if journal != nil {
					_ = journal.Close()
				}
			}()

			sup := &devserver.Supervisor{
				Root:       cfg.Root,
				ConfigPath: configPath,
				Loader:     loader,
				Backend:    compiler.NewESBuildBackend(logger),
				Options: devserver.Options{
					RestartDelay: restartDelay,
					NodeCommand:  nodeCommand,
					NodeArgs:     nodeArgs,
					Telemetry:    tel,
				},
				OnConfig: func(ctx context.Context, cfg *config.ProjectConfig) error {
					_, err := checkPolicies(ctx, policies, cfg, engine.ModeDevelopment, tel)
					return err
				},
			}

			if metricsAddr != "" {
				admin := telemetry.NewAdminServer(metricsAddr, tel.Metrics, logger)
				admin.AddReadinessCheck("cycle", sup.Ready)
				if journal != nil {
					admin.AddLivenessCheck("journal", func() error {
						checkCtx, cancel := context.WithTimeout(context.Background(), time.Second)
						defer cancel()
						return journal.HealthCheck(checkCtx)
					})
				}
				if err := admin.Start(); err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					_ = admin.Shutdown(shutdownCtx)
				}()
			}

			return sup.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address of the metrics and health endpoint (disabled when empty)")
	cmd.Flags().DurationVar(&restartDelay, "restart-delay", devserver.DefaultRestartDelay, "delay before a runtime bundle is restarted after a build")
	cmd.Flags().StringVar(&journalPath, "journal", "", "build journal path (default: <buildOutputPath>/"+journalFile+")")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not journal lifecycle events")
	cmd.Flags().StringVar(&journalLevel, "journal-level", telemetry.EventLevelInfo, "lowest event level journaled (info, warning, error)")
	cmd.Flags().StringSliceVar(&journalBundle, "journal-bundle", nil, "only journal events of these bundles (cycle events are always kept)")
	cmd.Flags().StringVar(&nodeCommand, "node", devserver.DefaultRuntimeCommand, "command running runtime bundles")
	cmd.Flags().StringSliceVar(&nodeArgs, "node-arg", nil, "argument passed to the runtime command before the entry file")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")

	return cmd
}
