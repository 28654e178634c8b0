package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/devserver"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// bundleReport is the outcome of one production build.
type bundleReport struct {
	Bundle   string        `json:"bundle"`
	Target   string        `json:"target"`
	Output   string        `json:"output"`
	Failed   bool          `json:"failed"`
	Duration time.Duration `json:"duration"`
	Errors   []string      `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`

	stats *compiler.Stats
}

func newBuildCommand() *cobra.Command {
	var (
		bundles []string
		noClean bool
		jobs    int
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build every bundle for production",
		Long: `Build every bundle once in production mode.

Output directories are removed first. Up to --jobs bundles are built
concurrently and a report is printed per bundle. The command fails when any bundle fails.`,
		Example: `  # Build everything
  stanza build

  # Build only the client bundle and print JSON reports
  stanza build --bundle client --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := newTelemetry(engine.ModeProduction)
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(context.Background()) }()
			logger := tel.Logger.Zerolog()

			cfg, _, err := loadProject(ctx, logger)
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if _, err := checkPolicies(ctx, policies, cfg, engine.ModeProduction, tel); err != nil {
				return err
			}

			descriptors, err := selectBundles(cfg, bundles)
			if err != nil {
				return err
			}

			if !noClean {
				for _, d := range descriptors {
					if err := os.RemoveAll(d.OutputPath); err != nil {
						return fmt.Errorf("failed to remove %s: %w", d.OutputPath, err)
					}
				}
			}

			hook, err := config.NewEnvHook(cfg.Plugins.EnvConfig, devserver.DefaultEnvHookTimeout)
			if err != nil {
				return err
			}
			factory := compiler.NewFactory(compiler.NewESBuildBackend(logger), cfg, logger,
				compiler.WithDefines(hook),
				compiler.WithFactoryMetrics(tel.Metrics),
			)

			reports, err := buildAll(ctx, factory, descriptors, jobs, tel)
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range reports {
				if r.Failed {
					failed++
				}
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					if r.stats != nil {
						fmt.Fprintln(cmd.OutOrStdout(), r.stats.String())
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", r.Bundle, strings.Join(r.Errors, "\n"))
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d bundle(s) failed to build", failed, len(reports))
			}
			logger.Info().Int("bundles", len(reports)).Msg("Production build complete")
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&bundles, "bundle", "b", nil, "build only the named bundles")
	cmd.Flags().BoolVar(&noClean, "no-clean", false, "keep existing output directories")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", runtime.NumCPU(), "maximum number of concurrent builds")

	return cmd
}

// selectBundles returns the named descriptors, or all of them.
func selectBundles(cfg *config.ProjectConfig, names []string) ([]engine.BundleDescriptor, error) {
	if len(names) == 0 {
		return cfg.Descriptors(), nil
	}
	out := make([]engine.BundleDescriptor, 0, len(names))
	for _, name := range names {
		d, ok := cfg.Bundle(name)
		if !ok {
			return nil, engine.NewConfigurationError(fmt.Sprintf("unknown bundle %q", name), nil)
		}
		out = append(out, d)
	}
	return out, nil
}

// buildAll runs one production build per descriptor on a pool of at most
// jobs workers. Reports keep the order of descriptors.
func buildAll(ctx context.Context, factory *compiler.Factory, descriptors []engine.BundleDescriptor, jobs int, tel *telemetry.Telemetry) ([]bundleReport, error) {
	if jobs < 1 {
		jobs = 1
	}
	pool, err := ants.NewPool(jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to create build pool: %w", err)
	}
	defer pool.Release()

	reports := make([]bundleReport, len(descriptors))

	var wg sync.WaitGroup
	for i, d := range descriptors {
		i, d := i, d
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			reports[i] = buildOne(ctx, factory, d, tel)
		}); err != nil {
			wg.Done()
			reports[i] = bundleReport{Bundle: d.Name, Target: string(d.Target), Output: d.OutputPath, Failed: true, Errors: []string{err.Error()}}
		}
	}
	wg.Wait()

	return reports, nil
}

func buildOne(ctx context.Context, factory *compiler.Factory, d engine.BundleDescriptor, tel *telemetry.Telemetry) bundleReport {
	report := bundleReport{Bundle: d.Name, Target: string(d.Target), Output: d.OutputPath}
	logger := tel.Logger.Zerolog().With().Str("bundle", d.Name).Logger()

	handle, err := factory.Create(ctx, d, engine.ModeProduction)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create compiler")
		report.Failed = true
		report.Errors = []string{err.Error()}
		return report
	}
	defer func() { _ = handle.Stop() }()

	logger.Info().Msg("Building...")
	stats, err := handle.Run(ctx)
	report.stats = stats
	if stats != nil {
		report.Duration = stats.Duration
		report.Errors = stats.Errors
		report.Warnings = stats.Warnings
	}
	if err != nil {
		report.Failed = true
		if len(report.Errors) == 0 {
			report.Errors = []string{err.Error()}
		}
		_ = tel.Events.PublishBuild("", d.Name, 1, true, report.Duration, stats.String())
		return report
	}

	_ = tel.Events.PublishBuild("", d.Name, 1, false, report.Duration, "")
	return report
}
