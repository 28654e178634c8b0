package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/policy"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// journalFile is the journal location relative to the build output path.
const journalFile = ".stanza/journal.db"

func projectRoot() (string, error) {
	dir := rootDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		dir = wd
	}
	return filepath.Abs(dir)
}

func newTelemetry(mode engine.Mode, configure ...func(*telemetry.Config)) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Environment = string(mode)
	cfg.Logging.Level = logLevel()
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	for _, fn := range configure {
		fn(cfg)
	}
	return telemetry.NewTelemetry(cfg)
}

func loadProject(ctx context.Context, logger zerolog.Logger) (*config.ProjectConfig, *config.Loader, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, nil, err
	}
	loader := config.NewLoader(logger)
	cfg, err := loader.Load(ctx, root, configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

func defaultJournalPath(cfg *config.ProjectConfig) string {
	return filepath.Join(cfg.BuildOutputPath, journalFile)
}

// newPolicyEngine creates a policy engine with the project's own policies.
func newPolicyEngine(ctx context.Context, cfg *config.ProjectConfig, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if paths := policy.ProjectPaths(cfg.Root); len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, engine.NewConfigurationError("invalid project policy", err)
		}
	}
	if err := applyPolicyFlags(eng); err != nil {
		return nil, err
	}
	return eng, nil
}

// applyPolicyFlags applies --disable-policy and then --enable-policy.
func applyPolicyFlags(eng *policy.Engine) error {
	for _, name := range disabledPolicies {
		if err := eng.DisablePolicy(name); err != nil {
			return engine.NewConfigurationError("cannot disable policy", err)
		}
	}
	for _, name := range enabledPolicies {
		if err := eng.EnablePolicy(name); err != nil {
			return engine.NewConfigurationError("cannot enable policy", err)
		}
	}
	return nil
}

// journalFilter keeps events at or above level, restricted to bundles when
// any are given.
func journalFilter(level string, bundles []string) (telemetry.EventFilter, error) {
	switch level {
	case telemetry.EventLevelInfo, telemetry.EventLevelWarning, telemetry.EventLevelError:
	default:
		return nil, fmt.Errorf("invalid journal level %q (want info, warning or error)", level)
	}

	byLevel := telemetry.FilterByLevel(level)
	if len(bundles) == 0 {
		return byLevel, nil
	}
	byBundle := telemetry.FilterByBundle(bundles...)
	return func(event telemetry.Event) bool {
		return byLevel(event) && byBundle(event)
	}, nil
}

// checkPolicies logs every violation and refuses configurations with
// blocking violations.
func checkPolicies(ctx context.Context, eng *policy.Engine, cfg *config.ProjectConfig, mode engine.Mode, tel *telemetry.Telemetry) (*policy.Result, error) {
	logger := tel.Logger.NewComponentLogger("policy").Zerolog()

	result, err := eng.Evaluate(ctx, cfg, mode)
	if err != nil {
		return nil, err
	}

	var blocking []error
	for _, v := range result.Violations {
		_ = tel.Events.PublishPolicyViolation("", v.Bundle, v.Policy, v.Message, eventLevel(v.Severity))

		event := logger.Warn()
		if v.Severity.Blocking() {
			event = logger.Error()
			blocking = append(blocking, fmt.Errorf("%s: %s", v.Policy, v.Message))
		}
		event.Str("policy", v.Policy).Str("bundle", v.Bundle).Msg(v.Message)
	}
	for _, failure := range result.Failures {
		logger.Warn().Msg(failure)
	}

	if !result.Allowed {
		return result, engine.NewConfigurationError("configuration violates policies", errors.Join(blocking...))
	}
	return result, nil
}

func eventLevel(s policy.Severity) string {
	switch s {
	case policy.SeverityError:
		return telemetry.EventLevelError
	case policy.SeverityWarning:
		return telemetry.EventLevelWarning
	default:
		return telemetry.EventLevelInfo
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
