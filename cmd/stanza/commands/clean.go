package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCleanCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build output",
		Long: `Remove the build output path and every bundle output directory,
including vendor bundles, their fingerprints and the build journal.`,
		Example: `  # Show what would be removed
  stanza clean --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadProject(cmd.Context(), log.Logger)
			if err != nil {
				return err
			}

			targets := []string{cfg.BuildOutputPath}
			for _, d := range cfg.Descriptors() {
				if !within(cfg.BuildOutputPath, d.OutputPath) {
					targets = append(targets, d.OutputPath)
				}
			}

			for _, target := range targets {
				if !within(cfg.Root, target) || target == cfg.Root {
					return fmt.Errorf("refusing to remove %s outside the project root", target)
				}
			}

			for _, target := range targets {
				if dryRun {
					fmt.Fprintf(cmd.OutOrStdout(), "would remove %s\n", target)
					continue
				}
				if err := os.RemoveAll(target); err != nil {
					return fmt.Errorf("failed to remove %s: %w", target, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", target)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the directories without removing them")

	return cmd
}

// within reports whether path is parent or lies below it.
func within(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
