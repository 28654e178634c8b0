package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stanza-tools/stanza/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		journalPath string
		filter      stores.Filter
		since       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent lifecycle events from the build journal",
		Long: `Show the events journaled by stanza dev: cycles, builds, process
starts and exits, policy violations and configuration changes.`,
		Example: `  # Show the last 50 events
  stanza history

  # Show the last 10 events of the server bundle
  stanza history --bundle server --limit 10

  # Show failed builds of the last hour
  stanza history --type build.failed --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if journalPath == "" {
				cfg, _, err := loadProject(ctx, log.Logger)
				if err != nil {
					return err
				}
				journalPath = defaultJournalPath(cfg)
			}
			if _, err := os.Stat(journalPath); err != nil {
				return fmt.Errorf("no build journal at %s: %w", journalPath, err)
			}

			journal, err := stores.Open(ctx, journalPath, log.Logger)
			if err != nil {
				return err
			}
			defer journal.Close()

			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			entries, err := journal.List(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tBUNDLE\tTYPE\tMESSAGE")
			// Oldest first reads like a log.
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				bundle := e.Bundle
				if bundle == "" {
					bundle = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Level, bundle, e.Type, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "build journal path (default: <buildOutputPath>/"+journalFile+")")
	cmd.Flags().StringVarP(&filter.Bundle, "bundle", "b", "", "only show events of this bundle")
	cmd.Flags().StringVar(&filter.CycleID, "cycle", "", "only show events of this cycle")
	cmd.Flags().StringVar(&filter.Type, "type", "", "only show events of this type")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", stores.DefaultListLimit, "maximum number of events")
	cmd.Flags().DurationVar(&since, "since", 0, "only show events newer than this duration")

	return cmd
}
