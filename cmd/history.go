package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/shardget/internal/history"
	"github.com/tanq16/shardget/internal/output"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				output.PrintInfo("No downloads recorded")
				return nil
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			for _, entry := range entries {
				printEntry(entry)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "number", "n", 20, "Number of entries to show, 0 shows all")
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget every recorded download",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer store.Close()
			removed, err := store.Clear()
			if err != nil {
				return err
			}
			output.PrintSuccess(fmt.Sprintf("Cleared %d history entries", removed))
			return nil
		},
	})
	return cmd
}

func printEntry(entry history.Entry) {
	line := fmt.Sprintf("%s  %-9s %s %s %s", entry.StartedAt.Format(time.DateTime), entry.Status, entry.URL, output.StyleSymbols["bullet"], entry.Output)
	switch entry.Status {
	case history.StatusCompleted, history.StatusSkipped:
		output.PrintSuccess(line)
	case history.StatusFailed:
		output.PrintError(line)
	default:
		output.PrintWarning(line)
	}
	detail := fmt.Sprintf("    %s, %d shard(s), %s", output.FormatBytes(uint64(max(entry.Size, 0))), entry.Shards, entry.Mode)
	if entry.Resumed > 0 {
		detail += fmt.Sprintf(", resumed %s", output.FormatBytes(uint64(entry.Resumed)))
	}
	if !entry.FinishedAt.IsZero() {
		detail += fmt.Sprintf(", took %s", entry.FinishedAt.Sub(entry.StartedAt).Round(time.Millisecond))
	}
	fmt.Println(output.FDebug(detail))
	if entry.Status == history.StatusFailed {
		fmt.Println(output.FError(fmt.Sprintf("    shard %d at byte %d: %s", entry.FailedShard, entry.FailedOffset, entry.Error)))
	}
}
