package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/shardget/internal/downloaders/simple"
	"github.com/tanq16/shardget/internal/output"
	"github.com/tanq16/shardget/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [OUTPUT_PATH]",
		Short: "Remove the progress record and shard files left by an interrupted download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := utils.Clean(args[0])
			if err != nil {
				return fmt.Errorf("error cleaning up temporary files: %w", err)
			}
			if err := os.Remove(simple.PartFilePath(args[0])); err == nil {
				removed++
			} else if !os.IsNotExist(err) {
				return fmt.Errorf("error cleaning up temporary files: %w", err)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d temporary file(s) for %s", removed, args[0]))
			return nil
		},
	}
}
