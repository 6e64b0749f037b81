package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/shardget/internal/utils"
)

func newHTTPCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:     "get [URL] [--output OUTPUT_PATH]",
		Aliases: []string{"http"},
		Short:   "Download a file via HTTP/HTTPS in parallel byte-range shards",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownloads(cmd.Context(), []utils.DownloadEntry{{URL: args[0], OutputPath: outputPath}})
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path, '-' writes to stdout (inferred if not provided)")
	return cmd
}
