package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/shardget/internal/utils"
	"gopkg.in/yaml.v3"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			return runDownloads(cmd.Context(), entries)
		},
	}
	return cmd
}

// readBatchFile loads the download list, dropping entries without a link.
func readBatchFile(path string) ([]utils.DownloadEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	var batchFile utils.BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	var entries []utils.DownloadEntry
	for i, entry := range batchFile.Downloads {
		if entry.URL == "" {
			log.Warn().Str("op", "cmd/batch").Msgf("Empty link in entry %d, skipping", i+1)
			continue
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, errors.New("no valid jobs found in the batch file")
	}
	return entries, nil
}
