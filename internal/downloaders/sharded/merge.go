package sharded

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/shardget/internal/utils"
)

// MergeShards writes the shard files into dest in the given order. lowMemory streams
// one shard at a time through a fixed buffer; otherwise every shard is opened up front
// and copied with io.Copy, which lets the kernel move the bytes. Shard files are
// removed only once dest is exactly size bytes; on a mismatch they stay on disk and
// ErrMergeIncomplete is returned.
func MergeShards(dest string, shardPaths []string, size int64, lowMemory bool) error {
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	var written int64
	if lowMemory {
		written, err = streamMerge(out, shardPaths)
	} else {
		written, err = bulkMerge(out, shardPaths)
	}
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("error merging shards: %w", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("error checking merged file: %w", err)
	}
	if info.Size() != size || written != size {
		os.Remove(dest)
		return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrMergeIncomplete, dest, info.Size(), size)
	}

	for _, path := range shardPaths {
		if err := os.Remove(path); err != nil {
			log.Warn().Str("op", "sharded/merge").Err(err).Msgf("Could not remove shard file %s", path)
		}
	}
	log.Debug().Str("op", "sharded/merge").Msgf("Merged %d shards into %s (%d bytes, low memory %t)", len(shardPaths), dest, size, lowMemory)
	return nil
}

func streamMerge(out io.Writer, shardPaths []string) (int64, error) {
	buffer := make([]byte, utils.DefaultMergeBuffer)
	var total int64
	for _, path := range shardPaths {
		in, err := os.Open(path)
		if err != nil {
			return total, fmt.Errorf("error opening shard: %w", err)
		}
		// plain Reader/Writer so the copy goes through buffer
		n, err := io.CopyBuffer(struct{ io.Writer }{out}, struct{ io.Reader }{in}, buffer)
		in.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("error copying shard %s: %w", path, err)
		}
	}
	return total, nil
}

func bulkMerge(out *os.File, shardPaths []string) (int64, error) {
	files := make([]*os.File, 0, len(shardPaths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, path := range shardPaths {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("error opening shard: %w", err)
		}
		files = append(files, f)
	}
	var total int64
	for _, f := range files {
		n, err := io.Copy(out, f)
		total += n
		if err != nil {
			return total, fmt.Errorf("error copying shard %s: %w", f.Name(), err)
		}
	}
	return total, nil
}
