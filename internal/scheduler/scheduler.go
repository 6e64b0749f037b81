package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/shardget/internal/downloaders/sharded"
	"github.com/tanq16/shardget/internal/downloaders/simple"
	"github.com/tanq16/shardget/internal/history"
	"github.com/tanq16/shardget/internal/output"
	"github.com/tanq16/shardget/internal/utils"
)

// Options are shared by every job of one run.
type Options struct {
	Workers int
	Live    bool           // redraw the display in place
	History *history.Store // nil disables the journal
	Stdout  io.Writer      // receives in-memory downloads, os.Stdout when nil
	Display io.Writer      // receives the job display, os.Stdout when nil
}

// Run downloads every job on a pool of workers and returns an error when any of them failed.
func Run(ctx context.Context, jobs []utils.DownloadJob, opts Options) error {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	outputMgr := output.NewManager(opts.Live)
	if opts.Display != nil {
		outputMgr.SetOutput(opts.Display)
	}
	outputMgr.StartDisplay()

	jobCh := make(chan utils.DownloadJob, len(jobs))
	for _, job := range jobs {
		jobCh <- job
	}
	close(jobCh)

	var stdoutMu sync.Mutex
	var wg sync.WaitGroup
	for range min(opts.Workers, max(len(jobs), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				processJob(ctx, job, opts, outputMgr, &stdoutMu)
			}
		}()
	}
	wg.Wait()
	outputMgr.StopDisplay()

	if failed := len(outputMgr.Errors()); failed > 0 {
		return fmt.Errorf("%d of %d download(s) failed", failed, len(jobs))
	}
	return nil
}

func processJob(ctx context.Context, job utils.DownloadJob, opts Options, outputMgr *output.Manager, stdoutMu *sync.Mutex) {
	label := job.OutputPath
	if label == "" || label == "-" {
		label = job.URL
	}
	jobID := outputMgr.Register(label)
	outputMgr.SetMessage(jobID, "Probing "+job.URL)
	entry := &history.Entry{
		URL:       job.URL,
		Output:    job.OutputPath,
		Shards:    job.Shards,
		Status:    history.StatusRunning,
		Mode:      "sharded",
		StartedAt: time.Now(),
	}
	record(opts.History, entry)

	progress := func(downloaded, total int64) {
		outputMgr.UpdateProgress(jobID, downloaded, total)
		if job.ProgressFunc != nil {
			job.ProgressFunc(downloaded, total)
		}
	}
	downloader := sharded.New(sharded.Config{
		Shards:           job.Shards,
		ChunkSize:        job.ChunkSize,
		MaxRetries:       job.MaxRetries,
		RetryDelay:       job.RetryDelay,
		MaxRedirects:     job.MaxRedirects,
		StallTimeout:     job.StallTimeout,
		RateLimit:        job.RateLimit,
		LowMemory:        job.LowMemory,
		HTTPClientConfig: job.HTTPClientConfig,
		ProgressFunc:     progress,
	})

	data, err := download(ctx, downloader, &job, entry, progress)
	entry.Output = job.OutputPath
	entry.FinishedAt = time.Now()
	switch {
	case err == nil && entry.Status == history.StatusSkipped:
		outputMgr.Complete(jobID, fmt.Sprintf("Skipped %s (already complete)", job.OutputPath))
	case err == nil:
		if job.OutputPath == "-" {
			stdoutMu.Lock()
			_, err = opts.Stdout.Write(data)
			stdoutMu.Unlock()
		}
	}
	if err != nil {
		entry.Status = history.StatusFailed
		entry.Error = err.Error()
		var shardErr *sharded.ShardError
		if errors.As(err, &shardErr) {
			entry.FailedShard = shardErr.Shard
			entry.FailedOffset = shardErr.Offset
		}
		log.Error().Str("op", "scheduler").Err(err).Msgf("Download failed for %s", job.URL)
		outputMgr.SetMessage(jobID, "Failed "+label)
		outputMgr.ReportError(jobID, err)
		record(opts.History, entry)
		return
	}
	if entry.Status != history.StatusSkipped {
		entry.Status = history.StatusCompleted
		outputMgr.Complete(jobID, fmt.Sprintf("Completed %s (%s)", displayName(job.OutputPath, job.URL), output.FormatBytes(uint64(max(entry.Size, 0)))))
	}
	record(opts.History, entry)
}

// download probes the job, resolves its output path and runs the sharded downloader,
// dropping to a single stream when the server cannot serve ranges.
func download(ctx context.Context, downloader *sharded.Downloader, job *utils.DownloadJob, entry *history.Entry, progress func(int64, int64)) ([]byte, error) {
	memory := job.OutputPath == "-"
	remote, err := downloader.Probe(ctx, job.URL)
	if errors.Is(err, sharded.ErrRangeUnsupported) {
		log.Warn().Str("op", "scheduler").Msgf("%s does not support ranges, falling back to a single stream", job.URL)
		entry.Mode = "simple"
		entry.Shards = 1
		data, err := fallback(ctx, job, progress)
		if err != nil {
			return nil, err
		}
		entry.Size = int64(len(data))
		if info, statErr := os.Stat(job.OutputPath); job.OutputPath != "-" && statErr == nil {
			entry.Size = info.Size()
		}
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Size = remote.Size

	if !memory {
		job.OutputPath = resolveOutputPath(job.OutputPath, remote)
		if skipExisting(job.OutputPath, remote.Size) {
			entry.Status = history.StatusSkipped
			return nil, nil
		}
	}
	target := job.OutputPath
	if memory {
		target = ""
	}
	result, err := downloader.Fetch(ctx, remote, target)
	if err != nil {
		return nil, err
	}
	entry.Shards = result.Shards
	entry.Resumed = result.Resumed
	return result.Data, nil
}

func fallback(ctx context.Context, job *utils.DownloadJob, progress func(int64, int64)) ([]byte, error) {
	cfg := simple.Config{
		MaxRetries:       job.MaxRetries,
		RetryDelay:       job.RetryDelay,
		ChunkSize:        job.ChunkSize,
		HTTPClientConfig: job.HTTPClientConfig,
		ProgressFunc:     progress,
	}
	if job.OutputPath == "-" {
		return simple.Fetch(ctx, job.URL, cfg)
	}
	job.OutputPath = outputTarget(job.OutputPath, utils.InferOutputPath(job.URL, ""))
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return nil, fmt.Errorf("error creating output directory: %w", err)
	}
	return nil, simple.Download(ctx, job.URL, job.OutputPath, cfg)
}

// resolveOutputPath infers a name when none or a directory was given and steers clear of an unrelated
// file already at the destination. A destination with a pending progress record is an
// interrupted run of the same download and is kept so it can resume.
func resolveOutputPath(outputPath string, remote *sharded.RemoteFile) string {
	outputPath = outputTarget(outputPath, utils.InferOutputPath(remote.FinalURL, remote.Filename))
	info, err := os.Stat(outputPath)
	if err != nil || info.IsDir() || info.Size() == remote.Size {
		return outputPath
	}
	if _, err := os.Stat(utils.ProgressFilePath(outputPath)); err == nil {
		return outputPath
	}
	renewed := utils.RenewOutputPath(outputPath)
	log.Debug().Str("op", "scheduler").Msgf("%s exists with a different size, writing to %s", outputPath, renewed)
	return renewed
}

// outputTarget uses name when no path was given and places it inside outputPath when
// that names an existing directory.
func outputTarget(outputPath, name string) string {
	if outputPath == "" {
		return name
	}
	if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		return filepath.Join(outputPath, filepath.Base(name))
	}
	return outputPath
}

func skipExisting(outputPath string, size int64) bool {
	info, err := os.Stat(outputPath)
	if err != nil || info.IsDir() || info.Size() != size {
		return false
	}
	if _, err := os.Stat(utils.ProgressFilePath(outputPath)); err == nil {
		return false
	}
	log.Info().Str("op", "scheduler").Msgf("%s already exists with the expected size, skipping", outputPath)
	return true
}

func displayName(outputPath, rawURL string) string {
	if outputPath == "-" {
		return rawURL + " to stdout"
	}
	return outputPath
}

func record(store *history.Store, entry *history.Entry) {
	if store == nil {
		return
	}
	if err := store.Save(entry); err != nil {
		log.Warn().Str("op", "scheduler").Err(err).Msg("Could not record download history")
	}
}
