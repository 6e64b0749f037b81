package sharded

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/shardget/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateIdle State = iota
	StateProbing
	StatePlanning
	StateFetching
	StateMerging
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StatePlanning:
		return "planning"
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Config struct {
	Shards           int
	ChunkSize        int
	MaxRetries       int
	RetryDelay       time.Duration
	MaxRedirects     int
	StallTimeout     time.Duration // 0 waits on a silent connection forever
	RateLimit        int64         // bytes per second across all shards, 0 is unlimited
	LowMemory        bool
	HTTPClientConfig utils.HTTPClientConfig
	ProgressFunc     func(downloaded, total int64)
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = utils.DefaultShards
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = utils.DefaultChunkSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = utils.DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = utils.DefaultMaxRedirects
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100 * time.Millisecond
	}
	return c
}

type Result struct {
	URL      string
	FinalURL string
	Output   string // empty for in-memory downloads
	Size     int64
	Shards   int
	Resumed  int64 // bytes reused from an earlier run
	Data     []byte
	State    State
	Elapsed  time.Duration
}

// Downloader runs one sharded download task at a time through
// probing, planning, fetching and merging.
type Downloader struct {
	cfg    Config
	client utils.HTTPDoer
	state  atomic.Int32
}

func New(cfg Config) *Downloader {
	cfg = cfg.withDefaults()
	return &Downloader{
		cfg:    cfg,
		client: utils.NewShardClient(cfg.HTTPClientConfig),
	}
}

// Download fetches rawURL into output, or into Result.Data when output is empty.
func Download(ctx context.Context, rawURL, output string, cfg Config) (*Result, error) {
	return New(cfg).Download(ctx, rawURL, output)
}

func (d *Downloader) Download(ctx context.Context, rawURL, output string) (*Result, error) {
	remote, err := d.Probe(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return d.Fetch(ctx, remote, output)
}

func (d *Downloader) State() State {
	return State(d.state.Load())
}

func (d *Downloader) setState(s State) {
	d.state.Store(int32(s))
	log.Debug().Str("op", "sharded/download").Str("state", s.String()).Msg("State transition")
}

func (d *Downloader) fail(err error) error {
	d.setState(StateFailed)
	return err
}

// Fetch plans the shards of an already probed file, downloads them concurrently and
// merges them. A failed shard cancels the rest; shard files and the progress record
// stay on disk so the next run against the same output resumes.
func (d *Downloader) Fetch(ctx context.Context, remote *RemoteFile, output string) (*Result, error) {
	startTime := time.Now()
	if closer, ok := d.client.(interface{ CloseIdleConnections() }); ok {
		defer closer.CloseIdleConnections()
	}
	d.setState(StatePlanning)
	ranges, err := Plan(remote.Size, d.cfg.Shards)
	if err != nil {
		return nil, d.fail(err)
	}
	states := make([]*ShardState, len(ranges))
	for i, r := range ranges {
		states[i] = &ShardState{Index: i, Range: r}
	}

	var store *ProgressStore
	trustFiles := false
	if output != "" {
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, d.fail(fmt.Errorf("error creating output directory: %w", err))
		}
		store, trustFiles, err = openProgress(utils.ProgressFilePath(output), len(ranges))
		if err != nil {
			return nil, d.fail(err)
		}
		defer store.Close()
	}

	progressCh := make(chan int64, 100)
	progressDone := d.aggregateProgress(progressCh, remote.Size)
	fetcher := &shardFetcher{
		client:       d.client,
		url:          remote.FinalURL,
		chunkSize:    d.cfg.ChunkSize,
		maxRetries:   d.cfg.MaxRetries,
		retryDelay:   d.cfg.RetryDelay,
		stallTimeout: d.cfg.StallTimeout,
		store:        store,
		progressCh:   progressCh,
	}
	if d.cfg.RateLimit > 0 {
		fetcher.limiter = rate.NewLimiter(rate.Limit(d.cfg.RateLimit), max(int(d.cfg.RateLimit), d.cfg.ChunkSize))
	}

	d.setState(StateFetching)
	log.Debug().Str("op", "sharded/download").Msgf("Fetching %s in %d shards", remote.FinalURL, len(ranges))
	var buffers []*bytes.Buffer
	var resumed int64
	if store != nil {
		resumed, err = d.fetchToFiles(ctx, fetcher, output, states, trustFiles)
	} else {
		buffers, err = d.fetchToMemory(ctx, fetcher, states)
	}
	close(progressCh)
	<-progressDone
	if err != nil {
		return nil, d.fail(err)
	}

	d.setState(StateMerging)
	result := &Result{
		URL:      remote.URL,
		FinalURL: remote.FinalURL,
		Output:   output,
		Size:     remote.Size,
		Shards:   len(ranges),
		Resumed:  resumed,
	}
	if store == nil {
		data := make([]byte, 0, remote.Size)
		for _, buffer := range buffers {
			data = append(data, buffer.Bytes()...)
		}
		if int64(len(data)) != remote.Size {
			return nil, d.fail(fmt.Errorf("%w: assembled %d bytes in memory, expected %d", ErrMergeIncomplete, len(data), remote.Size))
		}
		result.Data = data
	} else {
		shardPaths := make([]string, len(ranges))
		for i, r := range ranges {
			shardPaths[i] = utils.ShardFilePath(output, r.Start, r.End)
		}
		if err := MergeShards(output, shardPaths, remote.Size, d.cfg.LowMemory); err != nil {
			return nil, d.fail(err)
		}
		if err := store.Remove(); err != nil {
			log.Warn().Str("op", "sharded/download").Err(err).Msg("Could not remove progress record")
		}
	}
	d.setState(StateDone)
	result.State = StateDone
	result.Elapsed = time.Since(startTime)
	log.Info().Str("op", "sharded/download").Msgf("Downloaded %s (%d bytes, %d shards, %d resumed) in %s", remote.FinalURL, remote.Size, len(ranges), resumed, result.Elapsed.Round(time.Millisecond))
	return result, nil
}

func openProgress(path string, shards int) (*ProgressStore, bool, error) {
	store, fresh, err := OpenProgressStore(path, shards)
	if errors.Is(err, ErrProgressCorrupt) {
		log.Warn().Str("op", "sharded/download").Err(err).Msg("Resetting progress record")
		store, err = ResetProgressStore(path, shards)
		fresh = true
	}
	if err != nil {
		return nil, false, err
	}
	return store, fresh, nil
}

func (d *Downloader) fetchToFiles(ctx context.Context, fetcher *shardFetcher, output string, states []*ShardState, trustFiles bool) (int64, error) {
	var resumed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, state := range states {
		g.Go(func() error {
			persisted, err := fetcher.store.Read(state.Index)
			if err != nil {
				return err
			}
			path := utils.ShardFilePath(output, state.Range.Start, state.Range.End)
			file, err := resumeShardFile(path, state, persisted, trustFiles)
			if err != nil {
				return err
			}
			defer file.Close()
			if err := fetcher.store.Write(state.Index, state.Written); err != nil {
				return err
			}
			if state.Written > 0 {
				resumed.Add(state.Written)
				fetcher.progressCh <- state.Written
				log.Debug().Str("op", "sharded/download").Msgf("Shard %d resumes at %d/%d", state.Index, state.Written, state.Range.Len())
			}
			if state.Complete() {
				return nil
			}
			if err := fetcher.fetch(gctx, state, file); err != nil {
				return err
			}
			return file.Sync()
		})
	}
	// resumed is only settled once every shard has opened its file
	err := g.Wait()
	return resumed.Load(), err
}

func (d *Downloader) fetchToMemory(ctx context.Context, fetcher *shardFetcher, states []*ShardState) ([]*bytes.Buffer, error) {
	buffers := make([]*bytes.Buffer, len(states))
	g, gctx := errgroup.WithContext(ctx)
	for i, state := range states {
		buffers[i] = bytes.NewBuffer(make([]byte, 0, state.Range.Len()))
		g.Go(func() error {
			return fetcher.fetch(gctx, state, buffers[i])
		})
	}
	return buffers, g.Wait()
}

// aggregateProgress sums the deltas sent by every shard and reports the running total
// on a ticker and once more when the channel closes.
func (d *Downloader) aggregateProgress(progressCh <-chan int64, total int64) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var downloaded, reported int64
		ticker := time.NewTicker(d.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case n, ok := <-progressCh:
				if !ok {
					if d.cfg.ProgressFunc != nil {
						d.cfg.ProgressFunc(downloaded, total)
					}
					return
				}
				downloaded += n
			case <-ticker.C:
				if downloaded != reported && d.cfg.ProgressFunc != nil {
					d.cfg.ProgressFunc(downloaded, total)
					reported = downloaded
				}
			}
		}
	}()
	return done
}
