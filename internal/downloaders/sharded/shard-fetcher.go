package sharded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/shardget/internal/utils"
	"golang.org/x/time/rate"
)

// ShardState is the mutable side of one shard. Written only grows and never exceeds
// Range.Len(); the retry loop owns it for the lifetime of the fetch.
type ShardState struct {
	Index    int
	Range    ShardRange
	Written  int64
	Attempts int
}

func (s *ShardState) Offset() int64 {
	return s.Range.Start + s.Written
}

func (s *ShardState) Remaining() int64 {
	return s.Range.Len() - s.Written
}

func (s *ShardState) Complete() bool {
	return s.Written >= s.Range.Len()
}

type shardFetcher struct {
	client       utils.HTTPDoer
	url          string
	chunkSize    int
	maxRetries   int
	retryDelay   time.Duration
	stallTimeout time.Duration
	limiter      *rate.Limiter
	store        *ProgressStore // nil when the shard lives in memory
	progressCh   chan<- int64
}

// fetch downloads the rest of state's range into sink, retrying network failures from
// the current offset. At most maxRetries requests are made.
func (f *shardFetcher) fetch(ctx context.Context, state *ShardState, sink io.Writer) error {
	if state.Complete() {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if attempt > 1 {
			log.Warn().Str("op", "sharded/fetcher").Msgf("Network error on shard %d at %d/%d, retrying (%d/%d): %v", state.Index, state.Written, state.Range.Len(), attempt, f.maxRetries, lastErr)
			if err := sleepContext(ctx, time.Duration(attempt-1)*f.retryDelay); err != nil {
				return err
			}
		}
		state.Attempts = attempt
		err := f.attempt(ctx, state, sink)
		if err == nil {
			log.Debug().Str("op", "sharded/fetcher").Msgf("Shard %d (%s) complete after %d attempt(s)", state.Index, state.Range, attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrNetwork) {
			return f.shardError(state, err)
		}
		lastErr = err
	}
	log.Error().Str("op", "sharded/fetcher").Err(lastErr).Msgf("Shard %d exhausted %d attempts", state.Index, f.maxRetries)
	return f.shardError(state, lastErr)
}

func (f *shardFetcher) shardError(state *ShardState, err error) *ShardError {
	return &ShardError{
		Shard:    state.Index,
		Start:    state.Range.Start,
		End:      state.Range.End,
		Offset:   state.Offset(),
		Attempts: state.Attempts,
		Err:      err,
	}
}

func (f *shardFetcher) attempt(ctx context.Context, state *ShardState, sink io.Writer) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stalled atomic.Bool
	var stallTimer *time.Timer
	if f.stallTimeout > 0 {
		stallTimer = time.AfterFunc(f.stallTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer stallTimer.Stop()
	}
	classify := func(err error) error {
		if stalled.Load() {
			return asNetworkError(fmt.Errorf("no data for %s: %w", f.stallTimeout, err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return asNetworkError(err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", state.Offset(), state.Range.End))
	resp, err := f.client.Do(req)
	if err != nil {
		return classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return asNetworkError(fmt.Errorf("server returned %d", resp.StatusCode))
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start != state.Offset() {
		return fmt.Errorf("server answered range starting at %d, requested %d", start, state.Offset())
	}

	buffer := make([]byte, f.chunkSize)
	for state.Remaining() > 0 {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if int64(n) > state.Remaining() {
				n = int(state.Remaining())
			}
			if f.limiter != nil {
				// throttling is not a stall
				if stallTimer != nil {
					stallTimer.Stop()
				}
				if err := f.limiter.WaitN(ctx, n); err != nil {
					return err
				}
			}
			if _, err := sink.Write(buffer[:n]); err != nil {
				return fmt.Errorf("error writing shard %d: %w", state.Index, err)
			}
			state.Written += int64(n)
			if f.store != nil {
				if err := f.store.Write(state.Index, state.Written); err != nil {
					return err
				}
			}
			if f.progressCh != nil {
				f.progressCh <- int64(n)
			}
			if stallTimer != nil {
				stallTimer.Reset(f.stallTimeout)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if state.Remaining() > 0 {
					return asNetworkError(fmt.Errorf("connection closed with %d bytes remaining", state.Remaining()))
				}
				break
			}
			return classify(readErr)
		}
	}
	return nil
}

// resumeShardFile opens the shard's temp file and positions it at the resume point:
// the smaller of the bytes on disk and the persisted count, or the bytes on disk alone
// when the record has just been (re)created. Written is set accordingly.
func resumeShardFile(path string, state *ShardState, persisted int64, trustFile bool) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening shard file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("error checking shard file: %w", err)
	}
	resume := info.Size()
	if !trustFile && persisted < resume {
		resume = persisted
	}
	if resume > state.Range.Len() {
		log.Warn().Str("op", "sharded/fetcher").Msgf("Shard file %s holds %d bytes for a %d byte range, restarting shard", path, resume, state.Range.Len())
		resume = 0
	}
	if err := file.Truncate(resume); err != nil {
		file.Close()
		return nil, fmt.Errorf("error truncating shard file: %w", err)
	}
	if _, err := file.Seek(resume, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("error seeking shard file: %w", err)
	}
	state.Written = resume
	return file, nil
}

// contentRangeStart parses the first byte position of "bytes <start>-<end>/<total>".
func contentRangeStart(header string) (int64, bool) {
	byteRange, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
