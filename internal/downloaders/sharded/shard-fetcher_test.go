package sharded

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/shardget/internal/utils"
	"golang.org/x/time/rate"
)

func newTestFetcher(url string, maxRetries int) *shardFetcher {
	return &shardFetcher{
		client:     utils.NewShardClient(utils.HTTPClientConfig{}),
		url:        url,
		chunkSize:  16,
		maxRetries: maxRetries,
	}
}

// truncatingServer answers every range request with a 206 that promises the whole
// range but delivers only cut bytes before closing.
func truncatingServer(t *testing.T, content []byte, cut int) (*httptest.Server, *requestLog) {
	t.Helper()
	rec := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		start, end, ok := parseRange(r.Header.Get("Range"))
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:min(start+int64(cut), end+1)])
		w.(http.Flusher).Flush()
	}))
	t.Cleanup(server.Close)
	return server, rec
}

func parseRange(header string) (int64, int64, bool) {
	var start, end int64
	byteRange, ok := bytes.CutPrefix([]byte(header), []byte("bytes="))
	if !ok {
		return 0, 0, false
	}
	first, last, ok := bytes.Cut(byteRange, []byte("-"))
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(string(first), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err = strconv.ParseInt(string(last), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}

func TestFetchIntoMemory(t *testing.T) {
	content := testContent(500)
	server, rec := newRangeServer(t, content)
	fetcher := newTestFetcher(server.URL, 3)

	state := &ShardState{Index: 1, Range: ShardRange{Start: 100, End: 299}}
	var sink bytes.Buffer
	require.NoError(t, fetcher.fetch(context.Background(), state, &sink))

	assert.Equal(t, content[100:300], sink.Bytes())
	assert.True(t, state.Complete())
	assert.Equal(t, 1, state.Attempts)
	assert.Equal(t, []string{"bytes=100-299"}, rec.gets())
}

func TestFetchRetriesAreBoundedAndResumeFromOffset(t *testing.T) {
	content := testContent(100)
	server, rec := truncatingServer(t, content, 10)
	fetcher := newTestFetcher(server.URL, 3)

	state := &ShardState{Index: 0, Range: ShardRange{Start: 0, End: 99}}
	var sink bytes.Buffer
	err := fetcher.fetch(context.Background(), state, &sink)
	require.Error(t, err)

	var shardErr *ShardError
	require.ErrorAs(t, err, &shardErr)
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, 0, shardErr.Shard)
	assert.Equal(t, 3, shardErr.Attempts)
	assert.Equal(t, int64(30), shardErr.Offset)

	assert.Equal(t, []string{"bytes=0-99", "bytes=10-99", "bytes=20-99"}, rec.gets())
	assert.Equal(t, content[:30], sink.Bytes())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	content := testContent(64)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "f", time.Time{}, bytes.NewReader(content))
	}))
	defer server.Close()

	state := &ShardState{Range: ShardRange{Start: 0, End: 63}}
	var sink bytes.Buffer
	require.NoError(t, newTestFetcher(server.URL, 5).fetch(context.Background(), state, &sink))
	assert.Equal(t, content, sink.Bytes())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, state.Attempts)
}

func TestFetchFailsFastOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	state := &ShardState{Index: 2, Range: ShardRange{Start: 10, End: 19}}
	err := newTestFetcher(server.URL, 5).fetch(context.Background(), state, &bytes.Buffer{})

	var shardErr *ShardError
	require.ErrorAs(t, err, &shardErr)
	assert.False(t, errors.Is(err, ErrNetwork))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(10), shardErr.Offset)
	assert.Contains(t, err.Error(), "shard 2")
}

func TestFetchRejectsMisplacedContentRange(t *testing.T) {
	content := testContent(100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content)
	}))
	defer server.Close()

	state := &ShardState{Range: ShardRange{Start: 50, End: 99}}
	err := newTestFetcher(server.URL, 3).fetch(context.Background(), state, &bytes.Buffer{})
	var shardErr *ShardError
	require.ErrorAs(t, err, &shardErr)
	assert.Zero(t, state.Written)
}

func TestFetchStallTimeout(t *testing.T) {
	content := testContent(100)
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[:10])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	fetcher := newTestFetcher(server.URL, 2)
	fetcher.stallTimeout = 50 * time.Millisecond
	state := &ShardState{Range: ShardRange{Start: 0, End: 99}}

	started := time.Now()
	err := fetcher.fetch(context.Background(), state, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchStallTimeoutIgnoresThrottling(t *testing.T) {
	content := testContent(64)
	server, rec := newRangeServer(t, content)

	fetcher := newTestFetcher(server.URL, 1)
	fetcher.stallTimeout = 50 * time.Millisecond
	// every chunk after the first waits 160ms for tokens
	fetcher.limiter = rate.NewLimiter(100, 16)
	state := &ShardState{Range: ShardRange{Start: 0, End: 63}}

	var sink bytes.Buffer
	require.NoError(t, fetcher.fetch(context.Background(), state, &sink))
	assert.Equal(t, content, sink.Bytes())
	assert.Equal(t, int64(64), state.Written)
	assert.Len(t, rec.gets(), 1)
}

func TestFetchStopsOnCancel(t *testing.T) {
	server, _ := truncatingServer(t, testContent(100), 10)
	fetcher := newTestFetcher(server.URL, 5)
	fetcher.retryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	err := fetcher.fetch(ctx, &ShardState{Range: ShardRange{Start: 0, End: 99}}, &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchPersistsProgressAndReportsDeltas(t *testing.T) {
	content := testContent(300)
	server, _ := newRangeServer(t, content)
	store, _, err := OpenProgressStore(filepath.Join(t.TempDir(), ".p"), 2)
	require.NoError(t, err)
	defer store.Close()

	progressCh := make(chan int64, 100)
	fetcher := newTestFetcher(server.URL, 1)
	fetcher.store = store
	fetcher.progressCh = progressCh

	state := &ShardState{Index: 1, Range: ShardRange{Start: 150, End: 299}}
	require.NoError(t, fetcher.fetch(context.Background(), state, &bytes.Buffer{}))
	close(progressCh)

	var reported int64
	for n := range progressCh {
		reported += n
	}
	assert.Equal(t, int64(150), reported)
	persisted, err := store.Read(1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), persisted)
}

func TestResumeShardFile(t *testing.T) {
	tests := []struct {
		name      string
		onDisk    int
		persisted int64
		trust     bool
		want      int64
	}{
		{"persisted behind disk", 100, 60, false, 60},
		{"disk behind persisted", 40, 90, false, 40},
		{"fresh record trusts disk", 100, 0, true, 100},
		{"overlong file restarts", 300, 300, false, 0},
		{"empty", 0, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".out.tmp0-249")
			require.NoError(t, os.WriteFile(path, testContent(tt.onDisk), 0644))
			state := &ShardState{Range: ShardRange{Start: 0, End: 249}}

			file, err := resumeShardFile(path, state, tt.persisted, tt.trust)
			require.NoError(t, err)
			defer file.Close()

			assert.Equal(t, tt.want, state.Written)
			info, err := file.Stat()
			require.NoError(t, err)
			assert.Equal(t, tt.want, info.Size())
			pos, err := file.Seek(0, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pos)
		})
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	content := testContent(250)
	server, rec := newRangeServer(t, content)
	path := filepath.Join(t.TempDir(), ".out.tmp0-249")
	require.NoError(t, os.WriteFile(path, content[:40], 0644))

	persisted := int64(40)
	for range 2 {
		state := &ShardState{Range: ShardRange{Start: 0, End: 249}}
		file, err := resumeShardFile(path, state, persisted, false)
		require.NoError(t, err)
		require.NoError(t, newTestFetcher(server.URL, 1).fetch(context.Background(), state, file))
		require.NoError(t, file.Close())
		persisted = state.Written
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, []string{"bytes=40-249"}, rec.gets())
}

func TestContentRangeStart(t *testing.T) {
	start, ok := contentRangeStart("bytes 350-499/1000")
	assert.True(t, ok)
	assert.Equal(t, int64(350), start)

	_, ok = contentRangeStart("")
	assert.False(t, ok)
	_, ok = contentRangeStart("bytes */1000")
	assert.False(t, ok)
}
