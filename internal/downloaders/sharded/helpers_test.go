package sharded

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// requestLog records what a test server was asked for.
type requestLog struct {
	mu       sync.Mutex
	methods  []string
	ranges   []string
	requests []*http.Request
}

func (l *requestLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, r.Method)
	l.requests = append(l.requests, r.Clone(r.Context()))
	if r.Method == http.MethodGet {
		l.ranges = append(l.ranges, r.Header.Get("Range"))
	}
}

func (l *requestLog) gets() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ranges...)
}

func (l *requestLog) all() []*http.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*http.Request(nil), l.requests...)
}

// newRangeServer serves content with full HEAD and Range support.
func newRangeServer(t *testing.T, content []byte) (*httptest.Server, *requestLog) {
	t.Helper()
	rec := &requestLog{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(server.Close)
	return server, rec
}
