package utils

import "time"

// DownloadJob is one unit of work for the scheduler: a URL, where it should land and
// the knobs that control how the sharded downloader fetches it.
type DownloadJob struct {
	URL              string
	OutputPath       string // "" infers a name, "-" keeps the file in memory and writes it to stdout
	Shards           int
	ChunkSize        int
	MaxRetries       int
	RetryDelay       time.Duration
	MaxRedirects     int
	StallTimeout     time.Duration
	RateLimit        int64
	LowMemory        bool
	HTTPClientConfig HTTPClientConfig
	ProgressFunc     func(downloaded, total int64)
}

type DownloadEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	URL        string `yaml:"link"`
}

type BatchFile struct {
	Downloads []DownloadEntry `yaml:"downloads"`
}
