package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/tanq16/shardget/internal/utils"
)

const (
	shards       = utils.DefaultShards
	chunkSize    = utils.DefaultChunkSize
	maxRetries   = utils.DefaultMaxRetries
	retryDelay   = 500 * time.Millisecond
	maxRedirects = utils.DefaultMaxRedirects
	timeout      = 0
	stallTimeout = 0
	workers      = 1
	lowMemory    = false
	userAgent    = utils.ToolUserAgent
)

// historyPath is evaluated lazily so tests can point xdg.DataHome elsewhere.
func historyPath() string {
	return filepath.Join(xdg.DataHome, appName, "history.db")
}
