package simple

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/shardget/internal/utils"
)

// Config drives the single-stream downloader used for servers without range support.
type Config struct {
	MaxRetries       int
	RetryDelay       time.Duration
	ChunkSize        int
	HTTPClientConfig utils.HTTPClientConfig
	ProgressFunc     func(downloaded, total int64)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = utils.DefaultMaxRetries
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = utils.DefaultChunkSize
	}
	return c
}

// PartFilePath is where an unfinished single-stream download accumulates.
func PartFilePath(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".part")
}

// Download streams rawURL into outputPath through a hidden part file that survives
// failed attempts; a retry asks for the remainder with an open-ended Range and starts
// over if the server ignores it.
func Download(ctx context.Context, rawURL, outputPath string, cfg Config) error {
	cfg = cfg.withDefaults()
	client := utils.NewShardClient(cfg.HTTPClientConfig)
	defer client.CloseIdleConnections()
	partPath := PartFilePath(outputPath)
	var lastErr error
	for retry := range cfg.MaxRetries {
		if retry > 0 {
			log.Warn().Str("op", "simple/downloader").Msgf("Retrying download for %s (attempt %d/%d)", outputPath, retry+1, cfg.MaxRetries)
			if err := wait(ctx, time.Duration(retry)*cfg.RetryDelay); err != nil {
				return err
			}
		}
		err := downloadAttempt(ctx, client, rawURL, partPath, cfg)
		if err == nil {
			if err := os.Rename(partPath, outputPath); err != nil {
				return fmt.Errorf("error renaming (finalizing) output file: %w", err)
			}
			log.Info().Str("op", "simple/downloader").Msgf("Simple download successful for %s", outputPath)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		log.Error().Str("op", "simple/downloader").Err(err).Msgf("Download attempt %d failed", retry+1)
	}
	return fmt.Errorf("download failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

// Fetch streams rawURL into memory. Nothing is persisted, so every retry starts over.
func Fetch(ctx context.Context, rawURL string, cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()
	client := utils.NewShardClient(cfg.HTTPClientConfig)
	defer client.CloseIdleConnections()
	var lastErr error
	for retry := range cfg.MaxRetries {
		if retry > 0 {
			if err := wait(ctx, time.Duration(retry)*cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
		var buffer bytes.Buffer
		resp, err := get(ctx, client, rawURL, 0)
		if err == nil {
			err = checkStatus(resp, http.StatusOK)
		}
		if err == nil {
			_, err = copyWithProgress(&buffer, resp.Body, 0, resp.ContentLength, cfg)
			resp.Body.Close()
		}
		if err == nil {
			return buffer.Bytes(), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

func downloadAttempt(ctx context.Context, client *utils.ShardClient, rawURL, partPath string, cfg Config) error {
	var resumeOffset int64
	fileMode := os.O_CREATE | os.O_WRONLY
	if fileInfo, err := os.Stat(partPath); err == nil && fileInfo.Size() > 0 {
		resumeOffset = fileInfo.Size()
		fileMode |= os.O_APPEND
	} else {
		fileMode |= os.O_TRUNC
	}
	outFile, err := os.OpenFile(partPath, fileMode, 0644)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}
	defer outFile.Close()

	resp, err := get(ctx, client, rawURL, resumeOffset)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if resumeOffset > 0 {
		if resp.StatusCode != http.StatusPartialContent {
			log.Warn().Str("op", "simple/downloader").Msgf("Server does not support resume (status %d). Restarting download.", resp.StatusCode)
			if err := checkStatus(resp, http.StatusOK); err != nil {
				return err
			}
			if err := outFile.Truncate(0); err != nil {
				return fmt.Errorf("error resetting output file: %w", err)
			}
			if _, err := outFile.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("error resetting output file: %w", err)
			}
			resumeOffset = 0
		} else if total >= 0 {
			total += resumeOffset
		}
	} else if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}

	written, err := copyWithProgress(outFile, resp.Body, resumeOffset, total, cfg)
	if err != nil {
		return err
	}
	if total > 0 && resumeOffset+written != total {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", total, resumeOffset+written)
	}
	return outFile.Sync()
}

func get(ctx context.Context, client *utils.ShardClient, rawURL string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating GET request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		log.Debug().Str("op", "simple/downloader").Msgf("Resuming download from offset %d", offset)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error executing GET request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode != want {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func copyWithProgress(w io.Writer, body io.Reader, already, total int64, cfg Config) (int64, error) {
	buffer := make([]byte, cfg.ChunkSize)
	var written int64
	lastReport := time.Now()
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, err := w.Write(buffer[:n]); err != nil {
				return written, fmt.Errorf("error writing to output: %w", err)
			}
			written += int64(n)
			if cfg.ProgressFunc != nil && time.Since(lastReport) > 100*time.Millisecond {
				cfg.ProgressFunc(already+written, total)
				lastReport = time.Now()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return written, fmt.Errorf("error reading response body: %w", readErr)
		}
	}
	if cfg.ProgressFunc != nil {
		cfg.ProgressFunc(already+written, total)
	}
	return written, nil
}

func wait(ctx context.Context, d time.Duration) error {
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
