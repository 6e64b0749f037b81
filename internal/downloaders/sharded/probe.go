package sharded

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/shardget/internal/utils"
)

// RemoteFile is what the probe learned about a download before any shard is planned.
type RemoteFile struct {
	URL       string // as requested
	FinalURL  string // after redirects
	Size      int64
	Filename  string // from Content-Disposition, sanitized
	Redirects int
}

// Probe resolves redirects by hand and checks that the server can serve byte ranges
// of a known size. A server refusing HEAD is asked again with a GET that is closed as
// soon as the headers arrive.
func (d *Downloader) Probe(ctx context.Context, rawURL string) (*RemoteFile, error) {
	d.setState(StateProbing)
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, d.fail(fmt.Errorf("%w: invalid URL: %w", ErrProbeFailed, err))
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, d.fail(fmt.Errorf("%w: unsupported scheme %q", ErrProbeFailed, parsedURL.Scheme))
	}

	location := rawURL
	method := http.MethodHead
	redirects := 0
	for {
		req, err := http.NewRequestWithContext(ctx, method, location, nil)
		if err != nil {
			return nil, d.fail(fmt.Errorf("%w: error creating request: %w", ErrProbeFailed, err))
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, d.fail(fmt.Errorf("%w: %w", ErrProbeFailed, asNetworkError(err)))
		}
		resp.Body.Close()

		switch {
		case isRedirect(resp.StatusCode):
			next, err := resp.Location()
			if err != nil {
				return nil, d.fail(fmt.Errorf("%w: redirect %d without usable Location: %w", ErrProbeFailed, resp.StatusCode, err))
			}
			redirects++
			if redirects > d.cfg.MaxRedirects {
				return nil, d.fail(fmt.Errorf("%w: stopped after %d redirects", ErrTooManyRedirects, d.cfg.MaxRedirects))
			}
			log.Debug().Str("op", "sharded/probe").Msgf("Redirected (%d) to %s", resp.StatusCode, next)
			location = next.String()
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			remote, err := inspectProbe(resp)
			if err != nil {
				return nil, d.fail(err)
			}
			remote.URL = rawURL
			remote.FinalURL = location
			remote.Redirects = redirects
			log.Debug().Str("op", "sharded/probe").Msgf("Probed %s: %d bytes, ranges supported", location, remote.Size)
			return remote, nil
		case method == http.MethodHead:
			log.Debug().Str("op", "sharded/probe").Msgf("HEAD refused with %d, probing with GET", resp.StatusCode)
			method = http.MethodGet
		default:
			return nil, d.fail(fmt.Errorf("%w: server returned %d", ErrProbeFailed, resp.StatusCode))
		}
	}
}

func inspectProbe(resp *http.Response) (*RemoteFile, error) {
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes") {
		return nil, ErrRangeUnsupported
	}
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return nil, fmt.Errorf("%w: server didn't provide Content-Length header", ErrProbeFailed)
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: invalid file size %q reported by server", ErrProbeFailed, contentLength)
	}
	return &RemoteFile{
		Size:     size,
		Filename: utils.FilenameFromDisposition(resp.Header.Get("Content-Disposition")),
	}, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
