package utils

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog/log"
)

type HTTPClientConfig struct {
	Timeout       time.Duration // response header timeout, 0 waits forever
	KATimeout     time.Duration
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string
	UserAgent     string
	Headers       map[string]string
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ShardClient applies the caller's headers and proxy to every request and never
// follows redirects on its own; redirects are resolved by the probe.
type ShardClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewShardClient(cfg HTTPClientConfig) *ShardClient {
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		// Increased socket buffer size for better speed
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(tuneSocketBuffers)
		},
	}).DialContext
	transport.MaxIdleConnsPerHost = 100 // every shard of a task hits the same host
	transport.IdleConnTimeout = cfg.KATimeout
	transport.ResponseHeaderTimeout = cfg.Timeout
	transport.DisableCompression = true
	transport.Proxy = nil
	if cfg.ProxyURL != "" {
		proxyURL, err := ParseProxyURL(cfg.ProxyURL)
		if err != nil {
			// requests fail at the proxy instead of leaving directly
			log.Error().Str("op", "utils/http-client").Err(err).Msg("Unusable proxy, refusing to connect")
			transport.Proxy = func(*http.Request) (*url.URL, error) { return nil, err }
		} else {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &ShardClient{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config: cfg,
	}
}

// ParseProxyURL accepts a full proxy URL or a bare host:port, which is taken as http.
func ParseProxyURL(raw string) (*url.URL, error) {
	proxyURL, err := url.Parse(raw)
	if err != nil || proxyURL.Scheme == "" || proxyURL.Host == "" {
		proxyURL, err = url.Parse("http://" + raw)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
	}
	if proxyURL.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q: missing host", raw)
	}
	return proxyURL, nil
}

func (c *ShardClient) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", ToolUserAgent)
	}
	for k, v := range c.config.Headers {
		// Range belongs to the shard issuing the request
		if http.CanonicalHeaderKey(k) == "Range" {
			continue
		}
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}

func (c *ShardClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}
