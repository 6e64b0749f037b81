package cmd

import (
	"context"
	"errors"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/shardget/internal/config"
	"github.com/tanq16/shardget/internal/history"
	"github.com/tanq16/shardget/internal/output"
	"github.com/tanq16/shardget/internal/scheduler"
	"github.com/tanq16/shardget/internal/utils"
)

var (
	shards        int
	chunkSize     int
	maxRetries    int
	retryDelay    time.Duration
	maxRedirects  int
	timeout       time.Duration
	kaTimeout     time.Duration
	stallTimeout  time.Duration
	workers       int
	lowMemory     bool
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	token         string
	rateLimit     string
	debug         bool
	outputPath    string

	cfg              *config.Config
	globalHTTPConfig utils.HTTPClientConfig
	globalRateLimit  int64
)

var ShardgetVersion = "dev"

var rootCmd = &cobra.Command{
	Use:               "shardget [URL] [--output OUTPUT_PATH]",
	Short:             "shardget is a resumable, parallel range downloader",
	Version:           ShardgetVersion,
	Args:              cobra.MaximumNArgs(1),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runDownloads(cmd.Context(), []utils.DownloadEntry{{URL: args[0], OutputPath: outputPath}})
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	defaults := config.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.IntVarP(&shards, "shards", "c", defaults.Shards, "Number of parallel shards per download")
	flags.IntVar(&chunkSize, "chunk-size", defaults.ChunkSize, "Read size per shard in bytes")
	flags.IntVarP(&maxRetries, "retries", "r", defaults.MaxRetries, "Attempts per shard before the download fails")
	flags.DurationVar(&retryDelay, "retry-delay", defaults.RetryDelay, "Base delay between shard attempts (grows linearly)")
	flags.IntVar(&maxRedirects, "redirects", defaults.MaxRedirects, "Maximum redirects followed while probing")
	flags.DurationVarP(&timeout, "timeout", "t", defaults.Timeout, "Response header timeout, 0 waits forever (eg. 30s, 2m)")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Idle connection keep-alive timeout (eg. 10s, 1m)")
	flags.DurationVar(&stallTimeout, "stall-timeout", defaults.StallTimeout, "Abort a shard attempt after this long without data, 0 disables")
	flags.IntVarP(&workers, "workers", "w", defaults.Workers, "Number of downloads to run in parallel")
	flags.BoolVar(&lowMemory, "low-memory", defaults.LowMemory, "Merge shards through a bounded buffer")
	flags.StringVarP(&userAgent, "user-agent", "a", defaults.UserAgent, "User agent ('randomize' picks a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.StringVar(&token, "token", "", "Bearer token sent with every request (or SHARDGET_TOKEN)")
	flags.StringVar(&rateLimit, "limit", "", "Bandwidth limit across all shards (eg. 500K, 2M)")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path, '-' writes to stdout (inferred if not provided)")

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newHistoryCmd())
}

// setup layers the config file under the flags the user actually set.
func setup(cmd *cobra.Command, args []string) error {
	utils.InitLogger(debug)
	var err error
	cfg, err = config.GetConfig()
	if err != nil {
		return fmt.Errorf("error reading config %s: %w", config.Path(), err)
	}
	flags := cmd.Flags()
	if flags.Changed("shards") {
		cfg.Shards = shards
	}
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = chunkSize
	}
	if flags.Changed("retries") {
		cfg.MaxRetries = maxRetries
	}
	if flags.Changed("retry-delay") {
		cfg.RetryDelay = retryDelay
	}
	if flags.Changed("redirects") {
		cfg.MaxRedirects = maxRedirects
	}
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("stall-timeout") {
		cfg.StallTimeout = stallTimeout
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("low-memory") {
		cfg.LowMemory = lowMemory
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		cfg.Proxy = proxyURL
	}
	if flags.Changed("limit") {
		cfg.RateLimit = rateLimit
	}
	if cfg.Shards <= 0 || cfg.MaxRetries <= 0 || cfg.Workers <= 0 {
		return errors.New("shards, retries and workers must be positive")
	}

	globalRateLimit, err = utils.ParseRate(cfg.RateLimit)
	if err != nil {
		return err
	}
	globalHTTPConfig, err = buildHTTPConfig()
	return err
}

func buildHTTPConfig() (utils.HTTPClientConfig, error) {
	agent := cfg.UserAgent
	if agent == "randomize" {
		agent = utils.GetRandomUserAgent()
	}
	proxy, username, password := cfg.Proxy, proxyUsername, proxyPassword
	var parsedProxy *u.URL
	if proxy != "" {
		var err error
		if parsedProxy, err = utils.ParseProxyURL(proxy); err != nil {
			return utils.HTTPClientConfig{}, err
		}
	}
	if parsedProxy != nil {
		// Check if proxy URL contains auth
		if parsedProxy.User != nil && username == "" {
			username = parsedProxy.User.Username()
			if pass, set := parsedProxy.User.Password(); set {
				password = pass
			}
		}
		// Remove auth from URL to send in clientConfig
		parsedProxy.User = nil
		proxy = parsedProxy.String()
	}
	headerMap := utils.ParseHeaderArgs(headers)
	if token == "" {
		token = os.Getenv("SHARDGET_TOKEN")
	}
	if _, set := headerMap["Authorization"]; !set && token != "" {
		headerMap["Authorization"] = "Bearer " + token
	}
	return utils.HTTPClientConfig{
		Timeout:       cfg.Timeout,
		KATimeout:     kaTimeout,
		ProxyURL:      proxy,
		ProxyUsername: username,
		ProxyPassword: password,
		UserAgent:     agent,
		Headers:       headerMap,
	}, nil
}

func newJob(entry utils.DownloadEntry) utils.DownloadJob {
	return utils.DownloadJob{
		URL:              entry.URL,
		OutputPath:       entry.OutputPath,
		Shards:           cfg.Shards,
		ChunkSize:        cfg.ChunkSize,
		MaxRetries:       cfg.MaxRetries,
		RetryDelay:       cfg.RetryDelay,
		MaxRedirects:     cfg.MaxRedirects,
		StallTimeout:     cfg.StallTimeout,
		RateLimit:        globalRateLimit,
		LowMemory:        cfg.LowMemory,
		HTTPClientConfig: globalHTTPConfig,
	}
}

// runDownloads hands entries to the scheduler, moving logs to a file while the live
// display owns the terminal.
func runDownloads(ctx context.Context, entries []utils.DownloadEntry) error {
	jobs := make([]utils.DownloadJob, 0, len(entries))
	toStdout := false
	for _, entry := range entries {
		if _, err := u.Parse(entry.URL); err != nil {
			return fmt.Errorf("invalid URL %q: %w", entry.URL, err)
		}
		toStdout = toStdout || entry.OutputPath == "-"
		jobs = append(jobs, newJob(entry))
	}

	opts := scheduler.Options{Workers: cfg.Workers, Live: output.IsTerminal() && !toStdout}
	if toStdout {
		opts.Display = os.Stderr
	}
	if opts.Live {
		logFile, err := os.OpenFile(utils.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			defer logFile.Close()
			utils.SetLogOutput(logFile)
			defer utils.SetLogOutput(os.Stderr)
		}
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		log.Warn().Str("op", "cmd/root").Err(err).Msg("Download history disabled")
	} else {
		defer store.Close()
		opts.History = store
	}
	return scheduler.Run(ctx, jobs, opts)
}
