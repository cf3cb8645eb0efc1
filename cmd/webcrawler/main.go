// Command webcrawler runs the polite, concurrent fetch-coordination
// engine against a set of seed URLs, exporting a summary of each fetch as
// newline-delimited JSON, or as one JSON array with --format json.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kennygrant/sanitize"
	"github.com/spf13/cobra"

	"github.com/arkcrawl/webcrawler/classifier"
	"github.com/arkcrawl/webcrawler/extractor"
	"github.com/arkcrawl/webcrawler/fetcher"
	"github.com/arkcrawl/webcrawler/internal/config"
	"github.com/arkcrawl/webcrawler/messaging"
	"github.com/arkcrawl/webcrawler/orchestrator"
	"github.com/arkcrawl/webcrawler/proxypool"
	"github.com/arkcrawl/webcrawler/ratelimiter"
	"github.com/arkcrawl/webcrawler/rawstore"
	"github.com/arkcrawl/webcrawler/robots"
	"github.com/arkcrawl/webcrawler/urlqueue"
	"github.com/arkcrawl/webcrawler/useragent"
)

var (
	targetURL   string
	urlFile     string
	workers     int
	format      string
	outputFile  string
	proxiesFile string
	logLevel    string
	useBrowser  bool
)

var rootCmd = &cobra.Command{
	Use:   "webcrawler",
	Short: "A polite, concurrent fetch-coordination engine.",
	Long: `webcrawler dispatches fetches across a set of seed URLs while
respecting robots.txt, per-domain rate limits and block signals, escalating
to a headless browser only when a page actually needs one, and storing raw
results in a content-addressed store.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&targetURL, "url", "u", "", "single URL to fetch")
	rootCmd.Flags().StringVarP(&urlFile, "file", "f", "", "file containing URLs, one per line")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 3, "number of concurrent fetch workers")
	rootCmd.Flags().StringVar(&format, "format", "jsonl", "export format (jsonl or json)")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", "", "output filename (auto-generated if empty)")
	rootCmd.Flags().StringVarP(&proxiesFile, "proxies", "p", "", "file containing proxy URLs, one per line")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "INFO", "logging level (DEBUG, INFO, WARNING, ERROR); recorded in the config, log output is not filtered by it")
	rootCmd.Flags().BoolVar(&useBrowser, "browser", true, "allow escalation to a headless browser for dynamic pages")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	urls, err := collectURLs()
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("no URLs provided: use --url or --file")
	}

	logger := log.New(os.Stderr, "webcrawler: ", log.LstdFlags)
	logger.Printf("starting crawl of %d URL(s) with %d workers", len(urls), workers)

	cfg := config.FromEnv()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	store, err := rawstore.Open(cfg.Storage.RawPath())
	if err != nil {
		return fmt.Errorf("opening raw store: %w", err)
	}

	robotsCache := robots.New(http.DefaultClient, "webcrawler/1.0", cfg.RobotsCacheTTL, ".cache/robots")

	limiter := ratelimiter.New(ratelimiter.Config{
		MaxTokens:      cfg.RateLimit.MaxTokens,
		RefillRate:     cfg.RateLimit.RefillRate,
		MinDelay:       cfg.RateLimit.MinDelay,
		MaxDelay:       cfg.RateLimit.MaxDelay,
		StrictMinDelay: cfg.RateLimit.StrictMinDelay,
		StrictMaxDelay: cfg.RateLimit.StrictMaxDelay,
	}, clock.New())

	rotator := useragent.NewRotator(nil)

	var proxies *proxypool.Pool
	if proxiesFile != "" {
		proxies = proxypool.New(proxypool.Strategy(cfg.Proxy.RotationStrategy), cfg.Proxy.MaxFailures, nil)
		if err := proxies.LoadFromFile(proxiesFile); err != nil {
			return fmt.Errorf("loading proxies: %w", err)
		}
		logger.Printf("loaded %d proxies", proxies.Len())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		proxies.StartHealthChecks(ctx, cfg.Proxy.HealthCheckInterval)
	}

	static := fetcher.NewStatic(cfg.Browser.Timeout, cfg.MaxRetries, time.Duration(cfg.RetryBackoff*float64(time.Second)),
		rotator, proxies, cfg.MaxBytesPerSec)

	dispatcher := &fetcher.Dispatcher{
		Static:       static,
		NeedsBrowser: classifier.QuickCheck,
	}
	if useBrowser {
		dynamic, err := fetcher.NewDynamic(cfg.Browser.Headless, cfg.Browser.Timeout, cfg.Browser.BlockedDomains, true)
		if err != nil {
			logger.Printf("dynamic fetcher unavailable, falling back to static-only: %v", err)
		} else {
			dispatcher.Dynamic = dynamic
			defer dynamic.Close()
		}
	}

	queue := urlqueue.New(0, nil)

	producer := messaging.NewChannelQueue()
	outPath := resolveOutputPath()
	done := make(chan struct{})
	go exportResults(producer, outPath, done)

	o := orchestrator.New(orchestrator.Options{
		Queue:         queue,
		Robots:        robotsCache,
		Limiter:       limiter,
		Dispatcher:    dispatcher,
		Store:         store,
		Producer:      producer,
		Extractor:     extractPage,
		RespectRobots: cfg.RespectRobotsTxt,
		HaltOn403:     cfg.HaltOn403,
		HaltOn429:     cfg.HaltOn429,
		HaltOnCaptcha: cfg.HaltOnCaptcha,
		Workers:       workers,
	})
	o.Seed(urls...)

	stats := o.Run(context.Background())
	producer.Close()
	<-done

	logger.Printf("done: %s", stats.String())
	logger.Printf("results exported to %s", outPath)
	return nil
}

func collectURLs() ([]string, error) {
	var urls []string
	if targetURL != "" {
		urls = append(urls, targetURL)
	}
	if urlFile != "" {
		fromFile, err := loadURLsFromFile(urlFile)
		if err != nil {
			return nil, err
		}
		urls = append(urls, fromFile...)
	}
	return urls, nil
}

func loadURLsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}

// resolveOutputPath builds the export filename, sanitizing any
// user-supplied name so it can't escape the output directory or embed
// control characters.
func resolveOutputPath() string {
	if outputFile != "" {
		return sanitize.BaseName(outputFile)
	}
	name := fmt.Sprintf("webcrawler-results-%d.%s", time.Now().Unix(), extensionFor(format))
	return sanitize.BaseName(name)
}

func extensionFor(format string) string {
	if format == "json" {
		return "json"
	}
	return "jsonl"
}

// extractPage runs the default content extractor over a fetched body and
// round-trips its typed Page through JSON so it fits orchestrator.Extractor's
// map[string]interface{} return, letting the orchestrator attach it to
// ScrapeResult.Extracted as part of its own per-URL pipeline rather than at
// export time.
func extractPage(_ string, body []byte) (map[string]interface{}, error) {
	page := extractor.Extract(string(body))
	data, err := json.Marshal(page)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// exportResults drains producer and writes each result as one JSON line to
// outPath, wrapping the lines in a single JSON array when format is "json".
// Extraction already happened inside the orchestrator's own pipeline, so
// this just serializes what it published.
func exportResults(producer messaging.ChannelQueue, outPath string, done chan<- struct{}) {
	defer close(done)

	f, err := os.Create(outPath)
	if err != nil {
		log.Printf("webcrawler: failed to create output file %s: %v", outPath, err)
		return
	}
	defer f.Close()

	events := make(chan []byte)
	go func() {
		if err := producer.Consume(events); err != nil {
			log.Printf("webcrawler: export consumer stopped: %v", err)
		}
	}()

	writer := bufio.NewWriter(f)
	defer writer.Flush()

	asArray := format == "json"
	if asArray {
		writer.WriteByte('[')
	}
	first := true
	for payload := range events {
		if asArray && !first {
			writer.WriteByte(',')
		}
		first = false
		writer.Write(payload)
		writer.WriteByte('\n')
	}
	if asArray {
		writer.WriteByte(']')
	}
}
