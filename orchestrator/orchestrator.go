// Package orchestrator ties every component together into a polite,
// concurrent fetch-coordination engine: a worker pool pulls URLs from the
// urlqueue, consults robots and the rate limiter, dispatches a fetch
// (escalating to a browser when needed), classifies and stores the result,
// and forwards a summary onto a messaging.Producer. Its worker pool and
// graceful-shutdown shape are grounded on crawler.WebCrawler.Crawl; its
// per-URL pipeline mirrors orchestrator.py's _fetch_url/_process_url.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/arkcrawl/webcrawler/classifier"
	"github.com/arkcrawl/webcrawler/fetcher"
	"github.com/arkcrawl/webcrawler/messaging"
	"github.com/arkcrawl/webcrawler/ratelimiter"
	"github.com/arkcrawl/webcrawler/rawstore"
	"github.com/arkcrawl/webcrawler/robots"
	"github.com/arkcrawl/webcrawler/urlqueue"
)

// Status describes the terminal state of one URL's fetch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusBlocked Status = "blocked"
	StatusHalted  Status = "halted"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped_by_robots"
)

// ScrapeResult is the outcome of processing a single URL, serialized onto
// the Producer for downstream consumers.
type ScrapeResult struct {
	URL         string    `json:"url"`
	Status      Status    `json:"status"`
	StatusCode  int       `json:"status_code,omitempty"`
	StoreKey    string    `json:"store_key,omitempty"`
	UsedBrowser bool      `json:"used_browser"`
	FromCache   bool      `json:"from_cache,omitempty"`
	SiteType    string    `json:"site_type,omitempty"`
	Extracted   map[string]interface{} `json:"extracted,omitempty"`
	Error       string    `json:"error,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Extractor pulls arbitrary structured data out of a fetched body. Its
// failure (error or panic) is caught and logged rather than failing the
// URL, matching orchestrator.py's catch-all around the caller-supplied
// extractor.
type Extractor func(url string, body []byte) (map[string]interface{}, error)

// Stats aggregates counters across a run, mirroring ScraperStats.
type Stats struct {
	mu             sync.Mutex
	Total          int64
	Succeeded      int64
	Blocked        int64
	Halted         int64
	Errored        int64
	Skipped        int64
	BytesStored    int64
	HTTPFetches    int64
	BrowserFetches int64
	CacheHits      int64
	StartedAt      time.Time
	FinishedAt     time.Time
}

func (s *Stats) record(result ScrapeResult, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Total++
	switch result.Status {
	case StatusSuccess:
		s.Succeeded++
		s.BytesStored += int64(size)
		if result.FromCache {
			s.CacheHits++
		}
	case StatusBlocked:
		s.Blocked++
	case StatusHalted:
		s.Halted++
	case StatusError:
		s.Errored++
	case StatusSkipped:
		s.Skipped++
	}
}

// recordFetchKind increments whichever of {http_fetches, browser_fetches}
// the dispatch just attempted used, independent of whether it ultimately
// succeeded — a cache hit (no dispatch at all) must not call this.
func (s *Stats) recordFetchKind(usedBrowser bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if usedBrowser {
		s.BrowserFetches++
	} else {
		s.HTTPFetches++
	}
}

// Duration returns how long the run has been (or was) active.
func (s *Stats) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// SuccessRate returns Succeeded / Total, or 0 if nothing has run yet.
func (s *Stats) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// String renders a terse, log-friendly summary line using go-humanize for
// byte and duration formatting.
func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf(
		"total=%d succeeded=%d blocked=%d halted=%d errored=%d skipped=%d cache_hits=%d "+
			"http_fetches=%d browser_fetches=%d stored=%s elapsed=%s",
		s.Total, s.Succeeded, s.Blocked, s.Halted, s.Errored, s.Skipped, s.CacheHits,
		s.HTTPFetches, s.BrowserFetches,
		humanize.Bytes(uint64(s.BytesStored)), humanize.RelTime(s.StartedAt, time.Now(), "", ""),
	)
}

// Orchestrator wires the queue, robots cache, rate limiter, fetch
// dispatcher, classifier and raw store into a worker pool.
type Orchestrator struct {
	queue      *urlqueue.Queue
	robots     *robots.Cache
	limiter    *ratelimiter.Limiter
	dispatcher *fetcher.Dispatcher
	store      *rawstore.Store
	producer   messaging.Producer
	extractor  Extractor

	respectRobots bool
	haltOn403     time.Duration
	haltOn429     time.Duration
	haltOnCaptcha time.Duration

	workers int
	logger  *log.Logger

	stats Stats
}

// Options bundles the collaborators an Orchestrator is built from.
type Options struct {
	Queue      *urlqueue.Queue
	Robots     *robots.Cache
	Limiter    *ratelimiter.Limiter
	Dispatcher *fetcher.Dispatcher
	Store      *rawstore.Store
	Producer   messaging.Producer

	// Extractor, if set, is run against every successfully stored body and
	// its output attached to ScrapeResult.Extracted. May be nil.
	Extractor Extractor

	RespectRobots bool
	HaltOn403     time.Duration
	HaltOn429     time.Duration
	HaltOnCaptcha time.Duration
	Workers       int
}

// New builds an Orchestrator from Options.
func New(opts Options) *Orchestrator {
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	return &Orchestrator{
		queue:         opts.Queue,
		robots:        opts.Robots,
		limiter:       opts.Limiter,
		dispatcher:    opts.Dispatcher,
		store:         opts.Store,
		producer:      opts.Producer,
		extractor:     opts.Extractor,
		respectRobots: opts.RespectRobots,
		haltOn403:     opts.HaltOn403,
		haltOn429:     opts.HaltOn429,
		haltOnCaptcha: opts.HaltOnCaptcha,
		workers:       workers,
		logger:        log.New(os.Stderr, "orchestrator: ", log.LstdFlags),
		stats:         Stats{StartedAt: time.Now()},
	}
}

// Seed enqueues the initial set of URLs at Normal priority.
func (o *Orchestrator) Seed(urls ...string) {
	for _, u := range urls {
		o.queue.Add(u, urlqueue.Normal, 0)
	}
}

// Run starts the worker pool and blocks until the queue drains or ctx is
// canceled. It installs its own SIGINT/SIGTERM handler so an operator can
// interrupt a long crawl cleanly, the same shape as WebCrawler.Crawl.
func (o *Orchestrator) Run(ctx context.Context) *Stats {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	go func() {
		select {
		case <-signalCh:
			o.logger.Println("received shutdown signal, draining workers")
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	var idleWorkers int32
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx, &idleWorkers)
		}()
	}
	wg.Wait()

	o.stats.mu.Lock()
	o.stats.FinishedAt = time.Now()
	o.stats.mu.Unlock()
	o.logger.Println(o.stats.String())
	return &o.stats
}

// worker pulls items off the queue until it empties or ctx is canceled.
// idleWorkers tracks how many workers are currently starved so the pool
// can tell "queue empty, still feeding" apart from "queue empty, done".
func (o *Orchestrator) worker(ctx context.Context, idleWorkers *int32) {
	const emptyPollInterval = 500 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := o.queue.Get(emptyPollInterval)
		if !ok {
			if int(atomic.AddInt32(idleWorkers, 1)) >= o.workers {
				atomic.AddInt32(idleWorkers, -1)
				return
			}
			time.Sleep(emptyPollInterval)
			atomic.AddInt32(idleWorkers, -1)
			continue
		}
		atomic.StoreInt32(idleWorkers, 0)
		result := o.processURL(ctx, item.URL)
		o.publish(result)
	}
}

// processURL runs the full per-URL pipeline: robots check, cache
// short-circuit, rate limiting, fetch (with escalation), classification,
// storage, extraction — matching orchestrator.py's
// _process_url/_fetch_url order of operations exactly, including its
// store.Exists check (step 2) that makes re-running a crawl over an
// already-stored URL set perform zero network fetches.
func (o *Orchestrator) processURL(ctx context.Context, rawURL string) ScrapeResult {
	start := time.Now()
	result := ScrapeResult{URL: rawURL, FetchedAt: start}

	target, err := url.Parse(rawURL)
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result
	}
	domain := target.Hostname()

	if o.respectRobots && o.robots != nil {
		allowed, err := o.robots.Allowed(target)
		if err != nil {
			o.logger.Printf("robots check failed for %s: %v", rawURL, err)
		} else if !allowed {
			result.Status = StatusSkipped
			return result
		}
	}

	if o.store.Exists(rawURL) {
		body, meta, err := o.store.Load(rawURL)
		if err != nil {
			o.logger.Printf("cache lookup for %s reported exists but failed to load: %v", rawURL, err)
		} else {
			result.StatusCode = meta.StatusCode
			result.StoreKey = meta.Key
			result.FromCache = true
			result.Elapsed = time.Since(start)
			result.SiteType = string(classifier.Analyze(string(body)).Type)
			result.Extracted = o.runExtractor(rawURL, body)
			result.Status = StatusSuccess
			return result
		}
	}

	wait, err := o.limiter.Acquire(domain)
	if err != nil {
		result.Status = StatusHalted
		result.Error = err.Error()
		return result
	}
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			result.Status = StatusError
			result.Error = ctx.Err().Error()
			return result
		}
	}

	fetchResult, err := o.dispatcher.Fetch(ctx, rawURL)
	result.Elapsed = time.Since(start)
	o.stats.recordFetchKind(fetchResult.UsedBrowser)
	if err != nil {
		result.Status = StatusError
		result.Error = err.Error()
		return result
	}
	result.StatusCode = fetchResult.StatusCode
	result.UsedBrowser = fetchResult.UsedBrowser

	// A static result blocked with 403/429 must still halt the domain even
	// when escalation to the dynamic fetcher went on to succeed; the
	// original status travels on EscalatedFromBlock/StaticStatusCode since
	// fetchResult itself now reflects the dynamic outcome.
	blocked := fetchResult.IsBlocked()
	blockStatus := fetchResult.StatusCode
	if fetchResult.EscalatedFromBlock {
		blocked = true
		blockStatus = fetchResult.StaticStatusCode
	}
	if blocked {
		o.haltForBlock(domain, blockStatus)
		result.Status = StatusBlocked
		return result
	}
	o.limiter.ReportSuccess(domain)

	if !fetchResult.UsedBrowser {
		analysis := classifier.Analyze(string(fetchResult.Body))
		result.SiteType = string(analysis.Type)
	}

	if fetchResult.Success() {
		key, err := o.store.Save(rawURL, fetchResult.Body, fetchResult.ContentType, fetchResult.StatusCode, fetchResult.Headers)
		if err != nil {
			o.logger.Printf("failed to store %s: %v", rawURL, err)
		} else {
			result.StoreKey = key
			result.Extracted = o.runExtractor(rawURL, fetchResult.Body)
		}
	}
	result.Status = StatusSuccess
	return result
}

// runExtractor calls the configured Extractor, if any, recovering from a
// panic the same way orchestrator.py's catch-all around the caller-supplied
// extractor does: the URL's fetch still counts as a success, just with no
// structured data attached.
func (o *Orchestrator) runExtractor(rawURL string, body []byte) (out map[string]interface{}) {
	if o.extractor == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Printf("extractor panicked for %s: %v", rawURL, r)
			out = map[string]interface{}{}
		}
	}()
	data, err := o.extractor(rawURL, body)
	if err != nil {
		o.logger.Printf("extractor failed for %s: %v", rawURL, err)
		return map[string]interface{}{}
	}
	return data
}

// haltForBlock picks the configured cooldown window based on what kind of
// block the response looked like, mirroring the reference orchestrator's
// HALT_ON_403 / HALT_ON_429 / HALT_ON_CAPTCHA distinction.
func (o *Orchestrator) haltForBlock(domain string, statusCode int) {
	switch {
	case statusCode == 429:
		o.limiter.HaltDomain(domain, o.haltOn429)
	case statusCode == 403:
		o.limiter.HaltDomain(domain, o.haltOn403)
	default:
		o.limiter.HaltDomain(domain, o.haltOnCaptcha)
	}
}

// publish marshals result and hands it to the Producer, logging (rather
// than failing the crawl) if the sink is unavailable.
func (o *Orchestrator) publish(result ScrapeResult) {
	size := 0
	if result.StoreKey != "" && !result.FromCache {
		if meta, ok := o.store.GetMetadata(result.URL); ok {
			size = int(meta.Size)
		}
	}
	o.stats.record(result, size)
	payload, err := json.Marshal(result)
	if err != nil {
		o.logger.Printf("failed to marshal result for %s: %v", result.URL, err)
		return
	}
	if o.producer == nil {
		return
	}
	if err := o.producer.Produce(payload); err != nil {
		o.logger.Println("unable to communicate with message queue:", err)
	}
}

// GetStats returns a live snapshot of run-wide counters.
func (o *Orchestrator) GetStats() Stats {
	o.stats.mu.Lock()
	defer o.stats.mu.Unlock()
	return Stats{
		Total:          o.stats.Total,
		Succeeded:      o.stats.Succeeded,
		Blocked:        o.stats.Blocked,
		Halted:         o.stats.Halted,
		Errored:        o.stats.Errored,
		Skipped:        o.stats.Skipped,
		BytesStored:    o.stats.BytesStored,
		HTTPFetches:    o.stats.HTTPFetches,
		BrowserFetches: o.stats.BrowserFetches,
		CacheHits:      o.stats.CacheHits,
		StartedAt:      o.stats.StartedAt,
		FinishedAt:     o.stats.FinishedAt,
	}
}
