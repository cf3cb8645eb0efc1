package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arkcrawl/webcrawler/fetcher"
	"github.com/arkcrawl/webcrawler/ratelimiter"
	"github.com/arkcrawl/webcrawler/rawstore"
	"github.com/arkcrawl/webcrawler/robots"
	"github.com/arkcrawl/webcrawler/urlqueue"
	"github.com/arkcrawl/webcrawler/useragent"
)

// recordingProducer is a test-only messaging.Producer that appends every
// payload it receives, instead of requiring a live consumer goroutine the
// way messaging.ChannelQueue would.
type recordingProducer struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordingProducer) Produce(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, data)
	return nil
}

func (r *recordingProducer) results(t *testing.T) []ScrapeResult {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScrapeResult, 0, len(r.payloads))
	for _, p := range r.payloads {
		var res ScrapeResult
		if err := json.Unmarshal(p, &res); err != nil {
			t.Fatalf("failed to unmarshal result: %v", err)
		}
		out = append(out, res)
	}
	return out
}

func buildTestOrchestrator(t *testing.T, producer *recordingProducer) *Orchestrator {
	t.Helper()
	store, err := rawstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("rawstore.Open failed: %v", err)
	}

	limiter := ratelimiter.New(ratelimiter.Config{
		MaxTokens:      10,
		RefillRate:     10,
		MinDelay:       time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		StrictMinDelay: 5 * time.Millisecond,
		StrictMaxDelay: 6 * time.Millisecond,
	}, clock.New())

	robotsCache := robots.New(http.DefaultClient, "testbot", time.Minute, "")

	static := fetcher.NewStatic(2*time.Second, 1, time.Millisecond, useragent.NewRotator(nil), nil, 0)
	dispatcher := &fetcher.Dispatcher{Static: static}

	return New(Options{
		Queue:         urlqueue.New(0, nil),
		Robots:        robotsCache,
		Limiter:       limiter,
		Dispatcher:    dispatcher,
		Store:         store,
		Producer:      producer,
		RespectRobots: true,
		HaltOn403:     time.Second,
		HaltOn429:     time.Second,
		HaltOnCaptcha: time.Second,
		Workers:       2,
	})
}

func TestRunProcessesSeededURLsSuccessfully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("<html><body><article>hello crawl world</article></body></html>"))
	}))
	defer srv.Close()

	producer := &recordingProducer{}
	o := buildTestOrchestrator(t, producer)
	o.Seed(srv.URL+"/a", srv.URL+"/b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.queue.AddMany(nil, urlqueue.Normal, 0) // no-op, confirms AddMany wiring doesn't panic on empty input
	stats := o.Run(ctx)

	if stats.Succeeded != 2 {
		t.Errorf("expected 2 successful fetches, got %d (stats: %s)", stats.Succeeded, stats.String())
	}

	results := producer.results(t)
	if len(results) != 2 {
		t.Fatalf("expected 2 published results, got %d", len(results))
	}
	for _, r := range results {
		if r.Status != StatusSuccess {
			t.Errorf("expected success status, got %s (err=%s)", r.Status, r.Error)
		}
		if r.StoreKey == "" {
			t.Errorf("expected a store key to be recorded")
		}
	}
}

func TestRunSkipsDisallowedURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.Write([]byte("content"))
	}))
	defer srv.Close()

	producer := &recordingProducer{}
	o := buildTestOrchestrator(t, producer)
	o.Seed(srv.URL + "/private/page")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats := o.Run(ctx)

	if stats.Skipped != 1 {
		t.Errorf("expected 1 skipped-by-robots result, got %d", stats.Skipped)
	}
}

func TestRunSkipsNetworkFetchForAlreadyStoredURLs(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt32(&requests, 1)
		w.Write([]byte("<html><body><article>hello crawl world</article></body></html>"))
	}))
	defer srv.Close()

	producer := &recordingProducer{}
	o := buildTestOrchestrator(t, producer)
	target := srv.URL + "/a"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Seed(target)
	stats := o.Run(ctx)
	if stats.Succeeded != 1 {
		t.Fatalf("expected first run to succeed, got stats: %s", stats.String())
	}
	firstCount := atomic.LoadInt32(&requests)
	if firstCount == 0 {
		t.Fatalf("expected the first run to hit the network at least once")
	}

	// Re-run the same orchestrator over the same URL with the store still
	// warm: the cache short-circuit must mean zero additional requests. The
	// queue's seen-set is reset first, since it would otherwise drop the
	// re-seeded URL as a duplicate.
	o.queue.ResetSeen()
	o.Seed(target)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	stats2 := o.Run(ctx2)
	if stats2.Succeeded != 2 {
		t.Errorf("expected cumulative successes of 2 across both runs, got stats: %s", stats2.String())
	}
	if got := atomic.LoadInt32(&requests); got != firstCount {
		t.Errorf("expected zero additional network requests on a warm store, went from %d to %d", firstCount, got)
	}

	results := producer.results(t)
	var sawCacheHit bool
	for _, r := range results {
		if r.URL == target && r.FromCache {
			sawCacheHit = true
		}
	}
	if !sawCacheHit {
		t.Errorf("expected at least one published result to be marked FromCache")
	}
}

func TestRunRecordsFetchKindCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("<html><body><article>hello crawl world</article></body></html>"))
	}))
	defer srv.Close()

	producer := &recordingProducer{}
	o := buildTestOrchestrator(t, producer)
	o.Seed(srv.URL + "/a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats := o.Run(ctx)

	if stats.HTTPFetches != 1 {
		t.Errorf("expected 1 http fetch recorded, got %d (stats: %s)", stats.HTTPFetches, stats.String())
	}
	if stats.BrowserFetches != 0 {
		t.Errorf("expected 0 browser fetches recorded, got %d", stats.BrowserFetches)
	}
}

func TestRunMarksBlockedResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	producer := &recordingProducer{}
	o := buildTestOrchestrator(t, producer)
	o.Seed(srv.URL + "/x")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats := o.Run(ctx)

	if stats.Blocked != 1 {
		t.Errorf("expected 1 blocked result, got %d", stats.Blocked)
	}
}
