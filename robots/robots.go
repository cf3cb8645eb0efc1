// Package robots fetches, parses and caches robots.txt files, deciding
// whether a given URL may be fetched and what crawl delay the origin asks
// for. It mirrors the precedence rules of crawler.CrawlingRules from the
// original crawler package but adds an on-disk TTL cache and single-flight
// coalescing so concurrent workers hitting the same origin only issue one
// robots.txt request.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// fetchTimeout bounds a single robots.txt request so one slow or
// unresponsive origin can't stall every worker waiting on it through
// singleflight coalescing.
const fetchTimeout = 10 * time.Second

// entry is a cached robots.txt parse result for one origin. An entry with
// neither allowAll set nor a parsed group denies everything.
type entry struct {
	group     *robotstxt.Group
	allowAll  bool
	fetchedAt time.Time
}

// Cache fetches and caches robots.txt data per-origin, with a disk-backed
// TTL cache so a restarted crawl doesn't immediately re-fetch every origin.
type Cache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	cacheDir  string

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
}

// New builds a Cache. cacheDir may be empty to disable the on-disk layer.
func New(client *http.Client, userAgent string, ttl time.Duration, cacheDir string) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	if cacheDir != "" {
		_ = os.MkdirAll(cacheDir, 0o755)
	}
	return &Cache{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		cacheDir:  cacheDir,
		entries:   make(map[string]*entry),
	}
}

// Allowed reports whether target may be fetched under the robots.txt rules
// of its own origin.
func (c *Cache) Allowed(target *url.URL) (bool, error) {
	e, err := c.getEntry(target)
	if err != nil {
		return false, err
	}
	if e.allowAll {
		return true, nil
	}
	if e.group == nil {
		return false, nil
	}
	return e.group.Test(target.RequestURI()), nil
}

// CrawlDelay returns the Crawl-delay directive for target's origin, or zero
// if none was published.
func (c *Cache) CrawlDelay(target *url.URL) (time.Duration, error) {
	e, err := c.getEntry(target)
	if err != nil {
		return 0, err
	}
	if e.group == nil {
		return 0, nil
	}
	return e.group.CrawlDelay, nil
}

func (c *Cache) getEntry(target *url.URL) (*entry, error) {
	origin := originOf(target)

	c.mu.RLock()
	e, ok := c.entries[origin]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < c.ttl {
		return e, nil
	}

	v, err, _ := c.group.Do(origin, func() (interface{}, error) {
		if body, _, ok := c.loadDisk(origin); ok {
			return c.parse(body), nil
		}
		return c.fetchAndParse(origin)
	})
	if err != nil {
		return nil, err
	}
	fresh := v.(*entry)

	c.mu.Lock()
	c.entries[origin] = fresh
	c.mu.Unlock()

	return fresh, nil
}

// fetchAndParse retrieves /robots.txt for origin and parses it, mapping
// response status the same way the reference implementation does:
// 200 parses the body, 404 and 403 mean "allow everything", any other
// failure (network error, 5xx, timeout) means "deny everything" out of
// caution.
func (c *Cache) fetchAndParse(origin string) (*entry, error) {
	robotsURL := origin + "/robots.txt"

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &entry{allowAll: false, fetchedAt: time.Now()}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		c.saveDisk(origin, []byte{})
		return &entry{allowAll: true, fetchedAt: time.Now()}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &entry{allowAll: false, fetchedAt: time.Now()}, nil
		}
		c.saveDisk(origin, body)
		return c.parse(body), nil
	default:
		return &entry{allowAll: false, fetchedAt: time.Now()}, nil
	}
}

func (c *Cache) parse(body []byte) *entry {
	if len(body) == 0 {
		return &entry{allowAll: true, fetchedAt: time.Now()}
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return &entry{allowAll: true, fetchedAt: time.Now()}
	}
	return &entry{group: data.FindGroup(c.userAgent), fetchedAt: time.Now()}
}

func originOf(u *url.URL) string {
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

// cachePath returns the on-disk path used to persist an origin's fetched
// robots.txt body across process restarts.
func (c *Cache) cachePath(origin string) string {
	name := strings.NewReplacer("://", "_", ":", "_", "/", "_").Replace(origin)
	return filepath.Join(c.cacheDir, name+".robots")
}

func (c *Cache) saveDisk(origin string, body []byte) {
	if c.cacheDir == "" {
		return
	}
	_ = os.WriteFile(c.cachePath(origin), body, 0o644)
}

// loadDisk returns the persisted body for origin if present and still
// within the TTL window, so a freshly-restarted crawl does not immediately
// re-fetch every origin it already knows about.
func (c *Cache) loadDisk(origin string) ([]byte, time.Time, bool) {
	if c.cacheDir == "" {
		return nil, time.Time{}, false
	}
	path := c.cachePath(origin)
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) >= c.ttl {
		return nil, time.Time{}, false
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, false
	}
	return body, info.ModTime(), true
}
