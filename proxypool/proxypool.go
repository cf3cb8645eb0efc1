// Package proxypool tracks a set of outbound proxies, their health, and
// picks one for each fetch according to a rotation strategy. Health is
// tracked with an exponentially weighted moving average of response time
// plus a consecutive-failure counter; a proxy that crosses the failure
// threshold is taken out of rotation until a health check clears it.
package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// ewmaAlpha matches the smoothing factor used by the reference proxy pool.
const ewmaAlpha = 0.2

// Type identifies the proxy protocol.
type Type string

const (
	HTTP   Type = "http"
	HTTPS  Type = "https"
	SOCKS5 Type = "socks5"
)

// Proxy is one entry in the pool along with its live health stats.
type Proxy struct {
	URL  string
	Type Type

	mu              sync.Mutex
	successes       int
	failures        int
	consecutiveFail int
	avgResponseTime time.Duration
	lastUsed        time.Time
	healthy         bool
}

// NewProxy constructs a Proxy, healthy by default.
func NewProxy(rawURL string, t Type) *Proxy {
	return &Proxy{URL: rawURL, Type: t, healthy: true}
}

// MarkSuccess folds a successful request's latency into the running EWMA
// and resets the consecutive-failure streak.
func (p *Proxy) MarkSuccess(responseTime time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
	p.consecutiveFail = 0
	p.healthy = true
	p.lastUsed = time.Now()
	if p.avgResponseTime == 0 {
		p.avgResponseTime = responseTime
		return
	}
	p.avgResponseTime = time.Duration(ewmaAlpha*float64(responseTime) + (1-ewmaAlpha)*float64(p.avgResponseTime))
}

// MarkFailure records a failed request. maxFailures is the consecutive
// failure count at which the proxy is taken out of rotation.
func (p *Proxy) MarkFailure(maxFailures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	p.consecutiveFail++
	p.lastUsed = time.Now()
	if p.consecutiveFail >= maxFailures {
		p.healthy = false
	}
}

// ResetHealth clears the consecutive-failure streak and marks the proxy
// healthy again, used after a successful health check probe.
func (p *Proxy) ResetHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveFail = 0
	p.healthy = true
}

// Healthy reports whether the proxy is currently eligible for selection.
func (p *Proxy) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// SuccessRate returns successes / (successes + failures), or 1.0 if the
// proxy has never been used.
func (p *Proxy) SuccessRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.successes + p.failures
	if total == 0 {
		return 1.0
	}
	return float64(p.successes) / float64(total)
}

// Stats is a point-in-time snapshot of a proxy's health counters.
type Stats struct {
	URL             string
	Healthy         bool
	Successes       int
	Failures        int
	SuccessRate     float64
	AvgResponseTime time.Duration
}

func (p *Proxy) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.successes + p.failures
	rate := 1.0
	if total > 0 {
		rate = float64(p.successes) / float64(total)
	}
	return Stats{
		URL:             p.URL,
		Healthy:         p.healthy,
		Successes:       p.successes,
		Failures:        p.failures,
		SuccessRate:     rate,
		AvgResponseTime: p.avgResponseTime,
	}
}

// Strategy selects how the pool hands out its next proxy.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
)

// Pool manages a collection of proxies, their health, and selection order.
type Pool struct {
	strategy    Strategy
	maxFailures int

	mu      sync.Mutex
	proxies []*Proxy
	cursor  int

	healthCheckURL string
	client         *http.Client
	stopCh         chan struct{}
}

// New builds an empty Pool. client is used for health-check probes.
func New(strategy Strategy, maxFailures int, client *http.Client) *Pool {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Pool{
		strategy:       strategy,
		maxFailures:    maxFailures,
		client:         client,
		healthCheckURL: "https://www.google.com",
	}
}

// AddProxy registers a new proxy with the pool.
func (p *Pool) AddProxy(rawURL string, t Type) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = append(p.proxies, NewProxy(rawURL, t))
}

// LoadFromFile reads one proxy URL per line (http://, https:// or socks5://
// scheme inferred from the URL itself; defaults to HTTP).
func (p *Pool) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p.AddProxy(line, inferType(line))
	}
	return scanner.Err()
}

func inferType(rawURL string) Type {
	switch {
	case strings.HasPrefix(rawURL, "socks5://"):
		return SOCKS5
	case strings.HasPrefix(rawURL, "https://"):
		return HTTPS
	default:
		return HTTP
	}
}

// ErrNoHealthyProxy is returned by Get when every proxy is unhealthy.
var ErrNoHealthyProxy = fmt.Errorf("proxypool: no healthy proxy available")

// Get selects the next proxy according to the pool's strategy, skipping
// unhealthy ones. Returns ErrNoHealthyProxy if none qualify.
func (p *Pool) Get() (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := make([]*Proxy, 0, len(p.proxies))
	for _, pr := range p.proxies {
		if pr.Healthy() {
			healthy = append(healthy, pr)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyProxy
	}

	switch p.strategy {
	case Random:
		return healthy[rand.Intn(len(healthy))], nil
	default:
		pr := healthy[p.cursor%len(healthy)]
		p.cursor++
		return pr, nil
	}
}

// ReportSuccess folds a successful fetch's latency into proxy's stats.
func (p *Pool) ReportSuccess(proxy *Proxy, responseTime time.Duration) {
	proxy.MarkSuccess(responseTime)
}

// ReportFailure records a failed fetch against proxy.
func (p *Pool) ReportFailure(proxy *Proxy) {
	proxy.MarkFailure(p.maxFailures)
}

// ResetAll clears every proxy's failure streak and marks the whole pool
// healthy again.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.proxies {
		pr.ResetHealth()
	}
}

// HealthCheck probes a single proxy against healthCheckURL and updates its
// health accordingly.
func (p *Pool) HealthCheck(ctx context.Context, proxy *Proxy) bool {
	proxyURL, err := url.Parse(proxy.URL)
	if err != nil {
		proxy.MarkFailure(p.maxFailures)
		return false
	}
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthCheckURL, nil)
	if err != nil {
		proxy.MarkFailure(p.maxFailures)
		return false
	}
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil || resp.StatusCode >= 400 {
		proxy.MarkFailure(p.maxFailures)
		return false
	}
	resp.Body.Close()
	proxy.MarkSuccess(elapsed)
	return true
}

// CheckAll probes every proxy currently registered with the pool.
func (p *Pool) CheckAll(ctx context.Context) {
	p.mu.Lock()
	proxies := make([]*Proxy, len(p.proxies))
	copy(proxies, p.proxies)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pr := range proxies {
		wg.Add(1)
		go func(pr *Proxy) {
			defer wg.Done()
			p.HealthCheck(ctx, pr)
		}(pr)
	}
	wg.Wait()
}

// StartHealthChecks runs CheckAll on interval until StopHealthChecks is
// called or ctx is canceled.
func (p *Pool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	p.stopCh = make(chan struct{})
	stop := p.stopCh
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.CheckAll(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StopHealthChecks stops a running StartHealthChecks loop.
func (p *Pool) StopHealthChecks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		close(p.stopCh)
		p.stopCh = nil
	}
}

// GetStats returns a snapshot of every proxy's health counters.
func (p *Pool) GetStats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.proxies))
	for _, pr := range p.proxies {
		out = append(out, pr.stats())
	}
	return out
}

// Len returns the number of proxies registered with the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}
