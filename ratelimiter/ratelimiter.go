// Package ratelimiter implements a per-domain token bucket rate limiter
// with a "red light" halt mechanism: a domain that returns 403/429 or shows
// signs of blocking is halted for a cooldown window rather than retried
// immediately, and can be switched into a stricter, slower bucket once it
// has shown it is sensitive to load.
package ratelimiter

import (
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// bucket is a classic token bucket: tokens refill continuously at
// refillRate tokens/sec, capped at maxTokens.
type bucket struct {
	maxTokens  float64
	refillRate float64
	tokens     float64
	updatedAt  time.Time
}

func newBucket(maxTokens int, refillRate float64, now time.Time) *bucket {
	return &bucket{
		maxTokens:  float64(maxTokens),
		refillRate: refillRate,
		tokens:     float64(maxTokens),
		updatedAt:  now,
	}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.updatedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.updatedAt = now
}

// consume tries to take one token, returns whether it succeeded.
func (b *bucket) consume(now time.Time) bool {
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// timeUntilAvailable returns how long until at least one token is free.
func (b *bucket) timeUntilAvailable(now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	secs := needed / b.refillRate
	return time.Duration(secs * float64(time.Second))
}

// domainState tracks one origin's bucket, halt window, strictness, and the
// scheduled time of its most recently reserved dispatch.
type domainState struct {
	mu                sync.Mutex
	bucket            *bucket
	strictBucket      *bucket
	strict            bool
	haltedUntil       time.Time
	consecutiveErrors int
	lastDelay         time.Duration
	lastRequestAt     time.Time
}

// Config holds the tunables threaded into the limiter from internal/config.
type Config struct {
	MaxTokens      int
	RefillRate     float64
	MinDelay       time.Duration
	MaxDelay       time.Duration
	StrictMinDelay time.Duration
	StrictMaxDelay time.Duration
}

// Limiter rate-limits fetches on a per-domain basis.
type Limiter struct {
	cfg   Config
	clock clock.Clock

	mu      sync.Mutex
	domains map[string]*domainState
}

// New builds a Limiter. clk may be nil to use the real wall clock; tests
// inject a clock.Mock for deterministic control over time.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{cfg: cfg, clock: clk, domains: make(map[string]*domainState)}
}

func (l *Limiter) stateFor(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ds, ok := l.domains[domain]
	if !ok {
		now := l.clock.Now()
		ds = &domainState{
			bucket:       newBucket(l.cfg.MaxTokens, l.cfg.RefillRate, now),
			strictBucket: newBucket(1, l.cfg.RefillRate/2, now),
		}
		l.domains[domain] = ds
	}
	return ds
}

// ErrHalted is returned by Acquire when domain is in its cooldown window.
type ErrHalted struct {
	Domain string
	Until  time.Time
}

func (e *ErrHalted) Error() string {
	return "ratelimiter: " + e.Domain + " halted until " + e.Until.String()
}

// Acquire reserves the next dispatch slot for domain and returns how long
// the caller must wait before sending; it does not sleep itself. It takes a
// token from the domain's bucket or, when the bucket is empty, reserves the
// token the refill produces next, so the caller dispatches once after the
// returned wait without calling Acquire again. If the domain is in its
// cooldown window, it returns ErrHalted with the time left in the window.
func (l *Limiter) Acquire(domain string) (time.Duration, error) {
	ds := l.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := l.clock.Now()
	if now.Before(ds.haltedUntil) {
		return ds.haltedUntil.Sub(now), &ErrHalted{Domain: domain, Until: ds.haltedUntil}
	}

	b := ds.bucket
	if ds.strict {
		b = ds.strictBucket
	}
	nextAllowed := now
	if !b.consume(now) {
		// Empty bucket: take the next token at the moment it refills. An
		// earlier reservation may already have moved updatedAt ahead of now.
		from := now
		if b.updatedAt.After(now) {
			from = b.updatedAt
		}
		nextAllowed = from.Add(b.timeUntilAvailable(from))
		b.tokens = 0
		b.updatedAt = nextAllowed
	}

	// Reserve the next dispatch slot at least jitterDelay after the last one
	// we handed out, so concurrent callers on the same domain are serialized
	// to the min-delay spacing invariant rather than each computing an
	// independent, unsynchronized random wait off "now".
	delay := l.jitterDelay(ds)
	if !ds.lastRequestAt.IsZero() {
		if earliest := ds.lastRequestAt.Add(delay); earliest.After(nextAllowed) {
			nextAllowed = earliest
		}
	}
	ds.lastRequestAt = nextAllowed
	return nextAllowed.Sub(now), nil
}

// jitterDelay returns a randomized delay in [min, max), widened to the
// strict range when the domain is in strict mode, matching the reference
// limiter's "slow down on repeated trouble" behavior.
func (l *Limiter) jitterDelay(ds *domainState) time.Duration {
	min, max := l.cfg.MinDelay, l.cfg.MaxDelay
	if ds.strict {
		min, max = l.cfg.StrictMinDelay, l.cfg.StrictMaxDelay
	}
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(rand.Int63n(int64(span)))
}

// HaltDomain puts domain into a cooldown window of the given duration, to
// be called after receiving a 403/429 or a CAPTCHA challenge.
func (l *Limiter) HaltDomain(domain string, duration time.Duration) {
	ds := l.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.haltedUntil = l.clock.Now().Add(duration)
	ds.consecutiveErrors++
	if ds.consecutiveErrors >= 2 {
		ds.strict = true
	}
}

// ReportSuccess clears the consecutive-error streak, so the next halt does
// not count toward entering strict mode. It does not leave strict mode once
// entered; only SetStrict clears that flag.
func (l *Limiter) ReportSuccess(domain string) {
	ds := l.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.consecutiveErrors = 0
}

// SetStrict forces domain's strict flag, useful for tests and for manual
// operator overrides.
func (l *Limiter) SetStrict(domain string, strict bool) {
	ds := l.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.strict = strict
}

// Stats is a snapshot of one domain's rate-limiter state.
type Stats struct {
	Domain            string
	Strict            bool
	HaltedUntil       time.Time
	ConsecutiveErrors int
	AvailableTokens   float64
}

// GetStats returns a snapshot for domain, creating default state if the
// domain hasn't been seen yet.
func (l *Limiter) GetStats(domain string) Stats {
	ds := l.stateFor(domain)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	now := l.clock.Now()
	ds.bucket.refill(now)
	return Stats{
		Domain:            domain,
		Strict:            ds.strict,
		HaltedUntil:       ds.haltedUntil,
		ConsecutiveErrors: ds.consecutiveErrors,
		AvailableTokens:   ds.bucket.tokens,
	}
}
