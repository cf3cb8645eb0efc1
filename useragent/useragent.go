// Package useragent rotates browser fingerprints across fetches so a crawl
// doesn't present a single static User-Agent to every origin. Each profile
// carries a coherent set of headers (User-Agent, Accept-Language, and, for
// Chromium-family browsers, Client Hints) so the outgoing request looks like
// one real browser rather than a mix of mismatched header fragments.
package useragent

import (
	"math/rand"
	"net/http"
	"sync/atomic"
)

// Profile describes one browser fingerprint.
type Profile struct {
	Name           string
	UserAgent      string
	AcceptLanguage string
	Platform       string
	IsChromium     bool
	SecChUA        string
	SecChUAMobile  string
	SecChUAPlatform string
}

// Profiles is the curated set of fingerprints rotated across fetches,
// covering the major desktop and mobile browser/OS combinations.
var Profiles = []Profile{
	{
		Name:            "chrome-windows",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.9",
		Platform:        "Windows",
		IsChromium:      true,
		SecChUA:         `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
	},
	{
		Name:            "chrome-macos",
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.9",
		Platform:        "macOS",
		IsChromium:      true,
		SecChUA:         `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"macOS"`,
	},
	{
		Name:           "firefox-windows",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
		AcceptLanguage: "en-US,en;q=0.5",
		Platform:       "Windows",
		IsChromium:     false,
	},
	{
		Name:           "firefox-macos",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:125.0) Gecko/20100101 Firefox/125.0",
		AcceptLanguage: "en-US,en;q=0.5",
		Platform:       "macOS",
		IsChromium:     false,
	},
	{
		Name:            "edge-windows",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
		AcceptLanguage:  "en-US,en;q=0.9",
		Platform:        "Windows",
		IsChromium:      true,
		SecChUA:         `"Chromium";v="124", "Microsoft Edge";v="124", "Not-A.Brand";v="99"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
	},
	{
		Name:           "safari-macos",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       "macOS",
		IsChromium:     false,
	},
	{
		Name:            "chrome-android",
		UserAgent:       "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
		AcceptLanguage:  "en-US,en;q=0.9",
		Platform:        "Android",
		IsChromium:      true,
		SecChUA:         `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
		SecChUAMobile:   "?1",
		SecChUAPlatform: `"Android"`,
	},
	{
		Name:           "safari-iphone",
		UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
		AcceptLanguage: "en-US,en;q=0.9",
		Platform:       "iOS",
		IsChromium:     false,
	},
}

// Rotator hands out Profiles either randomly or round-robin.
type Rotator struct {
	profiles []Profile
	next     uint64
}

// NewRotator builds a Rotator over profiles. A nil/empty slice falls back
// to the built-in Profiles table.
func NewRotator(profiles []Profile) *Rotator {
	if len(profiles) == 0 {
		profiles = Profiles
	}
	return &Rotator{profiles: profiles}
}

// Random returns a uniformly random profile.
func (r *Rotator) Random() Profile {
	return r.profiles[rand.Intn(len(r.profiles))]
}

// Next returns the next profile in round-robin order, safe for concurrent
// callers.
func (r *Rotator) Next() Profile {
	i := atomic.AddUint64(&r.next, 1) - 1
	return r.profiles[int(i)%len(r.profiles)]
}

// Add appends a caller-supplied profile to the rotation, e.g. to mimic a
// fingerprint observed in the field.
func (r *Rotator) Add(p Profile) {
	r.profiles = append(r.profiles, p)
}

// Headers builds the coherent header set for p, applying it to req. Client
// Hints headers are only added for Chromium-family profiles, matching what
// real browsers actually send.
func (p Profile) Headers(req *http.Request) {
	req.Header.Set("User-Agent", p.UserAgent)
	req.Header.Set("Accept-Language", p.AcceptLanguage)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	if p.IsChromium {
		req.Header.Set("Sec-Ch-Ua", p.SecChUA)
		req.Header.Set("Sec-Ch-Ua-Mobile", p.SecChUAMobile)
		req.Header.Set("Sec-Ch-Ua-Platform", p.SecChUAPlatform)
	}
}
