// Package classifier decides whether a fetched page needs a headless
// browser to render properly, by looking for SPA framework fingerprints,
// known dynamic-rendering markers, and how little visible text the static
// HTML actually carries. It ports site_detector.py's regex pattern tables
// and confidence-scoring heuristic, using goquery (as the rest of the
// pack's HTML-handling code does) for the text-extraction side.
package classifier

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// SiteType classifies how a page is most likely rendered.
type SiteType string

const (
	Static  SiteType = "static"
	Dynamic SiteType = "dynamic"
	Unknown SiteType = "unknown"
)

// minContentLength is the visible-text-length threshold used by the full
// Analyze pass; below it a page is treated as too thin to be server-rendered
// content.
const minContentLength = 500

// Analysis is the result of classifying one page.
type Analysis struct {
	Type            SiteType
	Confidence      float64
	Framework       string
	VisibleTextLen  int
	BrowserRequired bool
	Reasons         []string
}

// frameworkPatterns match markup fingerprints left by common SPA
// frameworks in the raw HTML.
var frameworkPatterns = map[string]*regexp.Regexp{
	"react":   regexp.MustCompile(`(?i)data-reactroot|react-dom`),
	"vue":     regexp.MustCompile(`(?i)data-v-[a-f0-9]{8}|__vue__|vue-router`),
	"angular": regexp.MustCompile(`(?i)ng-version|ng-app|\[ng-`),
	"next":    regexp.MustCompile(`(?i)__next\b|_next/static`),
	"nuxt":    regexp.MustCompile(`(?i)__nuxt__|_nuxt/`),
	"svelte":  regexp.MustCompile(`(?i)svelte-[a-z0-9]+`),
}

// dynamicPatterns are the six markup/script markers spec.md §4.7 names
// verbatim: an empty #app or #root mount point, and the four client-side
// hydration sentinels.
var dynamicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<div id=["']root["']>\s*</div>`),
	regexp.MustCompile(`(?i)<div id=["']app["']>\s*</div>`),
	regexp.MustCompile(`__NEXT_DATA__`),
	regexp.MustCompile(`__INITIAL_STATE__`),
	regexp.MustCompile(`hydrate\(`),
	regexp.MustCompile(`renderToString`),
}

// staticBlockPatterns match a "substantial" <article>/<main> block: the tag
// must wrap at least 500 characters of content, not just be present, so a
// bare empty <article> shell (common in SPA boilerplate) doesn't count.
var staticBlockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<article[^>]*>[\s\S]{500,}</article>`),
	regexp.MustCompile(`(?is)<main[^>]*>[\s\S]{500,}</main>`),
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Analyze scores how likely a page is to require a browser to render,
// starting from a neutral 0.5 confidence per spec.md §4.7:
//   - a matched framework fingerprint: +0.2
//   - each matched dynamic marker: +0.15
//   - visible text below minContentLength: +0.15, else -0.2
//   - a substantial static <article>/<main> block: -0.3
//
// clamped to [0,1], then classified: >0.6 Dynamic, <0.4 Static, otherwise
// Unknown (browser required iff any framework was detected).
func Analyze(html string) Analysis {
	confidence := 0.5
	var reasons []string
	framework := ""

	for name, pattern := range frameworkPatterns {
		if pattern.MatchString(html) {
			framework = name
			confidence += 0.2
			reasons = append(reasons, "framework fingerprint: "+name)
			break
		}
	}

	for _, pattern := range dynamicPatterns {
		if pattern.MatchString(html) {
			confidence += 0.15
			reasons = append(reasons, "dynamic marker: "+pattern.String())
		}
	}

	visibleLen := visibleTextLength(html)
	if visibleLen < minContentLength {
		confidence += 0.15
		reasons = append(reasons, "visible text below min_content_length")
	} else {
		confidence -= 0.2
	}

	for _, pattern := range staticBlockPatterns {
		if pattern.MatchString(html) {
			confidence -= 0.3
			reasons = append(reasons, "substantial static content block")
			break
		}
	}

	confidence = clamp01(confidence)

	var siteType SiteType
	var browserRequired bool
	switch {
	case confidence > 0.6:
		siteType = Dynamic
		browserRequired = true
	case confidence < 0.4:
		siteType = Static
		browserRequired = false
	default:
		siteType = Unknown
		browserRequired = framework != ""
	}

	return Analysis{
		Type:            siteType,
		Confidence:      confidence,
		Framework:       framework,
		VisibleTextLen:  visibleLen,
		BrowserRequired: browserRequired,
		Reasons:         reasons,
	}
}

// QuickCheck is a cheap pre-filter used before a full Analyze, with its own
// thresholds per spec.md §4.7: a browser is needed iff the body is
// implausibly small (<1000 bytes), any SPA sentinel string is present, or
// visible text is below 200 characters.
func QuickCheck(html string) bool {
	if len(html) < 1000 {
		return true
	}
	for _, pattern := range dynamicPatterns {
		if pattern.MatchString(html) {
			return true
		}
	}
	return visibleTextLength(html) < 200
}

// visibleTextLength extracts the rendered text content of the body (script
// and style contents excluded, as goquery's .Text() would otherwise
// include their raw source) and returns its length with whitespace
// collapsed.
func visibleTextLength(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	doc.Find("script,style,noscript").Remove()
	text := doc.Find("body").Text()
	return len(strings.Join(strings.Fields(text), " "))
}
