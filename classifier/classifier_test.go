package classifier

import (
	"strings"
	"testing"
)

func TestAnalyzeDetectsReactFingerprint(t *testing.T) {
	html := `<html><body><div id="root" data-reactroot=""></div></body></html>`
	a := Analyze(html)
	if a.Framework != "react" {
		t.Errorf("expected react framework detected, got %q", a.Framework)
	}
	if a.Type != Dynamic {
		t.Errorf("expected Dynamic classification, got %s (confidence %f)", a.Type, a.Confidence)
	}
}

func TestAnalyzeDetectsConventionalPage(t *testing.T) {
	paragraph := strings.Repeat("Lorem ipsum dolor sit amet, consectetur adipiscing elit. ", 12)
	html := `<html><head><meta name="generator" content="Hugo"></head><body><article>` +
		paragraph + `</article></body></html>`
	a := Analyze(html)
	if a.Type != Static {
		t.Errorf("expected Static classification, got %s (confidence %f)", a.Type, a.Confidence)
	}
	if a.BrowserRequired {
		t.Errorf("expected a static page to not require a browser")
	}
}

func TestAnalyzeUnknownRequiresBrowserOnlyWithFramework(t *testing.T) {
	paragraph := strings.Repeat("Neutral content with no strong signal either way here. ", 10)
	frameworkHTML := `<html><body><div ng-app>` + paragraph + `</div></body></html>`
	a := Analyze(frameworkHTML)
	if a.Type == Unknown && !a.BrowserRequired {
		t.Errorf("expected Unknown classification with a detected framework to require a browser")
	}
}

func TestQuickCheckFlagsEmptyShell(t *testing.T) {
	html := `<html><body><div id="root"></div></body></html>`
	if !QuickCheck(html) {
		t.Errorf("expected QuickCheck to flag an empty SPA shell")
	}
}

func TestQuickCheckPassesRichStaticPage(t *testing.T) {
	body := strings.Repeat("word ", 300)
	html := "<html><body><article>" + body + "</article></body></html>"
	if len(html) < 1000 {
		t.Fatalf("test fixture too short to exercise the byte-length threshold: %d", len(html))
	}
	if QuickCheck(html) {
		t.Errorf("expected QuickCheck to pass a text-rich static page")
	}
}

func TestVisibleTextLengthExcludesScriptsAndStyles(t *testing.T) {
	html := `<html><body><script>var x = "a very long string to pad length";</script>` +
		`<style>.a{color:red}</style><p>hi</p></body></html>`
	if got := visibleTextLength(html); got > 10 {
		t.Errorf("expected script/style content excluded from visible text, got length %d", got)
	}
}
