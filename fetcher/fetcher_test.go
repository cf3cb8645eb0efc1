package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arkcrawl/webcrawler/useragent"
)

func TestStaticFetchReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected a User-Agent header to be set")
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := NewStatic(5*time.Second, 2, 10*time.Millisecond, useragent.NewRotator(nil), nil, 0)
	result, err := s.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success() {
		t.Errorf("expected successful result, got %+v", result)
	}
	if string(result.Body) != "ok" {
		t.Errorf("expected body 'ok', got %q", result.Body)
	}
}

func TestStaticFetchRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	s := NewStatic(5*time.Second, 3, 5*time.Millisecond, useragent.NewRotator(nil), nil, 0)
	result, err := s.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts due to retry, got %d", attempts)
	}
	if string(result.Body) != "recovered" {
		t.Errorf("expected recovered body after retry, got %q", result.Body)
	}
}

func TestResultIsBlockedDetectsForbidden(t *testing.T) {
	r := Result{StatusCode: http.StatusForbidden}
	if !r.IsBlocked() {
		t.Errorf("expected 403 to be flagged as blocked")
	}
}

func TestResultIsBlockedDetectsCaptchaMarker(t *testing.T) {
	r := Result{StatusCode: http.StatusOK, Body: []byte("please solve this CAPTCHA to continue")}
	if !r.IsBlocked() {
		t.Errorf("expected captcha marker in body to be flagged as blocked")
	}
}

func TestResultSuccessRequiresBody(t *testing.T) {
	r := Result{StatusCode: http.StatusOK, Body: nil}
	if r.Success() {
		t.Errorf("expected empty body to not count as success")
	}
}

// fakeDynamic is a dynamicFetcher test double that always returns a
// successful result, standing in for a real chromedp browser so escalation
// behavior can be tested without one.
type fakeDynamic struct {
	result Result
	err    error
}

func (f *fakeDynamic) Fetch(ctx context.Context, target string) (Result, error) {
	return f.result, f.err
}

func TestDispatcherPreservesHaltSignalWhenEscalationSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	static := NewStatic(5*time.Second, 0, time.Millisecond, useragent.NewRotator(nil), nil, 0)
	dynamic := &fakeDynamic{result: Result{
		URL:         srv.URL,
		StatusCode:  http.StatusOK,
		Body:        []byte("<html><body><article>rendered content</article></body></html>"),
		UsedBrowser: true,
	}}

	d := &Dispatcher{Static: static, Dynamic: dynamic}
	result, err := d.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsBlocked() {
		t.Errorf("expected the final (dynamic) result to not itself look blocked")
	}
	if !result.EscalatedFromBlock {
		t.Errorf("expected EscalatedFromBlock to be set when the static attempt was 429'd")
	}
	if result.StaticStatusCode != http.StatusTooManyRequests {
		t.Errorf("expected StaticStatusCode 429, got %d", result.StaticStatusCode)
	}
}

func TestDynamicBlocksConfiguredDomains(t *testing.T) {
	d, err := NewDynamic(true, 5*time.Second, []string{"*.doubleclick.net", "ads.example.com"}, true)
	if err != nil {
		t.Fatalf("unexpected error building Dynamic: %v", err)
	}
	defer d.Close()

	if !d.shouldBlock("https://pagead2.doubleclick.net/track") {
		t.Errorf("expected doubleclick subdomain to be blocked")
	}
	if d.shouldBlock("https://example.com/content.js") {
		t.Errorf("expected main content domain to not be blocked")
	}
}
