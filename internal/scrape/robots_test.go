package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRobotsGateDisallow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gate := newRobotsGate(srv.Client(), "chronicle-test")
	if gate.Allowed(context.Background(), srv.URL+"/private/story") {
		t.Fatalf("disallowed path was allowed")
	}
	if !gate.Allowed(context.Background(), srv.URL+"/world/story") {
		t.Fatalf("allowed path was blocked")
	}
}

func TestRobotsGateMissingFileAllows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	gate := newRobotsGate(srv.Client(), "chronicle-test")
	if !gate.Allowed(context.Background(), srv.URL+"/anything") {
		t.Fatalf("missing robots.txt must allow fetching")
	}
}

func TestRobotsGateCachesPerHost(t *testing.T) {
	t.Parallel()

	var robotsHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits++
			_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gate := newRobotsGate(srv.Client(), "chronicle-test")
	for i := 0; i < 3; i++ {
		if !gate.Allowed(context.Background(), srv.URL+"/world/story") {
			t.Fatalf("allowed path was blocked")
		}
	}
	if robotsHits != 1 {
		t.Fatalf("robots.txt fetched %d times, want 1", robotsHits)
	}
}

func TestFetchArticleRespectsRobots(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		_, _ = w.Write([]byte("<html><body><h1>Blocked</h1></body></html>"))
	}))
	defer srv.Close()

	scraper := NewScraperWithOptions(ScraperOptions{
		HTTPClient: srv.Client(),
		RateLimit:  -1,
	}, zerolog.Nop())

	_, err := scraper.FetchArticle(context.Background(), Source{Name: "Test"}, srv.URL+"/world/story")
	if err == nil || !strings.Contains(err.Error(), "robots.txt disallows") {
		t.Fatalf("expected robots disallow error, got %v", err)
	}
}
