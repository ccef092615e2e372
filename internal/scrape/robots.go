package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
)

const robotsBodyByteLimit = 512 * 1024

// robotsGate caches one robots.txt ruleset per host. A host whose
// robots.txt cannot be fetched or parsed is treated as allowing
// everything, matching common crawler practice.
type robotsGate struct {
	client    *http.Client
	userAgent string

	mu    sync.Mutex
	hosts map[string]*robotstxt.Group
}

func newRobotsGate(client *http.Client, userAgent string) *robotsGate {
	return &robotsGate{
		client:    client,
		userAgent: userAgent,
		hosts:     make(map[string]*robotstxt.Group),
	}
}

// Allowed reports whether the configured user agent may fetch rawURL.
func (g *robotsGate) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}

	group := g.groupFor(ctx, parsed.Scheme, parsed.Host)
	if group == nil {
		return true
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return group.Test(path)
}

func (g *robotsGate) groupFor(ctx context.Context, scheme, host string) *robotstxt.Group {
	key := scheme + "://" + host

	g.mu.Lock()
	group, cached := g.hosts[key]
	g.mu.Unlock()
	if cached {
		return group
	}

	group = g.fetchGroup(ctx, key)

	g.mu.Lock()
	g.hosts[key] = group
	g.mu.Unlock()
	return group
}

func (g *robotsGate) fetchGroup(ctx context.Context, root string) *robotstxt.Group {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsBodyByteLimit))
	if err != nil {
		return nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return data.FindGroup(g.userAgent)
}

// errDisallowed marks URLs the source's robots.txt forbids.
func errDisallowed(rawURL string) error {
	return fmt.Errorf("robots.txt disallows %s", strings.TrimSpace(rawURL))
}
