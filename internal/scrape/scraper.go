package scrape

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/config"
	"horse.fit/chronicle/internal/langdetect"
	"horse.fit/chronicle/internal/reader"
)

const (
	DefaultMaxPerSource   = 10
	DefaultRequestTimeout = 20 * time.Second
	defaultRateLimit      = 1 * time.Second

	// minBodyRunes is the threshold below which site-specific extraction is
	// considered to have failed and the readability fallback kicks in.
	minBodyRunes = 400
)

// Scraped is one extracted article before persistence.
type Scraped struct {
	SourceName  string
	SourceURL   string
	Title       string
	Text        string
	Byline      string
	Language    string
	PublishedAt *time.Time
}

// Fingerprint derives the content identity of a scraped article from its
// source and title, independent of URL variants.
func Fingerprint(sourceName, title string) string {
	key := strings.ToLower(strings.TrimSpace(sourceName)) + "::" + strings.ToLower(strings.TrimSpace(title))
	digest := sha256.Sum256([]byte(key))
	return hex.EncodeToString(digest[:])
}

type Scraper struct {
	client       *http.Client
	feedParser   *gofeed.Parser
	extractor    *reader.Extractor
	robots       *robotsGate
	userAgent    string
	maxPerSource int
	rateLimit    time.Duration
	logger       zerolog.Logger
}

type ScraperOptions struct {
	UserAgent      string
	MaxPerSource   int
	RequestTimeout time.Duration
	RateLimit      time.Duration
	HTTPClient     *http.Client
}

func NewScraper(cfg *config.Config, logger zerolog.Logger) *Scraper {
	return NewScraperWithOptions(ScraperOptions{
		UserAgent:    cfg.ScrapeUserAgent,
		MaxPerSource: cfg.ScrapeMaxPerSource,
	}, logger)
}

func NewScraperWithOptions(opts ScraperOptions, logger zerolog.Logger) *Scraper {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxPerSource := opts.MaxPerSource
	if maxPerSource <= 0 {
		maxPerSource = DefaultMaxPerSource
	}
	rateLimit := opts.RateLimit
	if rateLimit < 0 {
		rateLimit = 0
	} else if rateLimit == 0 {
		rateLimit = defaultRateLimit
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "chronicle/1.0 (+https://horse.fit/chronicle)"
	}

	feedParser := gofeed.NewParser()
	feedParser.UserAgent = userAgent

	return &Scraper{
		client:     client,
		feedParser: feedParser,
		extractor: reader.NewExtractor(reader.ExtractorOptions{
			Timeout:    timeout,
			UserAgent:  userAgent,
			HTTPClient: client,
		}),
		robots:       newRobotsGate(client, userAgent),
		userAgent:    userAgent,
		maxPerSource: maxPerSource,
		rateLimit:    rateLimit,
		logger:       logger.With().Str("component", "scraper").Logger(),
	}
}

// ListURLs discovers up to maxPerSource article URLs for a source, in
// discovery order with duplicates removed.
func (s *Scraper) ListURLs(ctx context.Context, source Source) ([]string, error) {
	switch source.Kind {
	case SourceKindFeed:
		return s.listFeedURLs(ctx, source)
	case SourceKindIndex:
		return s.listIndexURLs(ctx, source)
	default:
		return nil, fmt.Errorf("source %q has unknown kind %q", source.Name, source.Kind)
	}
}

func (s *Scraper) listFeedURLs(ctx context.Context, source Source) ([]string, error) {
	feed, err := s.feedParser.ParseURLWithContext(source.FeedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", source.FeedURL, err)
	}

	urls := make([]string, 0, len(feed.Items))
	seen := make(map[string]struct{}, len(feed.Items))
	for _, item := range feed.Items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		urls = append(urls, link)
		if len(urls) >= s.maxPerSource {
			break
		}
	}
	return urls, nil
}

func (s *Scraper) listIndexURLs(ctx context.Context, source Source) ([]string, error) {
	doc, _, err := s.fetchDocument(ctx, source.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", source.IndexURL, err)
	}
	base, err := url.Parse(source.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("parse index url: %w", err)
	}

	var urls []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
		href, _ := anchor.Attr("href")
		href = strings.TrimSpace(href)
		if !matchesPrefix(href, source.LinkPrefixes) {
			return true
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return true
		}
		full := resolved.String()
		if _, dup := seen[full]; dup {
			return true
		}
		seen[full] = struct{}{}
		urls = append(urls, full)
		return len(urls) < s.maxPerSource
	})
	return urls, nil
}

// FetchArticle downloads and extracts one article. Thin site markup falls
// back to readability extraction over the same page.
func (s *Scraper) FetchArticle(ctx context.Context, source Source, articleURL string) (*Scraped, error) {
	if !s.robots.Allowed(ctx, articleURL) {
		return nil, errDisallowed(articleURL)
	}

	doc, body, err := s.fetchDocument(ctx, articleURL)
	if err != nil {
		return nil, fmt.Errorf("fetch article %s: %w", articleURL, err)
	}

	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = articleURL
	}

	var paragraphs []string
	doc.Find("article p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	text := strings.Join(paragraphs, "\n")

	if len([]rune(text)) < minBodyRunes {
		if extracted, err := reader.ExtractFromHTML(body, articleURL); err == nil && len(extracted) > len(text) {
			text = extracted
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("article %s has no extractable body", articleURL)
	}

	var publishedAt *time.Time
	if datetime, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if parsed, err := dateparse.ParseAny(strings.TrimSpace(datetime)); err == nil {
			utc := parsed.UTC()
			publishedAt = &utc
		}
	}

	byline := strings.TrimSpace(doc.Find(`meta[name="author"]`).First().AttrOr("content", ""))

	return &Scraped{
		SourceName:  source.Name,
		SourceURL:   articleURL,
		Title:       title,
		Text:        text,
		Byline:      byline,
		Language:    langdetect.DetectOrDefault(title + "\n" + text),
		PublishedAt: publishedAt,
	}, nil
}

func (s *Scraper) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, reader.DefaultBodyByteLimit))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, body, nil
}

func matchesPrefix(href string, prefixes []string) bool {
	if href == "" {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(href, prefix) && href != prefix {
			return true
		}
	}
	return false
}
