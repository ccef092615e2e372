package scrape

// SourceKind selects how article URLs are discovered for a source.
type SourceKind string

const (
	// SourceKindFeed lists articles from an RSS/Atom feed.
	SourceKindFeed SourceKind = "feed"
	// SourceKindIndex lists articles by scanning links on an index page.
	SourceKindIndex SourceKind = "index"
)

// Source describes one news site the scraper covers.
type Source struct {
	Name     string
	Kind     SourceKind
	IndexURL string
	FeedURL  string
	// LinkPrefixes filters index-page hrefs to article paths. Relative links
	// are resolved against the index URL.
	LinkPrefixes []string
}

// DefaultSources returns the built-in source set.
func DefaultSources() []Source {
	return []Source{
		{
			Name:         "Reuters",
			Kind:         SourceKindIndex,
			IndexURL:     "https://www.reuters.com/world/",
			LinkPrefixes: []string{"/world/", "/business/"},
		},
		{
			Name:    "Al Jazeera",
			Kind:    SourceKindFeed,
			FeedURL: "https://www.aljazeera.com/xml/rss/all.xml",
		},
	}
}
