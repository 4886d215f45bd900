package rss

import (
	"bytes"
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/sniffle/internal/httpfetch"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/urlnorm"
)

// FeedType says how a discovered feed was identified.
type FeedType string

const (
	TypeDirect FeedType = "direct" // taken as-is, never inspected
	TypeRSS    FeedType = "rss"
	TypeAtom   FeedType = "atom"
)

// DiscoveredFeed is one candidate feed for a user-supplied URL.
type DiscoveredFeed struct {
	URL   string   `json:"url"`
	Title string   `json:"title,omitempty"`
	Type  FeedType `json:"type"`
}

// Discovery is the result of Discover. Feeds always has at least one entry.
type Discovery struct {
	Feeds     []DiscoveredFeed `json:"feeds"`
	UsedProxy bool             `json:"used_proxy"`
}

// Getter is the part of httpfetch.Fetcher discovery needs.
type Getter interface {
	Fetch(ctx context.Context, rawURL string, opts httpfetch.Options) (*httpfetch.Result, error)
}

// Discoverer finds the feed behind a URL with a single fetch.
type Discoverer struct {
	fetcher Getter
	logger  *log.Logger
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(fetcher Getter, logger *log.Logger) *Discoverer {
	return &Discoverer{
		fetcher: fetcher,
		logger:  logging.OrDefault(logger).With("component", "discover"),
	}
}

var directExts = map[string]bool{".xml": true, ".rss": true, ".atom": true}

// Discover classifies rawURL. A path ending in .xml, .rss or .atom is taken
// directly. Otherwise the URL is fetched once and either recognised as a
// feed by its root element or scanned for <link rel="alternate"> feed links.
// When nothing is found the URL itself is returned as a direct candidate.
func (d *Discoverer) Discover(ctx context.Context, rawURL, proxyURL string) Discovery {
	direct := Discovery{Feeds: []DiscoveredFeed{{URL: rawURL, Type: TypeDirect}}}

	u, err := url.Parse(rawURL)
	if err != nil {
		return direct
	}
	if directExts[strings.ToLower(path.Ext(u.Path))] {
		return direct
	}

	res, err := d.fetcher.Fetch(ctx, rawURL, httpfetch.Options{
		ProxyURL: proxyURL,
		Retries:  1,
		Accept:   httpfetch.FeedAccept + ", text/html;q=0.7",
	})
	if err != nil {
		d.logger.Debug("discovery fetch failed", "url", rawURL, "err", err)
		return direct
	}
	if len(res.Body) == 0 {
		direct.UsedProxy = res.UsedProxy
		return direct
	}

	out := Discovery{UsedProxy: res.UsedProxy}
	if res.OK() {
		switch gofeed.DetectFeedType(bytes.NewReader(res.Body)) {
		case gofeed.FeedTypeRSS:
			out.Feeds = []DiscoveredFeed{{URL: rawURL, Title: Parse(res.Body).Title, Type: TypeRSS}}
			return out
		case gofeed.FeedTypeAtom:
			out.Feeds = []DiscoveredFeed{{URL: rawURL, Title: Parse(res.Body).Title, Type: TypeAtom}}
			return out
		}
	}

	// Error pages often still carry the site's <head>, so 4xx bodies are
	// scanned too.
	out.Feeds = alternateLinks(rawURL, res.Body)
	if len(out.Feeds) == 0 {
		direct.UsedProxy = res.UsedProxy
		return direct
	}
	return out
}

// alternateLinks returns the RSS and Atom <link rel="alternate"> targets of
// an HTML page, resolved against pageURL and de-duplicated.
func alternateLinks(pageURL string, body []byte) []DiscoveredFeed {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var feeds []DiscoveredFeed
	seen := make(map[string]bool)
	doc.Find("link[rel]").Each(func(_ int, s *goquery.Selection) {
		if !hasToken(s.AttrOr("rel", ""), "alternate") {
			return
		}
		var typ FeedType
		switch strings.ToLower(strings.TrimSpace(s.AttrOr("type", ""))) {
		case "application/rss+xml", "application/rdf+xml":
			typ = TypeRSS
		case "application/atom+xml":
			typ = TypeAtom
		default:
			return
		}
		href := urlnorm.Resolve(pageURL, strings.TrimSpace(s.AttrOr("href", "")))
		if href == "" || seen[href] {
			return
		}
		seen[href] = true
		feeds = append(feeds, DiscoveredFeed{
			URL:   href,
			Title: strings.TrimSpace(s.AttrOr("title", "")),
			Type:  typ,
		})
	})
	return feeds
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == token {
			return true
		}
	}
	return false
}
