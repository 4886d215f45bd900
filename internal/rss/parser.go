// Package rss parses RSS 2.0, Atom and RSS 1.0 (RDF) documents into one
// normalized item shape, and discovers feeds behind arbitrary URLs.
package rss

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	gorss "github.com/mmcdole/gofeed/rss"
)

// Format is the document variant a feed was parsed as.
type Format string

const (
	FormatRSS     Format = "rss"
	FormatAtom    Format = "atom"
	FormatRDF     Format = "rdf"
	FormatUnknown Format = ""
)

// ParsedItem is a feed entry, independent of the format it came from.
type ParsedItem struct {
	Title       string
	Link        string
	PublishedAt time.Time
	Image       string // may be empty
	ContentHTML string // raw, unsanitized
}

// ParsedFeed is the result of Parse. Items is never nil.
type ParsedFeed struct {
	Title       string
	Description string
	Format      Format
	Items       []ParsedItem
}

var imgSrcRe = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)

// Parser turns feed bytes into a ParsedFeed.
type Parser struct {
	// Now supplies the publish time for items that carry none.
	Now func() time.Time
}

// NewParser creates a Parser using the wall clock.
func NewParser() *Parser {
	return &Parser{Now: time.Now}
}

// Parse dispatches on the document root. Malformed or unrecognized input
// yields a feed with no items, never an error.
func (p *Parser) Parse(data []byte) ParsedFeed {
	switch gofeed.DetectFeedType(bytes.NewReader(data)) {
	case gofeed.FeedTypeRSS:
		return p.parseRSS(data)
	case gofeed.FeedTypeAtom:
		return p.parseAtom(data)
	default:
		return ParsedFeed{Items: []ParsedItem{}}
	}
}

// Parse parses data with a default Parser.
func Parse(data []byte) ParsedFeed {
	return NewParser().Parse(data)
}

func (p *Parser) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// parseRSS handles both <rss> and <rdf:RDF> roots; gofeed's RSS parser
// collects RDF items that sit beside the channel.
func (p *Parser) parseRSS(data []byte) ParsedFeed {
	fp := gorss.Parser{}
	feed, err := fp.Parse(bytes.NewReader(data))
	if err != nil || feed == nil {
		return ParsedFeed{Items: []ParsedItem{}}
	}

	out := ParsedFeed{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Description),
		Format:      FormatRSS,
		Items:       make([]ParsedItem, 0, len(feed.Items)),
	}
	if feed.Version == "1.0" || feed.Version == "0.9" {
		out.Format = FormatRDF
	}

	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		content := item.Content
		if content == "" {
			content = item.Description
		}
		out.Items = append(out.Items, ParsedItem{
			Title:       strings.TrimSpace(item.Title),
			Link:        strings.TrimSpace(item.Link),
			PublishedAt: p.rssDate(item),
			Image:       rssImage(item),
			ContentHTML: content,
		})
	}
	return out
}

func (p *Parser) rssDate(item *gorss.Item) time.Time {
	if item.PubDateParsed != nil {
		return *item.PubDateParsed
	}
	if t, ok := parseDate(item.PubDate); ok {
		return t
	}
	if t, ok := parseDate(extValue(item.Extensions, "dc", "date")); ok {
		return t
	}
	return p.now()
}

func rssImage(item *gorss.Item) string {
	if enc := item.Enclosure; enc != nil && enc.URL != "" && strings.HasPrefix(strings.ToLower(enc.Type), "image/") {
		return enc.URL
	}
	if u := mediaImage(item.Extensions); u != "" {
		return u
	}
	return firstImg(item.Description, item.Content)
}

func (p *Parser) parseAtom(data []byte) ParsedFeed {
	fp := atom.Parser{}
	feed, err := fp.Parse(bytes.NewReader(data))
	if err != nil || feed == nil {
		return ParsedFeed{Items: []ParsedItem{}}
	}

	out := ParsedFeed{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Subtitle),
		Format:      FormatAtom,
		Items:       make([]ParsedItem, 0, len(feed.Entries)),
	}

	for _, entry := range feed.Entries {
		if entry == nil {
			continue
		}
		content := entry.Summary
		if entry.Content != nil && entry.Content.Value != "" {
			content = entry.Content.Value
		}
		out.Items = append(out.Items, ParsedItem{
			Title:       strings.TrimSpace(entry.Title),
			Link:        atomLink(entry.Links),
			PublishedAt: p.atomDate(entry),
			Image:       atomImage(entry),
			ContentHTML: content,
		})
	}
	return out
}

func (p *Parser) atomDate(entry *atom.Entry) time.Time {
	switch {
	case entry.UpdatedParsed != nil:
		return *entry.UpdatedParsed
	case entry.PublishedParsed != nil:
		return *entry.PublishedParsed
	}
	for _, s := range []string{entry.Updated, entry.Published} {
		if t, ok := parseDate(s); ok {
			return t
		}
	}
	return p.now()
}

// atomLink prefers rel="alternate" (or no rel), then any link with an href.
func atomLink(links []*atom.Link) string {
	fallback := ""
	for _, l := range links {
		if l == nil || l.Href == "" {
			continue
		}
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
		if fallback == "" && l.Rel != "self" && l.Rel != "enclosure" {
			fallback = strings.TrimSpace(l.Href)
		}
	}
	return fallback
}

func atomImage(entry *atom.Entry) string {
	for _, l := range entry.Links {
		if l != nil && l.Rel == "enclosure" && l.Href != "" && strings.HasPrefix(strings.ToLower(l.Type), "image/") {
			return l.Href
		}
	}
	if u := mediaImage(entry.Extensions); u != "" {
		return u
	}
	content := ""
	if entry.Content != nil {
		content = entry.Content.Value
	}
	return firstImg(content, entry.Summary)
}

// mediaImage reads media:content, media:group/media:content or
// media:thumbnail from the Media RSS extension.
func mediaImage(exts ext.Extensions) string {
	media, ok := exts["media"]
	if !ok {
		return ""
	}
	for _, c := range media["content"] {
		if u := c.Attrs["url"]; u != "" && isImageMedia(c) {
			return u
		}
	}
	for _, g := range media["group"] {
		for _, c := range g.Children["content"] {
			if u := c.Attrs["url"]; u != "" && isImageMedia(c) {
				return u
			}
		}
	}
	for _, t := range media["thumbnail"] {
		if u := t.Attrs["url"]; u != "" {
			return u
		}
	}
	return ""
}

func isImageMedia(e ext.Extension) bool {
	if m := e.Attrs["medium"]; m != "" {
		return m == "image"
	}
	if t := e.Attrs["type"]; t != "" {
		return strings.HasPrefix(strings.ToLower(t), "image/")
	}
	return true
}

func extValue(exts ext.Extensions, prefix, name string) string {
	for _, e := range exts[prefix][name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}

// firstImg returns the first <img src> found in the given HTML fragments.
func firstImg(fragments ...string) string {
	for _, f := range fragments {
		if m := imgSrcRe.FindStringSubmatch(f); m != nil {
			return m[1]
		}
	}
	return ""
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
