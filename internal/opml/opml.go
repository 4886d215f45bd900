// Package opml handles importing and exporting OPML files.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/bryan-buckman/sniffle/internal/urlnorm"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one feed outline. Folder is the name of the closest
// enclosing folder outline, empty at the top level.
type FeedEntry struct {
	Folder string
	Title  string
	URL    string // normalized
}

// EntryError describes a feed outline that was rejected.
type EntryError struct {
	Message string
	Entry   FeedEntry
}

func (e EntryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Entry.URL, e.Message)
}

// Parse reads an OPML 1.0 or 2.0 document. Feed URLs are normalized and
// duplicates dropped, keeping the first. Outlines with unusable URLs are
// reported in the returned EntryErrors rather than failing the parse.
func Parse(r io.Reader) ([]FeedEntry, []EntryError, error) {
	var doc OPML
	dec := xml.NewDecoder(r)
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("decode opml: %w", err)
	}

	var entries []FeedEntry
	var errs []EntryError
	var walk func(outlines []Outline, folder string)
	walk = func(outlines []Outline, folder string) {
		for _, o := range outlines {
			if raw := strings.TrimSpace(o.XMLURL); raw != "" {
				// It's a feed.
				title := strings.TrimSpace(o.Title)
				if title == "" {
					title = strings.TrimSpace(o.Text)
				}
				entry := FeedEntry{Folder: folder, Title: title, URL: urlnorm.Normalize(raw)}
				if !validFeedURL(entry.URL) {
					errs = append(errs, EntryError{Message: "not an http(s) URL", Entry: entry})
					continue
				}
				entries = append(entries, entry)
			} else if len(o.Outlines) > 0 {
				// It's a folder.
				name := strings.TrimSpace(o.Text)
				if name == "" {
					name = strings.TrimSpace(o.Title)
				}
				if name == "" {
					name = folder
				}
				walk(o.Outlines, name)
			}
		}
	}
	walk(doc.Body.Outlines, "")

	entries = lo.UniqBy(entries, func(e FeedEntry) string { return e.URL })
	return entries, errs, nil
}

func validFeedURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Export generates an OPML 2.0 document. Entries without a folder become
// top-level outlines; the rest are grouped under one outline per folder,
// folders sorted by name.
func Export(title string, entries []FeedEntry, now time.Time) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: now.Format(time.RFC1123Z),
		},
	}

	feedOutline := func(e FeedEntry) Outline {
		text := e.Title
		if text == "" {
			text = e.URL
		}
		return Outline{Text: text, Title: text, Type: "rss", XMLURL: e.URL}
	}

	byFolder := lo.GroupBy(entries, func(e FeedEntry) string { return e.Folder })
	doc.Body.Outlines = lo.Map(byFolder[""], func(e FeedEntry, _ int) Outline { return feedOutline(e) })

	folders := lo.Filter(lo.Keys(byFolder), func(name string, _ int) bool { return name != "" })
	sort.Strings(folders)
	for _, name := range folders {
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:     name,
			Title:    name,
			Outlines: lo.Map(byFolder[name], func(e FeedEntry, _ int) Outline { return feedOutline(e) }),
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
