// Package enrich fills in an article's image and readable body from its
// source page.
package enrich

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/bryan-buckman/sniffle/internal/extract"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/sanitize"
)

// Result is what enrichment found. Any field may be empty.
// ContentHTML is sanitized.
type Result struct {
	MainImageURL string
	MainImageAlt string
	ContentHTML  string
}

// Enricher combines domain rules, readability and sanitization.
type Enricher struct {
	rules     extract.Rules
	reader    *extract.Reader
	sanitizer *sanitize.Sanitizer
	logger    *log.Logger
}

// New creates an Enricher.
func New(rules extract.Rules, reader *extract.Reader, sanitizer *sanitize.Sanitizer, logger *log.Logger) *Enricher {
	if rules == nil {
		rules = extract.DefaultRules()
	}
	if sanitizer == nil {
		sanitizer = sanitize.New()
	}
	return &Enricher{
		rules:     rules,
		reader:    reader,
		sanitizer: sanitizer,
		logger:    logging.OrDefault(logger).With("component", "enrich"),
	}
}

// Enrich fetches articleURL once. A domain rule image, when found, is kept
// over anything readability finds. Failures are logged and whatever was
// found so far is returned; Enrich never fails.
func (e *Enricher) Enrich(ctx context.Context, articleURL string) Result {
	var out Result
	if articleURL == "" {
		return out
	}

	page, cors, err := e.reader.FetchPage(ctx, articleURL)
	if err != nil {
		e.logger.Warn("enrichment fetch failed", "url", articleURL, "cors", cors, "err", err)
		return out
	}

	if ex := e.rules.Extract(articleURL, page.Doc); ex != nil {
		if ex.ImageURL != "" {
			out.MainImageURL = ex.ImageURL
			out.MainImageAlt = ex.Caption
		} else {
			e.logger.Debug("domain rule found no image", "url", articleURL)
		}
	}

	readable := e.reader.FromPage(page)
	out.ContentHTML = e.sanitizer.Sanitize(readable.HTML)
	if out.MainImageURL == "" {
		out.MainImageURL = readable.MainImage
	}
	return out
}
