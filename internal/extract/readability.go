package extract

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	readability "github.com/go-shiori/go-readability"

	"github.com/bryan-buckman/sniffle/internal/httpfetch"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/urlnorm"
)

// Fetcher is the part of httpfetch.Fetcher the extractors need.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts httpfetch.Options) (*httpfetch.Result, error)
}

// Readable is the outcome of readability extraction. HTML is unsanitized.
type Readable struct {
	HTML        string
	MainImage   string
	CORSBlocked bool
}

// Page is a fetched article page.
type Page struct {
	URL  string // final URL, after redirects
	Body []byte
	Doc  *goquery.Document
}

// Reader fetches article pages and extracts their readable content.
type Reader struct {
	fetcher Fetcher
	logger  *log.Logger
}

// NewReader creates a Reader.
func NewReader(fetcher Fetcher, logger *log.Logger) *Reader {
	return &Reader{
		fetcher: fetcher,
		logger:  logging.OrDefault(logger).With("component", "readability"),
	}
}

// FetchPage GETs pageURL directly (never through the proxy) and parses it.
// The bool reports whether the failure looked like a cross-origin block.
func (r *Reader) FetchPage(ctx context.Context, pageURL string) (*Page, bool, error) {
	res, err := r.fetcher.Fetch(ctx, pageURL, httpfetch.Options{
		Retries: 1,
		Accept:  httpfetch.HTMLAccept,
	})
	if err != nil {
		ne, _ := httpfetch.AsNetworkError(err)
		return nil, ne != nil && ne.Type == httpfetch.ErrCORS, err
	}
	if res.NetworkError != nil {
		return nil, false, res.NetworkError
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
	if err != nil {
		return nil, false, err
	}
	finalURL := res.URL
	if finalURL == "" {
		finalURL = pageURL
	}
	return &Page{URL: finalURL, Body: res.Body, Doc: doc}, false, nil
}

// Extract fetches pageURL and extracts it. Failures are logged and folded
// into an empty Readable.
func (r *Reader) Extract(ctx context.Context, pageURL string) Readable {
	page, cors, err := r.FetchPage(ctx, pageURL)
	if err != nil {
		r.logger.Debug("page fetch failed", "url", pageURL, "cors", cors, "err", err)
		return Readable{CORSBlocked: cors}
	}
	return r.FromPage(page)
}

// FromPage extracts an already fetched page.
func (r *Reader) FromPage(page *Page) Readable {
	out := Readable{MainImage: MainImage(page.URL, page.Doc)}

	base, err := url.Parse(page.URL)
	if err != nil {
		return out
	}
	article, err := readability.FromReader(bytes.NewReader(page.Body), base)
	if err != nil {
		r.logger.Debug("readability failed", "url", page.URL, "err", err)
		return out
	}
	out.HTML = strings.TrimSpace(article.Content)
	if out.MainImage == "" && article.Image != "" {
		out.MainImage = urlnorm.Resolve(page.URL, article.Image)
	}
	return out
}
