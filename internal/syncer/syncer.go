// Package syncer keeps every subscribed feed fresh: it fetches, parses,
// deduplicates and enriches one feed at a time and logs the outcome of each.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bryan-buckman/sniffle/internal/database"
	"github.com/bryan-buckman/sniffle/internal/enrich"
	"github.com/bryan-buckman/sniffle/internal/httpfetch"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/model"
	"github.com/bryan-buckman/sniffle/internal/rss"
	"github.com/bryan-buckman/sniffle/internal/sanitize"
	"github.com/bryan-buckman/sniffle/internal/settings"
	"github.com/bryan-buckman/sniffle/internal/urlnorm"
)

// ErrSyncInProgress is returned when a run is requested while one is active.
var ErrSyncInProgress = errors.New("sync already in progress")

// Store is the storage the orchestrator writes to.
type Store interface {
	Feeds(ctx context.Context) ([]model.Feed, error)
	UpdateFeedTitle(ctx context.Context, feedID int64, title string) error
	UpdateFeedFetched(ctx context.Context, feedID int64, etag, lastModified string, at time.Time) error
	TouchFeed(ctx context.Context, feedID int64, at time.Time) error
	InsertArticle(ctx context.Context, a *model.Article) (bool, error)
	UpdateArticleEnrichment(ctx context.Context, articleID int64, e database.Enrichment) error
	AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error
}

// Fetcher fetches feed documents.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts httpfetch.Options) (*httpfetch.Result, error)
}

// Enricher enriches a newly inserted article from its source page.
type Enricher interface {
	Enrich(ctx context.Context, articleURL string) enrich.Result
}

// SettingsSource supplies the runtime settings.
type SettingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Config configures an Orchestrator. Store, Fetcher and Settings are
// required. A nil Enricher disables enrichment.
type Config struct {
	Store     Store
	Fetcher   Fetcher
	Settings  SettingsSource
	Enricher  Enricher
	Parser    *rss.Parser
	Sanitizer *sanitize.Sanitizer
	Retries   int
	Timeout   time.Duration
	Logger    *log.Logger
	Now       func() time.Time
}

// FeedResult is the outcome of one feed in a run.
type FeedResult struct {
	FeedID      int64            `json:"feed_id"`
	URL         string           `json:"url"`
	Status      model.SyncStatus `json:"status"`
	NewArticles int              `json:"new_articles"`
	Message     string           `json:"message,omitempty"`
}

// RunResult summarises a sync run.
type RunResult struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Feeds      []FeedResult `json:"feeds"`
}

// NewArticles is the total number of articles inserted by the run.
func (r *RunResult) NewArticles() int {
	n := 0
	for _, f := range r.Feeds {
		n += f.NewArticles
	}
	return n
}

// Orchestrator runs sync passes. At most one pass runs at a time.
type Orchestrator struct {
	store     Store
	fetcher   Fetcher
	settings  SettingsSource
	enricher  Enricher
	parser    *rss.Parser
	sanitizer *sanitize.Sanitizer
	retries   int
	timeout   time.Duration
	logger    *log.Logger
	now       func() time.Time

	running atomic.Bool
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:     cfg.Store,
		fetcher:   cfg.Fetcher,
		settings:  cfg.Settings,
		enricher:  cfg.Enricher,
		parser:    cfg.Parser,
		sanitizer: cfg.Sanitizer,
		retries:   cfg.Retries,
		timeout:   cfg.Timeout,
		logger:    logging.OrDefault(cfg.Logger).With("component", "syncer"),
		now:       cfg.Now,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.parser == nil {
		o.parser = &rss.Parser{Now: o.now}
	}
	if o.sanitizer == nil {
		o.sanitizer = sanitize.New()
	}
	return o
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// SyncAll syncs every feed in turn. A failing feed is logged and skipped.
// Cancelling ctx stops the run before the next feed starts; the partial
// result is returned together with ctx's error.
func (o *Orchestrator) SyncAll(ctx context.Context) (*RunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)

	run := &RunResult{ID: uuid.NewString(), StartedAt: o.now()}
	logger := o.logger.With("run", run.ID)

	st, err := o.settings.Get(ctx)
	if err != nil {
		logger.Warn("could not read settings, syncing without proxy", "err", err)
	}

	feeds, err := o.store.Feeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	logger.Info("sync started", "feeds", len(feeds))

	for i, feed := range feeds {
		if err := ctx.Err(); err != nil {
			logger.Info("sync cancelled", "done", i, "total", len(feeds))
			run.FinishedAt = o.now()
			return run, err
		}
		res := o.syncFeed(ctx, logger.With("feed", feed.ID), feed, st.ProxyURL)
		run.Feeds = append(run.Feeds, res)
	}

	run.FinishedAt = o.now()
	if err := ctx.Err(); err != nil {
		logger.Info("sync cancelled", "done", len(run.Feeds), "total", len(feeds))
		return run, err
	}
	logger.Info("sync finished", "feeds", len(run.Feeds), "new", run.NewArticles(), "took", run.FinishedAt.Sub(run.StartedAt))
	return run, nil
}

func (o *Orchestrator) syncFeed(ctx context.Context, logger *log.Logger, feed model.Feed, proxyURL string) FeedResult {
	out := FeedResult{FeedID: feed.ID, URL: feed.URL}

	res, err := o.fetcher.Fetch(ctx, feed.URL, httpfetch.Options{
		ETag:         feed.ETag,
		LastModified: feed.LastModified,
		ProxyURL:     proxyURL,
		Retries:      o.retries,
		Timeout:      o.timeout,
	})
	if err != nil {
		if !httpfetch.IsTerminal(err) {
			return o.fail(ctx, logger, out, fmt.Sprintf("fetch interrupted: %v", err))
		}
		return o.fail(ctx, logger, out, err.Error())
	}
	if res.NetworkError != nil {
		return o.fail(ctx, logger, out, res.NetworkError.Error())
	}

	if res.NotModified() {
		if err := o.store.TouchFeed(ctx, feed.ID, o.now()); err != nil {
			logger.Error("touch feed", "err", err)
		}
		out.Status = model.SyncNotModified
		o.appendLog(ctx, logger, feed.ID, out.Status, "")
		logger.Info("not modified", "url", feed.URL)
		return out
	}

	parsed := o.parser.Parse(res.Body)
	if parsed.Format == rss.FormatUnknown {
		return o.fail(ctx, logger, out, "response is not an RSS, Atom or RDF document")
	}

	// Feeds added by URL get the channel's title on first sync.
	if parsed.Title != "" && parsed.Title != feed.Title && feed.Title == feed.URL {
		if err := o.store.UpdateFeedTitle(ctx, feed.ID, parsed.Title); err != nil {
			logger.Error("update feed title", "err", err)
		} else {
			logger.Info("updated feed title", "url", feed.URL, "title", parsed.Title)
		}
	}

	// A failed insert leaves the validators alone so the next run fetches
	// the full document again.
	for _, item := range parsed.Items {
		inserted, err := o.ingest(ctx, logger, feed, item)
		if err != nil {
			logger.Error("insert article", "link", item.Link, "err", err)
			return o.fail(ctx, logger, out, fmt.Sprintf("store article %s: %v", item.Link, err))
		}
		if inserted {
			out.NewArticles++
		}
	}

	if err := o.store.UpdateFeedFetched(ctx, feed.ID, res.ETag, res.LastModified, o.now()); err != nil {
		logger.Error("update feed validators", "err", err)
	}

	out.Status = model.SyncOK
	out.Message = fmt.Sprintf("%d new of %d items", out.NewArticles, len(parsed.Items))
	if res.UsedProxy {
		out.Message += " (via proxy)"
	}
	o.appendLog(ctx, logger, feed.ID, out.Status, out.Message)
	logger.Info("synced", "url", feed.URL, "new", out.NewArticles, "items", len(parsed.Items), "proxy", res.UsedProxy)
	return out
}

// ingest inserts item unless (feed, link) is already stored and enriches
// it when it is new.
func (o *Orchestrator) ingest(ctx context.Context, logger *log.Logger, feed model.Feed, item rss.ParsedItem) (bool, error) {
	link := urlnorm.Resolve(feed.URL, item.Link)
	if link == "" {
		logger.Debug("skipping item without link", "title", item.Title)
		return false, nil
	}
	title := item.Title
	if title == "" {
		title = link
	}

	article := &model.Article{
		FeedID:       feed.ID,
		Title:        title,
		Link:         link,
		PublishedAt:  item.PublishedAt,
		MainImageURL: urlnorm.Resolve(link, item.Image),
		ContentHTML:  o.sanitizer.Sanitize(item.ContentHTML),
	}
	inserted, err := o.store.InsertArticle(ctx, article)
	if err != nil || !inserted {
		return false, err
	}
	logger.Debug("new article", "link", link)

	if o.enricher != nil {
		o.enrichArticle(ctx, logger, article)
	}
	return true, nil
}

func (o *Orchestrator) enrichArticle(ctx context.Context, logger *log.Logger, a *model.Article) {
	r := o.enricher.Enrich(ctx, a.Link)

	e := database.Enrichment{
		MainImageURL: a.MainImageURL,
		MainImageAlt: a.MainImageAlt,
		ContentHTML:  a.ContentHTML,
		EnrichedAt:   o.now(),
	}
	if e.MainImageURL == "" && r.MainImageURL != "" {
		e.MainImageURL = r.MainImageURL
		e.MainImageAlt = r.MainImageAlt
	}
	if strings.TrimSpace(r.ContentHTML) != "" {
		// Enricher output is already sanitized.
		e.ContentHTML = r.ContentHTML
	}
	if err := o.store.UpdateArticleEnrichment(ctx, a.ID, e); err != nil {
		logger.Warn("store enrichment", "article", a.ID, "err", err)
		return
	}
	a.MainImageURL, a.MainImageAlt, a.ContentHTML = e.MainImageURL, e.MainImageAlt, e.ContentHTML
	a.EnrichedAt = &e.EnrichedAt
}

func (o *Orchestrator) fail(ctx context.Context, logger *log.Logger, out FeedResult, msg string) FeedResult {
	out.Status = model.SyncError
	out.Message = msg
	o.appendLog(ctx, logger, out.FeedID, out.Status, msg)
	logger.Warn("sync failed", "url", out.URL, "err", msg)
	return out
}

// appendLog records the outcome even when ctx was cancelled mid-feed.
func (o *Orchestrator) appendLog(ctx context.Context, logger *log.Logger, feedID int64, status model.SyncStatus, msg string) {
	entry := &model.SyncLogEntry{FeedID: feedID, Status: status, RunAt: o.now(), Message: msg}
	if err := o.store.AppendSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("append sync log", "err", err)
	}
}
