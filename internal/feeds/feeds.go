// Package feeds manages subscriptions: adding feeds through discovery,
// removing them, OPML import and export, and per-article read state.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/bryan-buckman/sniffle/internal/database"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/model"
	"github.com/bryan-buckman/sniffle/internal/opml"
	"github.com/bryan-buckman/sniffle/internal/rss"
	"github.com/bryan-buckman/sniffle/internal/settings"
	"github.com/bryan-buckman/sniffle/internal/urlnorm"
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("invalid feed URL")

// Discoverer finds the feed behind a URL.
type Discoverer interface {
	Discover(ctx context.Context, rawURL, proxyURL string) rss.Discovery
}

// SettingsSource supplies the proxy used during discovery.
type SettingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Manager implements subscription management on top of a Store.
type Manager struct {
	store      database.Store
	discoverer Discoverer
	settings   SettingsSource
	logger     *log.Logger
	now        func() time.Time
}

// NewManager creates a Manager.
func NewManager(store database.Store, discoverer Discoverer, settings SettingsSource, logger *log.Logger) *Manager {
	return &Manager{
		store:      store,
		discoverer: discoverer,
		settings:   settings,
		logger:     logging.OrDefault(logger).With("component", "feeds"),
		now:        time.Now,
	}
}

// Subscription is the result of Subscribe.
type Subscription struct {
	Feed      model.Feed   `json:"feed"`
	Type      rss.FeedType `json:"type"`
	UsedProxy bool         `json:"used_proxy"`
}

// Subscribe discovers the feed behind rawURL and stores it. An empty title
// falls back to the discovered title, then to the feed URL itself. A
// non-empty folder is created on demand.
func (m *Manager) Subscribe(ctx context.Context, rawURL, title, folder string) (*Subscription, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !isHTTPURL(rawURL) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	proxyURL := ""
	if st, err := m.settings.Get(ctx); err == nil {
		proxyURL = st.ProxyURL
	}

	found := m.discoverer.Discover(ctx, rawURL, proxyURL)
	candidate := rss.DiscoveredFeed{URL: rawURL, Type: rss.TypeDirect}
	if len(found.Feeds) > 0 {
		candidate = found.Feeds[0]
	}

	canonical := urlnorm.Normalize(candidate.URL)
	if !isHTTPURL(canonical) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, candidate.URL)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = candidate.Title
	}
	if title == "" {
		title = canonical
	}

	feed := model.Feed{Title: title, URL: canonical}
	if err := m.assignFolder(ctx, &feed, folder); err != nil {
		return nil, err
	}
	if _, err := m.store.CreateFeed(ctx, &feed); err != nil {
		return nil, err
	}
	m.logger.Info("subscribed", "url", feed.URL, "type", candidate.Type, "proxy", found.UsedProxy)
	return &Subscription{Feed: feed, Type: candidate.Type, UsedProxy: found.UsedProxy}, nil
}

// Unsubscribe deletes a feed and everything that belongs to it.
func (m *Manager) Unsubscribe(ctx context.Context, feedID int64) error {
	if err := m.store.DeleteFeed(ctx, feedID); err != nil {
		return err
	}
	m.logger.Info("unsubscribed", "feed", feedID)
	return nil
}

// ImportResult summarises an OPML import.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// ImportOPML subscribes to every feed in the document without discovery.
// Feeds already subscribed (by canonical URL) are skipped.
func (m *Manager) ImportOPML(ctx context.Context, r io.Reader) (*ImportResult, error) {
	entries, invalid, err := opml.Parse(r)
	if err != nil {
		return nil, err
	}
	res := &ImportResult{
		Errors: lo.Map(invalid, func(e opml.EntryError, _ int) string { return e.Error() }),
	}

	for _, e := range entries {
		title := e.Title
		if title == "" {
			title = e.URL
		}
		feed := model.Feed{Title: title, URL: e.URL}
		if err := m.assignFolder(ctx, &feed, e.Folder); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", e.URL, err))
			continue
		}
		_, err := m.store.CreateFeed(ctx, &feed)
		switch {
		case errors.Is(err, database.ErrDuplicateFeed):
			res.Skipped++
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", e.URL, err))
		default:
			res.Imported++
		}
	}
	m.logger.Info("opml imported", "imported", res.Imported, "skipped", res.Skipped, "errors", len(res.Errors))
	return res, nil
}

// ExportOPML renders every subscription as OPML grouped by folder.
func (m *Manager) ExportOPML(ctx context.Context, title string) ([]byte, error) {
	feeds, err := m.store.Feeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	folders, err := m.store.Folders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	names := lo.Associate(folders, func(f model.Folder) (int64, string) { return f.ID, f.Name })

	entries := lo.Map(feeds, func(f model.Feed, _ int) opml.FeedEntry {
		e := opml.FeedEntry{Title: f.Title, URL: f.URL}
		if f.FolderID != nil {
			e.Folder = names[*f.FolderID]
		}
		return e
	})
	return opml.Export(title, entries, m.now())
}

// MarkRead marks an article read.
func (m *Manager) MarkRead(ctx context.Context, articleID int64) error {
	return m.store.SetRead(ctx, articleID, true)
}

// MarkUnread clears an article's read state.
func (m *Manager) MarkUnread(ctx context.Context, articleID int64) error {
	return m.store.SetRead(ctx, articleID, false)
}

func (m *Manager) assignFolder(ctx context.Context, feed *model.Feed, folder string) error {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return nil
	}
	id, err := m.store.GetOrCreateFolder(ctx, folder)
	if err != nil {
		return fmt.Errorf("folder %q: %w", folder, err)
	}
	feed.FolderID = &id
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
