// Package database provides storage backends for the feed reader.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/sniffle/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateFeed is returned when a feed with the same canonical URL exists.
	ErrDuplicateFeed = errors.New("feed already subscribed")
)

// ArticleFilter narrows ListArticles. Zero values mean "no constraint".
type ArticleFilter struct {
	FeedID     *int64
	FolderID   *int64
	UnreadOnly bool
	HasImage   bool
	Keyword    string // case-insensitive title substring
	Limit      int
}

// Enrichment is the result of enriching one article.
type Enrichment struct {
	MainImageURL string
	MainImageAlt string
	ContentHTML  string
	EnrichedAt   time.Time
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL backends satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Folder operations
	Folders(ctx context.Context) ([]model.Folder, error)
	GetOrCreateFolder(ctx context.Context, name string) (int64, error)

	// Feed operations
	Feeds(ctx context.Context) ([]model.Feed, error)
	FeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	FeedByURL(ctx context.Context, url string) (*model.Feed, error)
	// CreateFeed returns ErrDuplicateFeed if feed.URL is taken.
	CreateFeed(ctx context.Context, feed *model.Feed) (int64, error)
	// DeleteFeed removes the feed with its articles, read state and sync log.
	DeleteFeed(ctx context.Context, feedID int64) error
	UpdateFeedTitle(ctx context.Context, feedID int64, title string) error
	// UpdateFeedFetched stores new validators after a 2xx response.
	UpdateFeedFetched(ctx context.Context, feedID int64, etag, lastModified string, at time.Time) error
	// TouchFeed records a fetch that changed nothing (304).
	TouchFeed(ctx context.Context, feedID int64, at time.Time) error

	// Article operations
	// InsertArticle inserts a unless (FeedID, Link) already exists. It sets
	// a.ID and reports true only for a new row.
	InsertArticle(ctx context.Context, a *model.Article) (bool, error)
	ArticleByID(ctx context.Context, articleID int64) (*model.Article, error)
	ListArticles(ctx context.Context, f ArticleFilter) ([]model.Article, error)
	UpdateArticleEnrichment(ctx context.Context, articleID int64, e Enrichment) error

	// Read state
	SetRead(ctx context.Context, articleID int64, read bool) error

	// Sync log operations
	// AppendSyncLog inserts e, clamping RunAt so it never goes backwards
	// for the feed.
	AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error
	SyncLog(ctx context.Context, feedID int64, limit int) ([]model.SyncLogEntry, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Open opens the backend named by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite", "":
		return NewSQLite(ctx, dsn)
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}
