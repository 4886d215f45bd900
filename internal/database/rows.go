package database

import (
	"database/sql"
	"time"

	"github.com/bryan-buckman/sniffle/internal/model"
)

// Row types map columns onto model structs.

type dbFolder struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

type dbFeed struct {
	ID            int64         `db:"id"`
	FolderID      sql.NullInt64 `db:"folder_id"`
	Title         string        `db:"title"`
	URL           string        `db:"url"`
	ETag          string        `db:"etag"`
	LastModified  string        `db:"last_modified"`
	LastFetchedAt sql.NullTime  `db:"last_fetched_at"`
}

func (f dbFeed) toModel() model.Feed {
	return model.Feed{
		ID:            f.ID,
		FolderID:      nullInt(f.FolderID),
		Title:         f.Title,
		URL:           f.URL,
		ETag:          f.ETag,
		LastModified:  f.LastModified,
		LastFetchedAt: nullTime(f.LastFetchedAt),
	}
}

type dbArticle struct {
	ID           int64        `db:"id"`
	FeedID       int64        `db:"feed_id"`
	Title        string       `db:"title"`
	Link         string       `db:"link"`
	PublishedAt  time.Time    `db:"published_at"`
	MainImageURL string       `db:"main_image_url"`
	MainImageAlt string       `db:"main_image_alt"`
	ContentHTML  string       `db:"content_html"`
	EnrichedAt   sql.NullTime `db:"enriched_at"`
	Read         bool         `db:"is_read"`
}

func (a dbArticle) toModel() model.Article {
	return model.Article{
		ID:           a.ID,
		FeedID:       a.FeedID,
		Title:        a.Title,
		Link:         a.Link,
		PublishedAt:  a.PublishedAt,
		MainImageURL: a.MainImageURL,
		MainImageAlt: a.MainImageAlt,
		ContentHTML:  a.ContentHTML,
		EnrichedAt:   nullTime(a.EnrichedAt),
		Read:         a.Read,
	}
}

type dbSyncLog struct {
	ID      int64     `db:"id"`
	FeedID  int64     `db:"feed_id"`
	Status  string    `db:"status"`
	RunAt   time.Time `db:"run_at"`
	Message string    `db:"message"`
}

func (r dbSyncLog) toModel() model.SyncLogEntry {
	return model.SyncLogEntry{
		ID:      r.ID,
		FeedID:  r.FeedID,
		Status:  model.SyncStatus(r.Status),
		RunAt:   r.RunAt,
		Message: r.Message,
	}
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}
