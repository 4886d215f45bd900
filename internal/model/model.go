// Package model defines shared data structures.
package model

import "time"

// Folder groups feeds under a display name.
type Folder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Feed represents an RSS/Atom/RDF feed subscription.
type Feed struct {
	ID            int64      `json:"id"`
	FolderID      *int64     `json:"folder_id,omitempty"` // nullable if not in a folder
	Title         string     `json:"title"`
	URL           string     `json:"url"` // canonical, see urlnorm.Normalize
	ETag          string     `json:"etag,omitempty"`
	LastModified  string     `json:"last_modified,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
}

// Article represents a single entry from a feed.
// (FeedID, Link) is the natural key used for dedup on ingest.
type Article struct {
	ID           int64      `json:"id"`
	FeedID       int64      `json:"feed_id"`
	Title        string     `json:"title"`
	Link         string     `json:"link"`
	PublishedAt  time.Time  `json:"published_at"`
	MainImageURL string     `json:"main_image_url,omitempty"`
	MainImageAlt string     `json:"main_image_alt,omitempty"`
	ContentHTML  string     `json:"content_html,omitempty"` // always sanitized before it is stored
	EnrichedAt   *time.Time `json:"enriched_at,omitempty"`
	Read         bool       `json:"read"`
}

// ReadState marks an article as read. Absence means unread.
type ReadState struct {
	ArticleID int64 `json:"article_id"`
	Read      bool  `json:"read"`
}

// SyncStatus is the outcome of one feed in one sync run.
type SyncStatus string

const (
	SyncOK          SyncStatus = "ok"
	SyncNotModified SyncStatus = "not-modified"
	SyncError       SyncStatus = "error"
)

// SyncLogEntry is an append-only audit row, one per feed per sync attempt.
type SyncLogEntry struct {
	ID      int64      `json:"id"`
	FeedID  int64      `json:"feed_id"`
	Status  SyncStatus `json:"status"`
	RunAt   time.Time  `json:"run_at"`
	Message string     `json:"message,omitempty"`
}

// Settings key constants.
const (
	SettingProxyURL     = "proxyUrl"
	SettingSyncInterval = "syncEveryMinutes"
)
