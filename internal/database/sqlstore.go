package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/bryan-buckman/sniffle/internal/model"
)

// SQLStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for the driver in use.
type SQLStore struct {
	db   *sqlx.DB
	kind string
}

// Ensure SQLStore implements Store interface.
var _ Store = (*SQLStore)(nil)

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DatabaseType returns the database backend name.
func (s *SQLStore) DatabaseType() string {
	return s.kind
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// --- Folder Methods ---

// Folders returns all folders ordered by name.
func (s *SQLStore) Folders(ctx context.Context) ([]model.Folder, error) {
	var rows []dbFolder
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name FROM folders ORDER BY name`); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(f dbFolder, _ int) model.Folder {
		return model.Folder(f)
	}), nil
}

// GetOrCreateFolder finds a folder by name, or creates it.
func (s *SQLStore) GetOrCreateFolder(ctx context.Context, name string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, s.q(`INSERT INTO folders (name) VALUES (?) ON CONFLICT (name) DO NOTHING`), name); err != nil {
		return 0, fmt.Errorf("insert folder: %w", err)
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, s.q(`SELECT id FROM folders WHERE name = ?`), name); err != nil {
		return 0, fmt.Errorf("select folder: %w", err)
	}
	return id, nil
}

// --- Feed Methods ---

const feedColumns = `id, folder_id, title, url, etag, last_modified, last_fetched_at`

// Feeds returns all feeds in subscription order.
func (s *SQLStore) Feeds(ctx context.Context) ([]model.Feed, error) {
	var rows []dbFeed
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+feedColumns+` FROM feeds ORDER BY id`); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(f dbFeed, _ int) model.Feed { return f.toModel() }), nil
}

// FeedByID returns a single feed.
func (s *SQLStore) FeedByID(ctx context.Context, feedID int64) (*model.Feed, error) {
	var row dbFeed
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+feedColumns+` FROM feeds WHERE id = ?`), feedID)
	if err != nil {
		return nil, notFound(err)
	}
	return lo.ToPtr(row.toModel()), nil
}

// FeedByURL returns the feed with the given canonical URL.
func (s *SQLStore) FeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	var row dbFeed
	err := s.db.GetContext(ctx, &row, s.q(`SELECT `+feedColumns+` FROM feeds WHERE url = ?`), url)
	if err != nil {
		return nil, notFound(err)
	}
	return lo.ToPtr(row.toModel()), nil
}

// CreateFeed inserts a feed. Returns the ID.
func (s *SQLStore) CreateFeed(ctx context.Context, feed *model.Feed) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO feeds (folder_id, title, url, etag, last_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (url) DO NOTHING
		RETURNING id`),
		feed.FolderID, feed.Title, feed.URL, feed.ETag, feed.LastModified,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDuplicateFeed
	}
	if err != nil {
		return 0, fmt.Errorf("insert feed: %w", err)
	}
	feed.ID = id
	return id, nil
}

// DeleteFeed deletes a feed; articles, read state and sync log cascade.
func (s *SQLStore) DeleteFeed(ctx context.Context, feedID int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM feeds WHERE id = ?`), feedID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateFeedTitle sets a feed's display title.
func (s *SQLStore) UpdateFeedTitle(ctx context.Context, feedID int64, title string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE feeds SET title = ? WHERE id = ?`), title, feedID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateFeedFetched stores the validators of a successful fetch.
func (s *SQLStore) UpdateFeedFetched(ctx context.Context, feedID int64, etag, lastModified string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE feeds SET etag = ?, last_modified = ?, last_fetched_at = ? WHERE id = ?`),
		etag, lastModified, at.UTC(), feedID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchFeed only moves last_fetched_at.
func (s *SQLStore) TouchFeed(ctx context.Context, feedID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE feeds SET last_fetched_at = ? WHERE id = ?`), at.UTC(), feedID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Article Methods ---

const articleSelect = `
	SELECT a.id, a.feed_id, a.title, a.link, a.published_at,
	       a.main_image_url, a.main_image_alt, a.content_html, a.enriched_at,
	       COALESCE(rs.is_read, FALSE) AS is_read
	FROM articles a
	JOIN feeds f ON f.id = a.feed_id
	LEFT JOIN read_state rs ON rs.article_id = a.id`

// InsertArticle adds an article unless one with the same (feed, link)
// exists, in which case the stored row is left untouched.
func (s *SQLStore) InsertArticle(ctx context.Context, a *model.Article) (bool, error) {
	var enrichedAt *time.Time
	if a.EnrichedAt != nil {
		enrichedAt = lo.ToPtr(a.EnrichedAt.UTC())
	}
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO articles (feed_id, title, link, published_at, main_image_url, main_image_alt, content_html, enriched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_id, link) DO NOTHING
		RETURNING id`),
		a.FeedID, a.Title, a.Link, a.PublishedAt.UTC(), a.MainImageURL, a.MainImageAlt, a.ContentHTML, enrichedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}
	a.ID = id
	return true, nil
}

// ArticleByID returns a single article with its read state.
func (s *SQLStore) ArticleByID(ctx context.Context, articleID int64) (*model.Article, error) {
	var row dbArticle
	if err := s.db.GetContext(ctx, &row, s.q(articleSelect+` WHERE a.id = ?`), articleID); err != nil {
		return nil, notFound(err)
	}
	return lo.ToPtr(row.toModel()), nil
}

// ListArticles returns articles matching f, newest first.
func (s *SQLStore) ListArticles(ctx context.Context, f ArticleFilter) ([]model.Article, error) {
	var where []string
	var args []any
	if f.FeedID != nil {
		where = append(where, `a.feed_id = ?`)
		args = append(args, *f.FeedID)
	}
	if f.FolderID != nil {
		where = append(where, `f.folder_id = ?`)
		args = append(args, *f.FolderID)
	}
	if f.UnreadOnly {
		where = append(where, `COALESCE(rs.is_read, FALSE) = FALSE`)
	}
	if f.HasImage {
		where = append(where, `a.main_image_url <> ''`)
	}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		where = append(where, `LOWER(a.title) LIKE ?`)
		args = append(args, "%"+strings.ToLower(kw)+"%")
	}

	query := articleSelect
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY a.published_at DESC, a.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []dbArticle
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	return lo.Map(rows, func(a dbArticle, _ int) model.Article { return a.toModel() }), nil
}

// UpdateArticleEnrichment stores enrichment output.
func (s *SQLStore) UpdateArticleEnrichment(ctx context.Context, articleID int64, e Enrichment) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE articles
		SET main_image_url = ?, main_image_alt = ?, content_html = ?, enriched_at = ?
		WHERE id = ?`),
		e.MainImageURL, e.MainImageAlt, e.ContentHTML, e.EnrichedAt.UTC(), articleID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Read State ---

// SetRead marks an article read, or unread by removing its read state.
func (s *SQLStore) SetRead(ctx context.Context, articleID int64, read bool) error {
	var exists int
	if err := s.db.GetContext(ctx, &exists, s.q(`SELECT 1 FROM articles WHERE id = ?`), articleID); err != nil {
		return notFound(err)
	}
	if !read {
		_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM read_state WHERE article_id = ?`), articleID)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO read_state (article_id, is_read) VALUES (?, TRUE)
		ON CONFLICT (article_id) DO UPDATE SET is_read = excluded.is_read`), articleID)
	return err
}

// --- Sync Log ---

// AppendSyncLog appends e, never letting run_at go backwards for a feed.
func (s *SQLStore) AppendSyncLog(ctx context.Context, e *model.SyncLogEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	runAt := e.RunAt.UTC()
	var last time.Time
	err = tx.GetContext(ctx, &last, s.q(`SELECT run_at FROM sync_log WHERE feed_id = ? ORDER BY id DESC LIMIT 1`), e.FeedID)
	switch {
	case err == nil:
		if runAt.Before(last) {
			runAt = last.UTC()
		}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("read last sync log: %w", err)
	}

	var id int64
	err = tx.QueryRowxContext(ctx, s.q(`
		INSERT INTO sync_log (feed_id, status, run_at, message)
		VALUES (?, ?, ?, ?)
		RETURNING id`),
		e.FeedID, string(e.Status), runAt, e.Message,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.ID = id
	e.RunAt = runAt
	return nil
}

// SyncLog returns a feed's sync log in insertion order, limited to the
// most recent limit entries when limit > 0.
func (s *SQLStore) SyncLog(ctx context.Context, feedID int64, limit int) ([]model.SyncLogEntry, error) {
	query := `SELECT id, feed_id, status, run_at, message FROM sync_log WHERE feed_id = ? ORDER BY id DESC`
	args := []any{feedID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []dbSyncLog
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}
	entries := lo.Map(rows, func(r dbSyncLog, _ int) model.SyncLogEntry { return r.toModel() })
	return lo.Reverse(entries), nil
}

// --- Settings ---

// GetSetting returns a setting value and whether it is set.
func (s *SQLStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.q(`SELECT value FROM settings WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts a setting value.
func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`), key, value)
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
