package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryan-buckman/sniffle/internal/database"
	"github.com/bryan-buckman/sniffle/internal/enrich"
	"github.com/bryan-buckman/sniffle/internal/extract"
	"github.com/bryan-buckman/sniffle/internal/httpfetch"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/model"
	"github.com/bryan-buckman/sniffle/internal/settings"
)

type staticSettings settings.Settings

func (s staticSettings) Get(context.Context) (settings.Settings, error) {
	return settings.Settings(s), nil
}

func newStore(t *testing.T) *database.SQLStore {
	t.Helper()
	s, err := database.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newFetcher(srv *httptest.Server) *httpfetch.Fetcher {
	return httpfetch.New(httpfetch.Config{
		Client: srv.Client(),
		Logger: logging.Discard(),
		Sleep:  func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		Jitter: func() time.Duration { return 0 },
	})
}

func newOrchestrator(store Store, fetcher Fetcher, enricher Enricher) *Orchestrator {
	return New(Config{
		Store:    store,
		Fetcher:  fetcher,
		Settings: staticSettings{SyncEveryMinutes: 30},
		Enricher: enricher,
		Retries:  2,
		Timeout:  5 * time.Second,
		Logger:   logging.Discard(),
	})
}

func addFeed(t *testing.T, s *database.SQLStore, url string) *model.Feed {
	t.Helper()
	f := &model.Feed{Title: url, URL: url}
	if _, err := s.CreateFeed(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	return f
}

func rssFeed(items ...string) string {
	return `<?xml version="1.0"?><rss version="2.0"><channel><title>Test Channel</title>` +
		strings.Join(items, "") + `</channel></rss>`
}

func rssItem(title, link, description string) string {
	return fmt.Sprintf(`<item><title>%s</title><link>%s</link><pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate><description><![CDATA[%s]]></description></item>`, title, link, description)
}

func TestSyncAllDeduplicates(t *testing.T) {
	body := rssFeed(
		rssItem("One", "https://example.com/1", "first"),
		rssItem("Two", "https://example.com/2", "second"),
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	store := newStore(t)
	feed := addFeed(t, store, srv.URL+"/feed")
	o := newOrchestrator(store, newFetcher(srv), nil)

	ctx := context.Background()
	first, err := o.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.NewArticles() != 2 {
		t.Errorf("first run new = %d, want 2", first.NewArticles())
	}
	second, err := o.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.NewArticles() != 0 {
		t.Errorf("second run new = %d, want 0", second.NewArticles())
	}

	articles, _ := store.ListArticles(ctx, database.ArticleFilter{FeedID: &feed.ID})
	if len(articles) != 2 {
		t.Fatalf("stored articles = %d, want 2", len(articles))
	}

	got, _ := store.FeedByID(ctx, feed.ID)
	if got.Title != "Test Channel" {
		t.Errorf("feed title = %q, want channel title", got.Title)
	}
	if got.ETag != `"v1"` || got.LastFetchedAt == nil {
		t.Errorf("validators not stored: %+v", got)
	}

	log, _ := store.SyncLog(ctx, feed.ID, 0)
	if len(log) != 2 || log[0].Status != model.SyncOK || log[1].Status != model.SyncOK {
		t.Errorf("sync log = %+v", log)
	}
}

func TestSyncAllNotModified(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(rssFeed(rssItem("One", "https://example.com/1", "x"))))
	}))
	defer srv.Close()

	store := newStore(t)
	feed := addFeed(t, store, srv.URL+"/feed")
	o := newOrchestrator(store, newFetcher(srv), nil)
	ctx := context.Background()

	o.SyncAll(ctx)
	before, _ := store.FeedByID(ctx, feed.ID)
	run, err := o.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Feeds[0].Status != model.SyncNotModified {
		t.Errorf("status = %s", run.Feeds[0].Status)
	}
	after, _ := store.FeedByID(ctx, feed.ID)
	if after.ETag != `"v1"` || after.LastFetchedAt.Before(*before.LastFetchedAt) {
		t.Errorf("feed after 304 = %+v", after)
	}
	log, _ := store.SyncLog(ctx, feed.ID, 0)
	if len(log) != 2 || log[1].Status != model.SyncNotModified {
		t.Errorf("sync log = %+v", log)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) })
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	mux.HandleFunc("/html", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html><body>nope</body></html>")) })
	mux.HandleFunc("/good", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFeed(rssItem("Good", "https://example.com/good", "ok"))))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newStore(t)
	var feeds []*model.Feed
	for _, p := range []string{"/broken", "/missing", "/html", "/good"} {
		feeds = append(feeds, addFeed(t, store, srv.URL+p))
	}

	ctx := context.Background()
	run, err := newOrchestrator(store, newFetcher(srv), nil).SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Feeds) != 4 {
		t.Fatalf("results = %d", len(run.Feeds))
	}
	want := []model.SyncStatus{model.SyncError, model.SyncError, model.SyncError, model.SyncOK}
	for i, f := range feeds {
		log, _ := store.SyncLog(ctx, f.ID, 0)
		if len(log) != 1 || log[0].Status != want[i] {
			t.Errorf("%s: log = %+v, want status %s", f.URL, log, want[i])
			continue
		}
		if want[i] == model.SyncError && log[0].Message == "" {
			t.Errorf("%s: error entry without message", f.URL)
		}
	}

	broken, _ := store.FeedByID(ctx, feeds[0].ID)
	if broken.LastFetchedAt != nil || broken.ETag != "" {
		t.Errorf("failed feed state should be untouched: %+v", broken)
	}
	good, _ := store.ListArticles(ctx, database.ArticleFilter{FeedID: &feeds[3].ID})
	if len(good) != 1 {
		t.Errorf("good feed articles = %d, want 1", len(good))
	}
}

func TestSyncAllRejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.Write([]byte(rssFeed()))
	}))
	defer srv.Close()

	store := newStore(t)
	addFeed(t, store, srv.URL+"/feed")
	o := newOrchestrator(store, newFetcher(srv), nil)

	errc := make(chan error, 1)
	go func() {
		_, err := o.SyncAll(context.Background())
		errc <- err
	}()
	<-started
	if !o.Running() {
		t.Error("Running should be true during a run")
	}
	if _, err := o.SyncAll(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Errorf("first run: %v", err)
	}
	if o.Running() {
		t.Error("Running should be false after the run")
	}
}

func TestSyncAllStopsBeforeNextFeedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secondCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/first", func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Write([]byte(rssFeed()))
	})
	mux.HandleFunc("/second", func(w http.ResponseWriter, r *http.Request) {
		secondCalls.Add(1)
		w.Write([]byte(rssFeed()))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := newStore(t)
	first := addFeed(t, store, srv.URL+"/first")
	addFeed(t, store, srv.URL+"/second")

	run, err := newOrchestrator(store, newFetcher(srv), nil).SyncAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(run.Feeds) != 1 || run.Feeds[0].FeedID != first.ID {
		t.Errorf("expected only the first feed to be processed, got %+v", run.Feeds)
	}
	if secondCalls.Load() != 0 {
		t.Error("second feed should not be fetched after cancellation")
	}
	log, _ := store.SyncLog(context.Background(), first.ID, 0)
	if len(log) != 1 {
		t.Errorf("in-flight feed should still be logged, got %d entries", len(log))
	}
}

// flakyStore fails every InsertArticle while broken is set.
type flakyStore struct {
	*database.SQLStore
	broken atomic.Bool
}

func (s *flakyStore) InsertArticle(ctx context.Context, a *model.Article) (bool, error) {
	if s.broken.Load() {
		return false, errors.New("database is locked")
	}
	return s.SQLStore.InsertArticle(ctx, a)
}

func TestSyncAllKeepsValidatorsWhenInsertFails(t *testing.T) {
	var conditional atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(rssFeed(rssItem("One", "https://example.com/1", "x"))))
	}))
	defer srv.Close()

	store := &flakyStore{SQLStore: newStore(t)}
	feed := addFeed(t, store.SQLStore, srv.URL+"/feed")
	o := newOrchestrator(store, newFetcher(srv), nil)
	ctx := context.Background()

	store.broken.Store(true)
	run, err := o.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Feeds[0].Status != model.SyncError || !strings.Contains(run.Feeds[0].Message, "database is locked") {
		t.Errorf("failed insert should fail the feed, got %+v", run.Feeds[0])
	}
	got, _ := store.FeedByID(ctx, feed.ID)
	if got.ETag != "" || got.LastFetchedAt != nil {
		t.Errorf("validators advanced after failed insert: %+v", got)
	}

	store.broken.Store(false)
	run, err = o.SyncAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if conditional.Load() != 0 {
		t.Error("recovery run should fetch without If-None-Match")
	}
	if run.NewArticles() != 1 {
		t.Errorf("recovery run new = %d, want 1", run.NewArticles())
	}

	log, _ := store.SyncLog(ctx, feed.ID, 0)
	if len(log) != 2 || log[0].Status != model.SyncError || log[1].Status != model.SyncOK {
		t.Errorf("sync log = %+v", log)
	}
}

func TestSyncAllCancelledMidFeedIsNotOK(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(rssFeed(rssItem("One", "https://example.com/1", "x"))))
	}))
	defer srv.Close()

	store := newStore(t)
	feed := addFeed(t, store, srv.URL+"/feed")
	if _, err := newOrchestrator(store, newFetcher(srv), nil).SyncAll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	bg := context.Background()
	got, _ := store.FeedByID(bg, feed.ID)
	if got.ETag != "" {
		t.Errorf("validators advanced for an interrupted feed: %+v", got)
	}
	log, _ := store.SyncLog(bg, feed.ID, 0)
	if len(log) != 1 || log[0].Status != model.SyncError {
		t.Errorf("sync log = %+v", log)
	}
}

type fetchFunc func(ctx context.Context, rawURL string, opts httpfetch.Options) (*httpfetch.Result, error)

func (f fetchFunc) Fetch(ctx context.Context, rawURL string, opts httpfetch.Options) (*httpfetch.Result, error) {
	return f(ctx, rawURL, opts)
}

func TestSyncFeedFetchErrorMessages(t *testing.T) {
	terminal := &httpfetch.FetchError{
		URL:      "https://example.com/feed",
		Attempts: 2,
		Last:     &httpfetch.NetworkError{Type: httpfetch.ErrServer, Status: 503, Message: "503 Service Unavailable", CanRetry: true},
	}
	tests := []struct {
		name        string
		err         error
		interrupted bool
	}{
		{"terminal", terminal, false},
		{"cancelled", context.Canceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			feed := addFeed(t, store, "https://example.com/feed")
			fetcher := fetchFunc(func(context.Context, string, httpfetch.Options) (*httpfetch.Result, error) {
				return nil, tt.err
			})
			run, err := newOrchestrator(store, fetcher, nil).SyncAll(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			res := run.Feeds[0]
			if res.Status != model.SyncError {
				t.Fatalf("status = %s", res.Status)
			}
			if got := strings.HasPrefix(res.Message, "fetch interrupted"); got != tt.interrupted {
				t.Errorf("message = %q, interrupted = %v", res.Message, got)
			}
			if !tt.interrupted && !strings.Contains(res.Message, "HTTP 503") {
				t.Errorf("terminal message should carry the last error, got %q", res.Message)
			}
			log, _ := store.SyncLog(context.Background(), feed.ID, 0)
			if len(log) != 1 || log[0].Message != res.Message {
				t.Errorf("sync log = %+v", log)
			}
		})
	}
}

func TestSyncSanitizesAndEnriches(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFeed(
			rssItem("Post", srv.URL+"/post", `<p onclick="evil()">snippet</p><script>evil()</script>`),
			rssItem("Dead", srv.URL+"/dead", `<p>kept</p>`),
		)))
	})
	mux.HandleFunc("/post", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><meta property="og:image" content="/hero.jpg"></head><body><article>
<p>The full article body is considerably longer than the snippet that came with the feed and should replace it.</p>
<p>It has a second paragraph too, so that the extraction logic is confident this is the main content of the page.</p>
<p>And a third one, with <a href="/elsewhere">a link</a> that must open in a new tab once it has been sanitized.</p>
</article></body></html>`))
	})
	mux.HandleFunc("/dead", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })

	store := newStore(t)
	feed := addFeed(t, store, srv.URL+"/feed")
	fetcher := newFetcher(srv)
	enricher := enrich.New(extract.DefaultRules(), extract.NewReader(fetcher, logging.Discard()), nil, logging.Discard())

	ctx := context.Background()
	if _, err := newOrchestrator(store, fetcher, enricher).SyncAll(ctx); err != nil {
		t.Fatal(err)
	}

	articles, _ := store.ListArticles(ctx, database.ArticleFilter{FeedID: &feed.ID})
	if len(articles) != 2 {
		t.Fatalf("articles = %d", len(articles))
	}
	byLink := map[string]model.Article{}
	for _, a := range articles {
		byLink[a.Link] = a
	}

	post := byLink[srv.URL+"/post"]
	if post.MainImageURL != srv.URL+"/hero.jpg" {
		t.Errorf("image = %q", post.MainImageURL)
	}
	if !strings.Contains(post.ContentHTML, "considerably longer") {
		t.Errorf("readable content not stored: %q", post.ContentHTML)
	}
	if !strings.Contains(post.ContentHTML, `target="_blank"`) || strings.Contains(post.ContentHTML, "evil") {
		t.Errorf("content not sanitized: %q", post.ContentHTML)
	}
	if post.EnrichedAt == nil {
		t.Error("enriched_at not recorded")
	}

	dead := byLink[srv.URL+"/dead"]
	if dead.ContentHTML != "<p>kept</p>" {
		t.Errorf("snippet should survive failed enrichment, got %q", dead.ContentHTML)
	}
}

func TestSyncSanitizesFeedSnippetWithoutEnrichment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssFeed(rssItem("X", "https://example.com/x", `<div onclick="x()">t</div><script>bad()</script>`))))
	}))
	defer srv.Close()

	store := newStore(t)
	feed := addFeed(t, store, srv.URL+"/feed")
	if _, err := newOrchestrator(store, newFetcher(srv), nil).SyncAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	articles, _ := store.ListArticles(context.Background(), database.ArticleFilter{FeedID: &feed.ID})
	if len(articles) != 1 {
		t.Fatalf("articles = %d", len(articles))
	}
	got := articles[0].ContentHTML
	if strings.Contains(got, "onclick") || strings.Contains(got, "bad()") || !strings.Contains(got, "t") {
		t.Errorf("content = %q", got)
	}
	if articles[0].EnrichedAt != nil {
		t.Error("enrichment disabled but enriched_at set")
	}
}
