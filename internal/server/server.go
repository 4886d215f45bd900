// Package server provides the HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gosimple/slug"

	"github.com/bryan-buckman/sniffle/internal/database"
	"github.com/bryan-buckman/sniffle/internal/feeds"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/settings"
	"github.com/bryan-buckman/sniffle/internal/syncer"
)

const (
	defaultArticleLimit = 100
	maxArticleLimit     = 1000
	defaultLogLimit     = 50
	maxOPMLSize         = 5 << 20
	refreshTimeout      = 5 * time.Minute
	defaultExportTitle  = "Sniffle Feeds"
)

// Refresher runs a sync pass.
type Refresher interface {
	SyncAll(ctx context.Context) (*syncer.RunResult, error)
}

// SettingsStore reads and writes runtime settings.
type SettingsStore interface {
	Get(ctx context.Context) (settings.Settings, error)
	Update(ctx context.Context, s settings.Settings) error
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Store      database.Store
	Feeds      *feeds.Manager
	Refresher  Refresher
	Settings   SettingsStore
	Discoverer feeds.Discoverer
	Logger     *log.Logger
}

// Server is the main HTTP server.
type Server struct {
	store      database.Store
	feeds      *feeds.Manager
	refresher  Refresher
	settings   SettingsStore
	discoverer feeds.Discoverer
	logger     *log.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a new server.
func New(d Deps) *Server {
	s := &Server{
		store:      d.Store,
		feeds:      d.Feeds,
		refresher:  d.Refresher,
		settings:   d.Settings,
		discoverer: d.Discoverer,
		logger:     logging.OrDefault(d.Logger).With("component", "server"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleSubscribe)
		r.Delete("/feeds/{feedID}", s.handleUnsubscribe)
		r.Get("/feeds/{feedID}/sync-log", s.handleSyncLog)

		r.Get("/articles", s.handleListArticles)
		r.Get("/articles/{articleID}", s.handleGetArticle)
		r.Post("/articles/{articleID}/read", s.handleMarkRead)
		r.Delete("/articles/{articleID}/read", s.handleMarkUnread)

		r.Post("/refresh", s.handleRefresh)
		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Get("/discover", s.handleDiscover)
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and blocks until the server stops. It returns nil
// after a Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// --- Feeds ---

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.store.Feeds(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	folders, err := s.store.Folders(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"folders": nonNil(folders),
		"feeds":   nonNil(feeds),
	})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Title  string `json:"title"`
		Folder string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return
	}
	sub, err := s.feeds.Subscribe(r.Context(), req.URL, req.Title, req.Folder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "feedID")
	if !ok {
		return
	}
	if err := s.feeds.Unsubscribe(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "feedID")
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", defaultLogLimit)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.FeedByID(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.store.SyncLog(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// --- Articles ---

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	f, err := articleFilter(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	articles, err := s.store.ListArticles(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(articles))
}

func articleFilter(r *http.Request) (database.ArticleFilter, error) {
	q := r.URL.Query()
	f := database.ArticleFilter{Keyword: q.Get("q")}

	for name, dst := range map[string]**int64{"feed": &f.FeedID, "folder": &f.FolderID} {
		if v := q.Get(name); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return f, fmt.Errorf("invalid %s", name)
			}
			*dst = &id
		}
	}
	for name, dst := range map[string]*bool{"unread": &f.UnreadOnly, "has_image": &f.HasImage} {
		if v := q.Get(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, fmt.Errorf("invalid %s", name)
			}
			*dst = b
		}
	}

	limit, err := intParam(r, "limit", defaultArticleLimit)
	if err != nil {
		return f, err
	}
	f.Limit = min(limit, maxArticleLimit)
	return f, nil
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	a, err := s.store.ArticleByID(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.setRead(w, r, s.feeds.MarkRead)
}

func (s *Server) handleMarkUnread(w http.ResponseWriter, r *http.Request) {
	s.setRead(w, r, s.feeds.MarkUnread)
}

func (s *Server) setRead(w http.ResponseWriter, r *http.Request, mark func(context.Context, int64) error) {
	id, ok := pathID(w, r, "articleID")
	if !ok {
		return
	}
	if err := mark(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Sync ---

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	run, err := s.refresher.SyncAll(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":          run,
		"new_articles": run.NewArticles(),
	})
}

// --- OPML ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLSize)

	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("opml")
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "no file provided")
			return
		}
		defer file.Close()
		src = file
	}

	res, err := s.feeds.ImportOPML(r.Context(), src)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("failed to parse OPML: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	title := strings.TrimSpace(r.URL.Query().Get("title"))
	if title == "" {
		title = defaultExportTitle
	}
	data, err := s.feeds.ExportOPML(r.Context(), title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.opml", slug.Make(title)))
	_, _ = w.Write(data)
}

// --- Settings ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.settings.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Fields missing from the body keep their current value.
	if err := json.NewDecoder(r.Body).Decode(&current); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.settings.Update(r.Context(), current); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetSettings(w, r)
}

// --- Discovery ---

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeMessage(w, http.StatusBadRequest, "url is required")
		return
	}
	proxyURL := ""
	if st, err := s.settings.Get(r.Context()); err == nil {
		proxyURL = st.ProxyURL
	}
	writeJSON(w, http.StatusOK, s.discoverer.Discover(r.Context(), target, proxyURL))
}

// --- Helpers ---

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without its message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrDuplicateFeed):
		writeMessage(w, http.StatusConflict, "already subscribed")
	case errors.Is(err, syncer.ErrSyncInProgress):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, feeds.ErrInvalidURL), errors.Is(err, settings.ErrInvalid):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeMessage(w, http.StatusGatewayTimeout, "timed out")
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
