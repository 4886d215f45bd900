package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/bryan-buckman/sniffle/internal/config"
	"github.com/bryan-buckman/sniffle/internal/database"
	"github.com/bryan-buckman/sniffle/internal/enrich"
	"github.com/bryan-buckman/sniffle/internal/extract"
	"github.com/bryan-buckman/sniffle/internal/feeds"
	"github.com/bryan-buckman/sniffle/internal/httpfetch"
	"github.com/bryan-buckman/sniffle/internal/logging"
	"github.com/bryan-buckman/sniffle/internal/rss"
	"github.com/bryan-buckman/sniffle/internal/settings"
	"github.com/bryan-buckman/sniffle/internal/syncer"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        config.Config
	logger     *log.Logger
	store      *database.SQLStore
	settings   *settings.Provider
	discoverer *rss.Discoverer
	syncer     *syncer.Orchestrator
	feeds      *feeds.Manager

	closeLog func() error
}

func newApp(ctx context.Context, cfg config.Config, client *http.Client) (*app, error) {
	a := &app{cfg: cfg}

	if cfg.LogFile != "" {
		l, closeLog, err := logging.OpenFile(cfg.LogFile, cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		a.logger, a.closeLog = l, closeLog
	} else {
		a.logger = logging.New(nil, cfg.LogLevel)
	}

	store, err := database.Open(ctx, cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}
	a.store = store

	a.settings = settings.NewProvider(store, settings.Settings{
		ProxyURL:         cfg.ProxyURL,
		SyncEveryMinutes: int(cfg.SyncInterval.Minutes()),
	})

	fetcher := httpfetch.New(httpfetch.Config{
		Client:       client,
		UserAgent:    cfg.UserAgent,
		HostInterval: cfg.HostInterval,
		Logger:       a.logger,
	})
	a.discoverer = rss.NewDiscoverer(fetcher, a.logger)

	var enricher syncer.Enricher
	if cfg.Enrich {
		rules, err := extract.LoadRules(cfg.RulesFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		enricher = enrich.New(rules, extract.NewReader(fetcher, a.logger), nil, a.logger)
	}

	a.syncer = syncer.New(syncer.Config{
		Store:    store,
		Fetcher:  fetcher,
		Settings: a.settings,
		Enricher: enricher,
		Retries:  cfg.FetchRetries,
		Timeout:  cfg.FetchTimeout,
		Logger:   a.logger,
	})
	a.feeds = feeds.NewManager(store, a.discoverer, a.settings, a.logger)

	a.logger.Debug("initialized", "db", store.DatabaseType(), "enrich", cfg.Enrich)
	return a, nil
}

// Close releases the database and log file.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing database", "err", err)
		}
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}
