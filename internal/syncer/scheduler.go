package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bryan-buckman/sniffle/internal/logging"
)

// MinInterval is the shortest wait between scheduled runs.
const MinInterval = time.Minute

// DefaultInterval is used when settings cannot be read.
const DefaultInterval = 30 * time.Minute

// Clock abstracts time for the scheduler.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Runner is what the scheduler drives.
type Runner interface {
	SyncAll(ctx context.Context) (*RunResult, error)
}

// Scheduler runs a sync on start and then once per configured interval.
type Scheduler struct {
	runner   Runner
	settings SettingsSource
	clock    Clock
	logger   *log.Logger
	trigger  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. A nil clock uses the wall clock.
func NewScheduler(runner Runner, settings SettingsSource, clock Clock, logger *log.Logger) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scheduler{
		runner:   runner,
		settings: settings,
		clock:    clock,
		logger:   logging.OrDefault(logger).With("component", "scheduler"),
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins the loop. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels any in-flight run and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Trigger requests a run now. Triggers that arrive while one is already
// pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.runOnce(ctx)

		interval := s.interval(ctx)
		s.logger.Debug("next sync scheduled", "in", interval, "at", s.clock.Now().Add(interval).Format(time.RFC3339))
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		case <-s.trigger:
			s.logger.Info("manual sync triggered")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res, err := s.runner.SyncAll(ctx)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Info("skipping scheduled sync, another run is in progress")
	case errors.Is(err, context.Canceled):
		s.logger.Info("sync interrupted by shutdown")
	case err != nil:
		s.logger.Error("sync failed", "err", err)
	default:
		s.logger.Info("scheduled sync done", "run", res.ID, "new", res.NewArticles())
	}
}

// interval re-reads the settings so changes apply from the next wait.
func (s *Scheduler) interval(ctx context.Context) time.Duration {
	st, err := s.settings.Get(ctx)
	if err != nil {
		s.logger.Warn("could not read sync interval", "err", err)
		return DefaultInterval
	}
	return max(st.SyncInterval(), MinInterval)
}
