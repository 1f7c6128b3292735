// Package retention evicts idle tasks and rolls over expired billing
// cycles on a fixed interval.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL and DefaultInterval match the daemon defaults.
const (
	DefaultTTL      = 2 * time.Hour
	DefaultInterval = time.Minute
)

// TaskEvicter removes tasks idle since before cutoff.
type TaskEvicter interface {
	EvictBefore(cutoff time.Time) []string
}

// SubscriptionCloser drops every subscriber of a task.
type SubscriptionCloser interface {
	Close(taskID string) int
}

// CycleRoller resets ledgers whose billing cycle has ended.
type CycleRoller interface {
	RolloverExpired(ctx context.Context, now time.Time) (int, error)
}

// Config controls the sweeper.
type Config struct {
	TTL      time.Duration `yaml:"ttl"`
	Interval time.Duration `yaml:"interval"`
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger injects a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRoller enables billing-cycle rollover on every sweep.
func WithRoller(r CycleRoller) Option {
	return func(s *Sweeper) { s.roller = r }
}

// Sweeper periodically evicts tasks whose last update is older than the TTL,
// whatever their status.
type Sweeper struct {
	ttl      time.Duration
	interval time.Duration
	tasks    TaskEvicter
	subs     SubscriptionCloser
	roller   CycleRoller
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats holds sweeper counters.
type Stats struct {
	Sweeps      int64     `json:"sweeps"`
	Evicted     int64     `json:"evicted"`
	RolledOver  int64     `json:"rolled_over"`
	LastSweep   time.Time `json:"last_sweep"`
	LastEvicted int       `json:"last_evicted"`
}

// New creates a sweeper. subs may be nil when no event hub is in use.
func New(cfg Config, tasks TaskEvicter, subs SubscriptionCloser, opts ...Option) *Sweeper {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		ttl:      cfg.TTL,
		interval: cfg.Interval,
		tasks:    tasks,
		subs:     subs,
		now:      time.Now,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("retention sweeper started", "ttl", s.ttl, "interval", s.interval)
}

// Stop halts the loop and waits for an in-progress sweep.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.now())
		}
	}
}

// SweepOnce evicts every task last updated before now-TTL, closes its
// subscriptions and rolls over expired ledgers. It returns the number of
// evicted tasks.
func (s *Sweeper) SweepOnce(now time.Time) int {
	cutoff := now.Add(-s.ttl)
	ids := s.tasks.EvictBefore(cutoff)
	if s.subs != nil {
		for _, id := range ids {
			s.subs.Close(id)
		}
	}

	rolled := 0
	if s.roller != nil {
		n, err := s.roller.RolloverExpired(s.ctx, now)
		if err != nil {
			s.logger.Warn("ledger rollover failed", "error", err)
		}
		rolled = n
	}

	s.mu.Lock()
	s.stats.Sweeps++
	s.stats.Evicted += int64(len(ids))
	s.stats.RolledOver += int64(rolled)
	s.stats.LastSweep = now
	s.stats.LastEvicted = len(ids)
	s.mu.Unlock()

	if len(ids) > 0 || rolled > 0 {
		s.logger.Info("retention sweep", "evicted", len(ids), "rolled_over", rolled, "cutoff", cutoff)
	}
	return len(ids)
}

// Stats returns the sweeper's counters.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
