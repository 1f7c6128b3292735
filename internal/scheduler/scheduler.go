package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrStopped is returned when a job is enqueued after Stop.
	ErrStopped = errors.New("scheduler stopped")
	// ErrQueueFull is returned when MaxPending jobs are already waiting.
	ErrQueueFull = errors.New("dispatch queue full")
)

// Job is one unit of dispatch work.
type Job struct {
	TaskID string
	Intent string
	Run    func(ctx context.Context)
}

// Scheduler manages dispatch concurrency.
type Scheduler struct {
	config *Config
	logger *slog.Logger

	mu           sync.Mutex
	pending      []Job
	active       int
	intentCounts map[string]int
	dispatched   int64
	stopped      bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(cfg *Config, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config:       cfg,
		logger:       logger,
		intentCounts: make(map[string]int),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.loop()
	sch.logger.Info("scheduler started", "global_max", sch.config.GlobalMax)
}

// Stop cancels running jobs, drops pending ones and waits for workers.
func (sch *Scheduler) Stop() {
	sch.mu.Lock()
	sch.stopped = true
	dropped := len(sch.pending)
	sch.pending = nil
	sch.mu.Unlock()

	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped", "dropped", dropped)
}

// Enqueue queues a job. It runs as soon as the global and per-intent limits
// allow, in arrival order among jobs that fit.
func (sch *Scheduler) Enqueue(job Job) error {
	sch.mu.Lock()
	if sch.stopped {
		sch.mu.Unlock()
		return ErrStopped
	}
	if sch.config.MaxPending > 0 && len(sch.pending) >= sch.config.MaxPending {
		sch.mu.Unlock()
		return ErrQueueFull
	}
	sch.pending = append(sch.pending, job)
	sch.mu.Unlock()

	sch.notify()
	return nil
}

func (sch *Scheduler) notify() {
	select {
	case sch.wake <- struct{}{}:
	default:
	}
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-sch.wake:
		case <-ticker.C:
		}
		sch.dispatch()
	}
}

// dispatch starts every pending job that fits within the limits.
func (sch *Scheduler) dispatch() {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	kept := sch.pending[:0]
	for _, job := range sch.pending {
		if !sch.fits(job.Intent) {
			kept = append(kept, job)
			continue
		}
		sch.active++
		sch.intentCounts[job.Intent]++
		sch.dispatched++
		sch.wg.Add(1)
		go sch.run(job)
	}
	for i := len(kept); i < len(sch.pending); i++ {
		sch.pending[i] = Job{}
	}
	sch.pending = kept
}

func (sch *Scheduler) fits(intent string) bool {
	if sch.config.GlobalMax > 0 && sch.active >= sch.config.GlobalMax {
		return false
	}
	if limit := sch.config.IntentLimit(intent); limit > 0 && sch.intentCounts[intent] >= limit {
		return false
	}
	return true
}

func (sch *Scheduler) run(job Job) {
	defer sch.wg.Done()
	defer func() {
		sch.mu.Lock()
		sch.active--
		sch.intentCounts[job.Intent]--
		sch.mu.Unlock()
		sch.notify()
	}()
	defer func() {
		if p := recover(); p != nil {
			sch.logger.Error("dispatch job panicked", "task_id", job.TaskID, "panic", p)
		}
	}()

	sch.logger.Debug("dispatching", "task_id", job.TaskID, "intent", job.Intent)
	job.Run(sch.ctx)
}

// Stats holds scheduler counters.
type Stats struct {
	Active       int            `json:"active"`
	Pending      int            `json:"pending"`
	Dispatched   int64          `json:"dispatched"`
	GlobalMax    int            `json:"global_max"`
	IntentCounts map[string]int `json:"intent_counts"`
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	counts := make(map[string]int)
	for k, v := range sch.intentCounts {
		if v > 0 {
			counts[k] = v
		}
	}
	return Stats{
		Active:       sch.active,
		Pending:      len(sch.pending),
		Dispatched:   sch.dispatched,
		GlobalMax:    sch.config.GlobalMax,
		IntentCounts: counts,
	}
}
