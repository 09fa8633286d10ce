package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/tasking"
)

// Sweeper releases stale locks.
type Sweeper interface {
	AutoUnlockStale(ctx context.Context, timeout time.Duration) (*tasking.SweepResult, error)
}

// Stats are cumulative sweep statistics.
type Stats struct {
	Runs      int       `json:"runs"`
	Unlocked  int       `json:"unlocked"`
	Failed    int       `json:"failed"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler calls the sweeper on a fixed interval.
type Scheduler struct {
	sweeper Sweeper
	config  *Config
	log     zerolog.Logger

	mu    sync.Mutex
	stats Stats

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler. A nil cfg uses DefaultConfig.
func New(sw Sweeper, cfg *Config, logger zerolog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		sweeper: sw,
		config:  cfg,
		log:     logger.With().Str("component", "scheduler").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the sweep loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.loop()
	sch.log.Info().Dur("interval", sch.config.Interval).Dur("timeout", sch.config.LockTimeout).Msg("scheduler started")
}

// Stop gracefully stops the scheduler, waiting for a running sweep.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.log.Info().Msg("scheduler stopped")
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.RunOnce(sch.ctx)
		}
	}
}

// RunOnce performs one sweep and folds its result into the statistics.
func (sch *Scheduler) RunOnce(ctx context.Context) (*tasking.SweepResult, error) {
	res, err := sch.sweeper.AutoUnlockStale(ctx, sch.config.LockTimeout)

	sch.mu.Lock()
	sch.stats.Runs++
	sch.stats.LastRun = time.Now()
	sch.stats.LastError = ""
	if res != nil {
		sch.stats.Unlocked += res.Unlocked
		sch.stats.Failed += res.Failed
	}
	if err != nil {
		sch.stats.LastError = err.Error()
	}
	sch.mu.Unlock()

	switch {
	case err != nil:
		sch.log.Error().Err(err).Msg("sweep failed")
	case res.Unlocked > 0 || res.Failed > 0:
		sch.log.Info().Str("sweep_id", res.RunID).Int("unlocked", res.Unlocked).Int("failed", res.Failed).Msg("sweep finished")
	}
	return res, err
}

// Stats returns a snapshot of the sweep statistics.
func (sch *Scheduler) Stats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.stats
}
