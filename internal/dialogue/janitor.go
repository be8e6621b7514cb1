package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps idle sessions out of a store.
type Janitor struct {
	cron    *cron.Cron
	sweeper Sweeper
	logger  *slog.Logger
	now     func() time.Time
	onSweep func(removed int)
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// OnSweep registers a callback invoked after each successful sweep.
func OnSweep(fn func(removed int)) JanitorOption {
	return func(j *Janitor) { j.onSweep = fn }
}

// NewJanitor schedules sweeps of s every interval.
func NewJanitor(s Sweeper, interval time.Duration, logger *slog.Logger, opts ...JanitorOption) (*Janitor, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("janitor: interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		cron:    cron.New(),
		sweeper: s,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if _, err := j.cron.AddFunc("@every "+interval.String(), j.run); err != nil {
		return nil, fmt.Errorf("janitor: schedule: %w", err)
	}
	return j, nil
}

func (j *Janitor) run() {
	removed, err := j.sweeper.Sweep(context.Background(), j.now())
	if err != nil {
		j.logger.Error("session sweep failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("idle sessions evicted", "count", removed)
	}
	if j.onSweep != nil {
		j.onSweep(removed)
	}
}

// Start begins the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepNow runs one sweep synchronously.
func (j *Janitor) SweepNow() {
	j.run()
}
