// Package janitor runs scheduled background maintenance: evicting expired
// group metadata and pruning old broadcast history.
package janitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	logx "wacast/pkg/logx"
)

const (
	DefaultSchedule  = "@every 10m"
	DefaultRetention = 30 * 24 * time.Hour

	sweepTimeout = 30 * time.Second
)

// Store is the slice of persistence the janitor needs.
type Store interface {
	PruneBroadcasts(ctx context.Context, olderThan time.Time) (int64, error)
}

// Groups drops expired cache entries and reports how many went.
type Groups interface {
	Evict(now time.Time) int
}

type Config struct {
	Enabled   bool
	Schedule  string        // cron spec, seconds field optional
	Retention time.Duration // broadcast rows older than this are pruned
}

type Janitor struct {
	cfg    Config
	db     Store
	groups Groups
	log    logx.Logger

	c *cron.Cron
}

func New(cfg Config, db Store, groups Groups, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Janitor{cfg: cfg, db: db, groups: groups, log: log}
}

// Start registers the sweep and starts the cron runner. Disabled config is
// a no-op.
func (j *Janitor) Start() error {
	if !j.cfg.Enabled {
		j.log.Info("janitor disabled")
		return nil
	}

	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(j.cfg.Schedule, j.sweep); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.cfg.Schedule, err)
	}
	c.Start()
	j.c = c

	j.log.Info("janitor started",
		logx.String("schedule", j.cfg.Schedule),
		logx.Duration("retention", j.cfg.Retention))
	return nil
}

// Stop halts the cron runner and waits for an in-flight sweep, bounded by
// ctx.
func (j *Janitor) Stop(ctx context.Context) {
	if j.c == nil {
		return
	}
	select {
	case <-j.c.Stop().Done():
	case <-ctx.Done():
		j.log.Warn("janitor stop timed out waiting for sweep")
	}
}

func (j *Janitor) sweep() {
	defer func() {
		if rec := recover(); rec != nil {
			j.log.Error("panic in janitor sweep",
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())))
		}
	}()

	start := time.Now()
	evicted := j.groups.Evict(start)

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	pruned, err := j.db.PruneBroadcasts(ctx, start.Add(-j.cfg.Retention))
	if err != nil {
		j.log.Error("broadcast prune failed", logx.Err(err))
	}

	j.log.Info("sweep finished",
		logx.Int("groups_evicted", evicted),
		logx.Int64("broadcasts_pruned", pruned),
		logx.Duration("took", time.Since(start)))
}
