package analytics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// RollupDetail is a daily rollup with its hourly and dimensional breakdowns.
type RollupDetail struct {
	models.DailyRollup
	Hourly     [24]Counts                      `json:"hourly"`
	Dimensions map[Dimension]map[string]Counts `json:"dimensions"`
}

// Rollup recomputes the rollup of target for date (YYYY-MM-DD) by scanning
// the event log. Calling it repeatedly over the same events gives the same
// result.
func (e *Engine) Rollup(ctx context.Context, target models.Target, date string) (*RollupDetail, error) {
	w, err := dayWindow(date, e.loc)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	agg := aggregate(e.events.ForTarget(target, w.Start, w.End), e.thresholds(ctx), e.loc)
	return &RollupDetail{
		DailyRollup: models.DailyRollup{
			Date:            date,
			TargetKind:      target.Kind,
			TargetID:        target.ID,
			Views:           agg.Totals.Views,
			Reads:           agg.Totals.Reads,
			Shares:          agg.Totals.Shares,
			Engagements:     agg.Totals.Engagements,
			UniqueVisitors:  agg.Totals.UniqueVisitors,
			AvgReadDuration: agg.Totals.AvgReadDuration,
			CompletionRate:  agg.Totals.CompletionRate,
		},
		Hourly:     agg.Hourly,
		Dimensions: agg.Dimensions,
	}, nil
}

type rollupFunc func(ctx context.Context, target models.Target, date string) (*RollupDetail, error)

// rollupKey identifies one cached rollup.
type rollupKey struct {
	target models.Target
	date   string
}

func (k rollupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.target.Kind, k.target.ID, k.date)
}

// RollupCache keeps recently computed rollups for dashboards. Concurrent
// misses for the same key share one computation. Ingestion marks keys dirty
// and the scheduler recomputes them in batches.
type RollupCache struct {
	ttl     time.Duration
	compute rollupFunc
	group   singleflight.Group

	mu      sync.RWMutex
	entries map[rollupKey]cachedRollup
	dirty   map[rollupKey]struct{}
	now     func() time.Time
}

type cachedRollup struct {
	rollup     *RollupDetail
	computedAt time.Time
}

func newRollupCache(ttl time.Duration, compute rollupFunc) *RollupCache {
	return &RollupCache{
		ttl:     ttl,
		compute: compute,
		entries: make(map[rollupKey]cachedRollup),
		dirty:   make(map[rollupKey]struct{}),
		now:     time.Now,
	}
}

// Get returns a cached rollup when it is fresh and not dirty.
func (c *RollupCache) Get(ctx context.Context, target models.Target, date string) (*RollupDetail, error) {
	key := rollupKey{target: target, date: date}

	c.mu.RLock()
	entry, ok := c.entries[key]
	_, stale := c.dirty[key]
	c.mu.RUnlock()
	if ok && !stale && c.now().Sub(entry.computedAt) < c.ttl {
		return entry.rollup, nil
	}
	return c.Recompute(ctx, target, date)
}

// Recompute computes a rollup regardless of what is cached and stores the
// result. Concurrent calls for the same key share one computation.
func (c *RollupCache) Recompute(ctx context.Context, target models.Target, date string) (*RollupDetail, error) {
	key := rollupKey{target: target, date: date}
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		return c.refresh(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RollupDetail), nil
}

func (c *RollupCache) refresh(ctx context.Context, key rollupKey) (*RollupDetail, error) {
	// Clear the mark first so events arriving mid-computation dirty it again.
	c.mu.Lock()
	delete(c.dirty, key)
	c.mu.Unlock()

	r, err := c.compute(ctx, key.target, key.date)
	if err != nil {
		c.MarkDirty(key.target, key.date)
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cachedRollup{rollup: r, computedAt: c.now()}
	c.mu.Unlock()
	return r, nil
}

// MarkDirty flags a cached rollup for recomputation.
func (c *RollupCache) MarkDirty(target models.Target, date string) {
	c.mu.Lock()
	c.dirty[rollupKey{target: target, date: date}] = struct{}{}
	c.mu.Unlock()
}

// IsDirty reports whether a rollup is waiting for recomputation.
func (c *RollupCache) IsDirty(target models.Target, date string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.dirty[rollupKey{target: target, date: date}]
	return ok
}

// RefreshDirty recomputes every dirty rollup, at most parallel at a time,
// and returns how many were refreshed.
func (c *RollupCache) RefreshDirty(ctx context.Context, parallel int) (int, error) {
	c.mu.RLock()
	keys := make([]rollupKey, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	if parallel < 1 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, key := range keys {
		key := key
		g.Go(func() error {
			if _, err := c.Recompute(gctx, key.target, key.date); err != nil {
				return fmt.Errorf("failed to refresh rollup %s: %w", key, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	logrus.Debugf("Refreshed %d rollups", len(keys))
	return len(keys), nil
}

// Evict drops cached rollups for dates before cutoff.
func (c *RollupCache) Evict(cutoff string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if key.date < cutoff {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached rollups
func (c *RollupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
