package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"

	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BackfillResult summarises a backfill run.
type BackfillResult struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Targets int    `json:"targets"`
	Rollups int    `json:"rollups"`
}

// Backfill recomputes every rollup with events between from and to
// (inclusive YYYY-MM-DD dates), at most parallel at a time, and writes each
// one to rollups/{date}/{kind}/{id}.json when store is set. Recomputed rollups
// replace cached ones. The run stops at the first error or when ctx is done.
func (e *Engine) Backfill(ctx context.Context, from, to string, parallel int, store storage.StorageInterface) (*BackfillResult, error) {
	period, err := ParsePeriod("custom", from, to)
	if err != nil {
		return nil, err
	}
	w := period.Window(e.now(), e.loc)

	// Collect the (target, date) pairs that actually have events.
	pairs := make(map[models.Target]map[string]struct{})
	for _, ev := range e.events.Between(w.Start, w.End) {
		dates, ok := pairs[ev.Target]
		if !ok {
			dates = make(map[string]struct{})
			pairs[ev.Target] = dates
		}
		dates[dateKey(ev.OccurredAt, e.loc)] = struct{}{}
	}

	targets := make([]models.Target, 0, len(pairs))
	for t := range pairs {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Kind != targets[j].Kind {
			return targets[i].Kind < targets[j].Kind
		}
		return targets[i].ID < targets[j].ID
	})

	if parallel < 1 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	result := &BackfillResult{From: from, To: to, Targets: len(targets)}
	for _, target := range targets {
		for date := range pairs[target] {
			target, date := target, date
			result.Rollups++
			g.Go(func() error {
				r, err := e.cache.Recompute(gctx, target, date)
				if err != nil {
					return fmt.Errorf("failed to backfill %s/%s on %s: %w", target.Kind, target.ID, date, err)
				}
				if store == nil {
					return nil
				}
				data, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("failed to marshal rollup: %w", err)
				}
				return store.Store(gctx, path.Join("rollups", date, string(target.Kind), target.ID+".json"), data)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"from":    from,
		"to":      to,
		"targets": result.Targets,
		"rollups": result.Rollups,
	}).Info("Backfill completed")
	return result, nil
}
