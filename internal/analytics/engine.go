package analytics

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/content"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/promotion"
)

// PublicationSource resolves publications, soft-deleted ones included.
type PublicationSource interface {
	Lookup(ctx context.Context, id string) (*models.Publication, error)
}

// CodeSource lists promotion codes for conversion joins.
type CodeSource interface {
	List(ctx context.Context, filter promotion.ListFilter) []*models.PromotionCode
}

// Engine ingests engagement events and answers analytics queries.
type Engine struct {
	config      *config.Config
	loc         *time.Location
	events      EventLog
	pubs        PublicationSource
	registry    content.Registry
	codes       CodeSource
	deadLetters *DeadLetterSink
	cache       *RollupCache

	// Idempotency keys of accepted events, valued by their bucket start.
	seen   sync.Map
	totals sync.Map // models.Target -> *targetTotals

	now func() time.Time
}

type targetTotals struct {
	views       atomic.Int64
	shares      atomic.Int64
	engagements atomic.Int64
}

// NewEngine creates an analytics engine over events.
func NewEngine(cfg *config.Config, events EventLog, pubs PublicationSource, registry content.Registry, deadLetters *DeadLetterSink) *Engine {
	e := &Engine{
		config:      cfg,
		loc:         cfg.Location(),
		events:      events,
		pubs:        pubs,
		registry:    registry,
		deadLetters: deadLetters,
		now:         time.Now,
	}
	e.cache = newRollupCache(cfg.RollupCacheTTL, e.Rollup)
	return e
}

// SetCodeSource wires the promotion ledger used for conversion joins.
func (e *Engine) SetCodeSource(codes CodeSource) {
	e.codes = codes
}

// Cache exposes the rollup cache for scheduled refreshes.
func (e *Engine) Cache() *RollupCache {
	return e.cache
}

// DeadLetters returns the engine's dead-letter sink.
func (e *Engine) DeadLetters() *DeadLetterSink {
	return e.deadLetters
}

// Totals returns the running view, share and engagement totals of a target.
// They are derived from accepted events only and never set directly.
func (e *Engine) Totals(target models.Target) (views, shares, engagements int64) {
	v, ok := e.totals.Load(target)
	if !ok {
		return 0, 0, 0
	}
	t := v.(*targetTotals)
	return t.views.Load(), t.shares.Load(), t.engagements.Load()
}

func (e *Engine) bumpTotals(ev *models.EngagementEvent) {
	v, _ := e.totals.LoadOrStore(ev.Target, &targetTotals{})
	t := v.(*targetTotals)
	switch ev.Kind {
	case models.EventView:
		t.views.Add(1)
	case models.EventShare:
		t.shares.Add(1)
		t.engagements.Add(1)
	default:
		t.engagements.Add(1)
	}
}

// thresholds returns a resolver of read completion thresholds that memoizes
// publication lookups for the life of one query.
func (e *Engine) thresholds(ctx context.Context) func(models.Target) float64 {
	memo := make(map[string]float64)
	return func(t models.Target) float64 {
		if t.Kind != models.TargetPublication || e.pubs == nil {
			return e.config.ReadCompletionThreshold
		}
		if v, ok := memo[t.ID]; ok {
			return v
		}
		v := e.config.ReadCompletionThreshold
		if pub, err := e.pubs.Lookup(ctx, t.ID); err == nil && pub.ReadCompletionThreshold > 0 {
			v = pub.ReadCompletionThreshold
		}
		memo[t.ID] = v
		return v
	}
}

// title returns a display name for a target, or its id.
func (e *Engine) title(ctx context.Context, t models.Target) string {
	switch t.Kind {
	case models.TargetPublication:
		if e.pubs != nil {
			if pub, err := e.pubs.Lookup(ctx, t.ID); err == nil && pub.Title != "" {
				return pub.Title
			}
		}
	case models.TargetContentItem:
		if e.registry != nil {
			if item, err := e.registry.Get(ctx, t.ID); err == nil && item.Title != "" {
				return item.Title
			}
		}
	}
	return t.ID
}

func dateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}

func normalizeEvent(ev *models.EngagementEvent, now time.Time) {
	ev.Kind = models.EventKind(strings.ToLower(strings.TrimSpace(string(ev.Kind))))
	ev.Target.Kind = models.TargetKind(strings.ToLower(strings.TrimSpace(string(ev.Target.Kind))))
	ev.Target.ID = strings.TrimSpace(ev.Target.ID)
	ev.SessionID = strings.TrimSpace(ev.SessionID)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
}
