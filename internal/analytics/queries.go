package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/promotion"
)

// Overview summarizes a period against the period of equal length before it.
type Overview struct {
	Period     Period                       `json:"period"`
	Window     Window                       `json:"window"`
	Previous   Window                       `json:"previous"`
	Totals     Counts                       `json:"totals"`
	Trends     map[string]models.TrendDelta `json:"trends"`
	TopContent []PerformanceRow             `json:"top_content"`
}

// SeriesPoint is one day of a daily series
type SeriesPoint struct {
	Date   string `json:"date"`
	Counts Counts `json:"counts"`
}

// HourPoint is one hour of an hourly series
type HourPoint struct {
	Hour   int    `json:"hour"`
	Counts Counts `json:"counts"`
}

// PerformanceRow is the per-target line of a content performance report.
type PerformanceRow struct {
	Target          models.Target     `json:"target"`
	Title           string            `json:"title"`
	Counts          Counts            `json:"counts"`
	Trend           models.TrendDelta `json:"trend"`
	Clicks          int64             `json:"clicks"`
	Conversions     int64             `json:"conversions"`
	ConversionRate  float64           `json:"conversion_rate"`
	AttributedItems []string          `json:"attributed_items,omitempty"`
}

// RealtimeSnapshot covers the last few minutes of activity.
type RealtimeSnapshot struct {
	Since          time.Time        `json:"since"`
	Counts         Counts           `json:"counts"`
	ActiveVisitors int64            `json:"active_visitors"`
	TopTargets     []PerformanceRow `json:"top_targets"`
}

const topContentLimit = 5

// collect returns the events in w that pass f.
func (e *Engine) collect(w Window, f Filter) []models.EngagementEvent {
	var events []models.EngagementEvent
	if f.Article != "" {
		events = e.events.ForTarget(f.article(), w.Start, w.End)
	} else {
		events = e.events.Between(w.Start, w.End)
	}

	if f.IsZero() {
		return events
	}
	out := events[:0]
	for i := range events {
		if f.Matches(&events[i]) {
			out = append(out, events[i])
		}
	}
	return out
}

func (e *Engine) window(p Period) Window {
	return p.Window(e.now(), e.loc)
}

// Overview returns totals, trends and top content for a period.
func (e *Engine) Overview(ctx context.Context, p Period, f Filter) (*Overview, error) {
	w := e.window(p)
	prev := w.Previous()
	thresholds := e.thresholds(ctx)

	current := aggregate(e.collect(w, f), thresholds, e.loc)
	previous := aggregate(e.collect(prev, f), thresholds, e.loc)

	top, err := e.ContentPerformance(ctx, p, f, topContentLimit)
	if err != nil {
		return nil, err
	}

	return &Overview{
		Period:     p,
		Window:     w,
		Previous:   prev,
		Totals:     current.Totals,
		Trends:     compareCounts(current.Totals, previous.Totals),
		TopContent: top,
	}, nil
}

// DailySeries returns one point per day of the period, empty days included.
// Single-article queries are served from the rollup cache.
func (e *Engine) DailySeries(ctx context.Context, p Period, f Filter) ([]SeriesPoint, error) {
	w := e.window(p)
	days := w.Days()
	points := make([]SeriesPoint, len(days))

	if f.Article != "" && (f == Filter{Article: f.Article}) {
		for i, day := range days {
			r, err := e.cache.Get(ctx, f.article(), day)
			if err != nil {
				return nil, err
			}
			points[i] = SeriesPoint{Date: day, Counts: rollupCounts(&r.DailyRollup)}
		}
		return points, nil
	}

	byDay := make(map[string][]models.EngagementEvent, len(days))
	for _, ev := range e.collect(w, f) {
		k := dateKey(ev.OccurredAt, e.loc)
		byDay[k] = append(byDay[k], ev)
	}

	thresholds := e.thresholds(ctx)
	for i, day := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		points[i] = SeriesPoint{Date: day, Counts: aggregate(byDay[day], thresholds, e.loc).Totals}
	}
	return points, nil
}

func rollupCounts(r *models.DailyRollup) Counts {
	return Counts{
		Views:           r.Views,
		Reads:           r.Reads,
		Shares:          r.Shares,
		Engagements:     r.Engagements,
		UniqueVisitors:  r.UniqueVisitors,
		AvgReadDuration: r.AvgReadDuration,
		CompletionRate:  r.CompletionRate,
	}
}

// HourlySeries returns the 24 hours of date in the engine's time zone.
func (e *Engine) HourlySeries(ctx context.Context, date string, f Filter) ([]HourPoint, error) {
	w, err := dayWindow(date, e.loc)
	if err != nil {
		return nil, err
	}
	agg := aggregate(e.collect(w, f), e.thresholds(ctx), e.loc)

	points := make([]HourPoint, 24)
	for h := range points {
		points[h] = HourPoint{Hour: h, Counts: agg.Hourly[h]}
	}
	return points, nil
}

// Breakdown splits a period's activity by one dimension.
func (e *Engine) Breakdown(ctx context.Context, p Period, d Dimension, f Filter) ([]BreakdownRow, error) {
	if _, err := ParseDimension(string(d)); err != nil {
		return nil, err
	}
	agg := aggregate(e.collect(e.window(p), f), e.thresholds(ctx), e.loc)
	return breakdownRows(agg.Dimensions[d], agg.Totals.Views), nil
}

// ContentPerformance ranks targets by views over a period. limit <= 0 returns
// every target.
func (e *Engine) ContentPerformance(ctx context.Context, p Period, f Filter, limit int) ([]PerformanceRow, error) {
	w := e.window(p)
	thresholds := e.thresholds(ctx)

	current := groupByTarget(e.collect(w, f))
	previous := groupByTarget(e.collect(w.Previous(), f))

	rows := make([]PerformanceRow, 0, len(current))
	for target, events := range current {
		counts := aggregate(events, thresholds, e.loc).Totals
		prevViews := aggregate(previous[target], thresholds, e.loc).Totals.Views
		rows = append(rows, PerformanceRow{
			Target: target,
			Counts: counts,
			Trend:  Compare(float64(counts.Views), float64(prevViews)),
		})
	}
	sortRows(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.decorate(ctx, &rows[i])
	}
	return rows, nil
}

// decorate adds the title, the promotion conversion join and, for
// publications, the members attributed at publish time.
func (e *Engine) decorate(ctx context.Context, row *PerformanceRow) {
	row.Title = e.title(ctx, row.Target)

	if e.codes != nil {
		for _, c := range e.codes.List(ctx, promotion.ListFilter{TargetID: row.Target.ID}) {
			if c.Target.Kind != row.Target.Kind {
				continue
			}
			row.Clicks += c.ClickCount
			row.Conversions += c.ConversionCount
		}
		clicks := row.Clicks
		if clicks < 1 {
			clicks = 1
		}
		row.ConversionRate = float64(row.Conversions) / float64(clicks)
	}

	if row.Target.Kind == models.TargetPublication && e.pubs != nil {
		if pub, err := e.pubs.Lookup(ctx, row.Target.ID); err == nil {
			row.AttributedItems = append([]string(nil), pub.AttributionSnapshot...)
		}
	}
}

func groupByTarget(events []models.EngagementEvent) map[models.Target][]models.EngagementEvent {
	out := make(map[models.Target][]models.EngagementEvent)
	for _, ev := range events {
		out[ev.Target] = append(out[ev.Target], ev)
	}
	return out
}

func sortRows(rows []PerformanceRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Counts.Views != rows[j].Counts.Views {
			return rows[i].Counts.Views > rows[j].Counts.Views
		}
		return rows[i].Target.ID < rows[j].Target.ID
	})
}

// Realtime summarizes activity over the trailing window.
func (e *Engine) Realtime(ctx context.Context, window time.Duration) (*RealtimeSnapshot, error) {
	if window <= 0 {
		return nil, apperr.Validation("window", "window must be positive")
	}
	now := e.now()
	w := Window{Start: now.Add(-window), End: now.Add(maxClockSkew)}
	events := e.collect(w, Filter{})
	thresholds := e.thresholds(ctx)

	agg := aggregate(events, thresholds, e.loc)
	rows := make([]PerformanceRow, 0)
	for target, evs := range groupByTarget(events) {
		rows = append(rows, PerformanceRow{Target: target, Counts: aggregate(evs, thresholds, e.loc).Totals})
	}
	sortRows(rows)
	if len(rows) > topContentLimit {
		rows = rows[:topContentLimit]
	}
	for i := range rows {
		rows[i].Title = e.title(ctx, rows[i].Target)
	}

	return &RealtimeSnapshot{
		Since:          w.Start,
		Counts:         agg.Totals,
		ActiveVisitors: agg.Totals.UniqueVisitors,
		TopTargets:     rows,
	}, nil
}

// TargetComparison is one target's totals alongside its trend.
type TargetComparison struct {
	Target models.Target                `json:"target"`
	Title  string                       `json:"title"`
	Counts Counts                       `json:"counts"`
	Trends map[string]models.TrendDelta `json:"trends"`
}

// CompareTargets reports each target's period totals and trends, in the order
// requested.
func (e *Engine) CompareTargets(ctx context.Context, targets []models.Target, p Period) ([]TargetComparison, error) {
	if len(targets) < 2 {
		return nil, apperr.Validation("ids", "at least two targets are required")
	}
	w := e.window(p)
	thresholds := e.thresholds(ctx)

	out := make([]TargetComparison, 0, len(targets))
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prev := w.Previous()
		current := aggregate(e.events.ForTarget(target, w.Start, w.End), thresholds, e.loc).Totals
		previous := aggregate(e.events.ForTarget(target, prev.Start, prev.End), thresholds, e.loc).Totals

		out = append(out, TargetComparison{
			Target: target,
			Title:  e.title(ctx, target),
			Counts: current,
			Trends: compareCounts(current, previous),
		})
	}
	return out, nil
}

// PeriodComparison compares two arbitrary periods metric by metric.
type PeriodComparison struct {
	Current  Window                       `json:"current"`
	Previous Window                       `json:"previous"`
	Trends   map[string]models.TrendDelta `json:"trends"`
}

// ComparePeriods compares the totals of two periods under the same filter.
func (e *Engine) ComparePeriods(ctx context.Context, current, previous Period, f Filter) (*PeriodComparison, error) {
	cw := e.window(current)
	pw := e.window(previous)
	thresholds := e.thresholds(ctx)

	c := aggregate(e.collect(cw, f), thresholds, e.loc).Totals
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := aggregate(e.collect(pw, f), thresholds, e.loc).Totals

	return &PeriodComparison{Current: cw, Previous: pw, Trends: compareCounts(c, p)}, nil
}
