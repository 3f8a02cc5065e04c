package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
)

// Counts are the headline metrics of a set of events.
type Counts struct {
	Views           int64   `json:"views"`
	Reads           int64   `json:"reads"`
	Shares          int64   `json:"shares"`
	Engagements     int64   `json:"engagements"`
	UniqueVisitors  int64   `json:"unique_visitors"`
	AvgReadDuration float64 `json:"avg_read_duration"`
	CompletionRate  float64 `json:"completion_rate"`
}

// Dimension is an event attribute results can be broken down by.
type Dimension string

const (
	DimensionCountry  Dimension = "country"
	DimensionCity     Dimension = "city"
	DimensionDevice   Dimension = "device"
	DimensionPlatform Dimension = "platform"
	DimensionBrowser  Dimension = "browser"
	DimensionReferrer Dimension = "referrer"
	DimensionCategory Dimension = "category"
	DimensionAuthor   Dimension = "author"
)

var dimensions = []Dimension{
	DimensionCountry, DimensionCity, DimensionDevice, DimensionPlatform,
	DimensionBrowser, DimensionReferrer, DimensionCategory, DimensionAuthor,
}

// ParseDimension validates a breakdown dimension name.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range dimensions {
		if d == known {
			return d, nil
		}
	}
	return "", apperr.Validation("dimension", "unknown dimension %q", s)
}

const unknownValue = "unknown"

func dimensionValue(e *models.EngagementEvent, d Dimension) string {
	var v string
	switch d {
	case DimensionCountry:
		v = e.Dimensions.Country
	case DimensionCity:
		v = e.Dimensions.City
	case DimensionDevice:
		v = e.Dimensions.DeviceType
	case DimensionPlatform:
		v = e.Dimensions.Platform
	case DimensionBrowser:
		v = e.Dimensions.Browser
	case DimensionReferrer:
		v = e.Dimensions.Referrer
	case DimensionCategory:
		v = e.Category
	case DimensionAuthor:
		v = e.Author
	}
	if v == "" {
		return unknownValue
	}
	return v
}

// accumulator folds events into Counts in a single pass.
type accumulator struct {
	counts   Counts
	visitors map[string]struct{}
}

func newAccumulator() *accumulator {
	return &accumulator{visitors: make(map[string]struct{})}
}

// add folds one event in. A read only counts once its completion reaches
// threshold; the average read duration is kept as a running mean.
func (a *accumulator) add(e *models.EngagementEvent, threshold float64) {
	switch e.Kind {
	case models.EventView:
		a.counts.Views++
	case models.EventRead:
		if e.Completion < threshold {
			break
		}
		a.counts.Reads++
		a.counts.AvgReadDuration += (e.DurationSeconds - a.counts.AvgReadDuration) / float64(a.counts.Reads)
	case models.EventShare:
		a.counts.Shares++
	case models.EventEngagement:
		a.counts.Engagements++
	}
	a.visitors[e.Visitor()] = struct{}{}
}

func (a *accumulator) result() Counts {
	c := a.counts
	c.UniqueVisitors = int64(len(a.visitors))
	views := c.Views
	if views < 1 {
		views = 1
	}
	c.CompletionRate = float64(c.Reads) / float64(views)
	return c
}

// Aggregate is the full derivation of a set of events: totals, per-hour
// counts and per-dimension counts.
type Aggregate struct {
	Totals     Counts                          `json:"totals"`
	Hourly     [24]Counts                      `json:"hourly"`
	Dimensions map[Dimension]map[string]Counts `json:"dimensions"`
}

// aggregate derives an Aggregate from events. thresholds resolves the read
// completion threshold for an event's target; hours are taken in loc.
func aggregate(events []models.EngagementEvent, thresholds func(models.Target) float64, loc *time.Location) *Aggregate {
	total := newAccumulator()
	var hourly [24]*accumulator
	byDim := make(map[Dimension]map[string]*accumulator, len(dimensions))
	for _, d := range dimensions {
		byDim[d] = make(map[string]*accumulator)
	}

	for i := range events {
		e := &events[i]
		threshold := thresholds(e.Target)

		total.add(e, threshold)

		h := e.OccurredAt.In(loc).Hour()
		if hourly[h] == nil {
			hourly[h] = newAccumulator()
		}
		hourly[h].add(e, threshold)

		for _, d := range dimensions {
			v := dimensionValue(e, d)
			acc, ok := byDim[d][v]
			if !ok {
				acc = newAccumulator()
				byDim[d][v] = acc
			}
			acc.add(e, threshold)
		}
	}

	out := &Aggregate{
		Totals:     total.result(),
		Dimensions: make(map[Dimension]map[string]Counts, len(dimensions)),
	}
	for h, acc := range hourly {
		if acc != nil {
			out.Hourly[h] = acc.result()
		}
	}
	for d, values := range byDim {
		out.Dimensions[d] = make(map[string]Counts, len(values))
		for v, acc := range values {
			out.Dimensions[d][v] = acc.result()
		}
	}
	return out
}

// BreakdownRow is one value of a dimension breakdown.
type BreakdownRow struct {
	Value  string  `json:"value"`
	Counts Counts  `json:"counts"`
	Share  float64 `json:"share"` // percentage of all views
}

// breakdownRows sorts a dimension's values by views, highest first.
func breakdownRows(values map[string]Counts, totalViews int64) []BreakdownRow {
	rows := make([]BreakdownRow, 0, len(values))
	for v, c := range values {
		share := 0.0
		if totalViews > 0 {
			share = float64(c.Views) / float64(totalViews) * 100
		}
		rows = append(rows, BreakdownRow{Value: v, Counts: c, Share: share})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Counts.Views != rows[j].Counts.Views {
			return rows[i].Counts.Views > rows[j].Counts.Views
		}
		return rows[i].Value < rows[j].Value
	})
	return rows
}
