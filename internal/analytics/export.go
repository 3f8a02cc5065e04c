package analytics

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/export"
)

// ExportKind selects which analytics table is exported
type ExportKind string

const (
	ExportDaily   ExportKind = "daily"
	ExportContent ExportKind = "content"
)

// ParseExportKind defaults to the daily series.
func ParseExportKind(s string) (ExportKind, error) {
	switch ExportKind(s) {
	case "", ExportDaily:
		return ExportDaily, nil
	case ExportContent:
		return ExportContent, nil
	default:
		return "", apperr.Validation("kind", "unknown export kind %q", s)
	}
}

var countHeaders = []string{
	"views", "reads", "shares", "engagements", "unique_visitors", "avg_read_duration", "completion_rate",
}

func countCells(c Counts) []string {
	return []string{
		strconv.FormatInt(c.Views, 10),
		strconv.FormatInt(c.Reads, 10),
		strconv.FormatInt(c.Shares, 10),
		strconv.FormatInt(c.Engagements, 10),
		strconv.FormatInt(c.UniqueVisitors, 10),
		fmt.Sprintf("%.2f", c.AvgReadDuration),
		fmt.Sprintf("%.4f", c.CompletionRate),
	}
}

// Table builds the export table of kind for a period.
func (e *Engine) Table(ctx context.Context, kind ExportKind, p Period, f Filter) (*export.Table, error) {
	switch kind {
	case ExportContent:
		rows, err := e.ContentPerformance(ctx, p, f, 0)
		if err != nil {
			return nil, err
		}
		t := &export.Table{
			Title:   fmt.Sprintf("Content performance (%s)", p.Name),
			Headers: append([]string{"target_kind", "target_id", "title"}, append(countHeaders, "clicks", "conversions", "conversion_rate")...),
		}
		for _, r := range rows {
			cells := append([]string{string(r.Target.Kind), r.Target.ID, r.Title}, countCells(r.Counts)...)
			cells = append(cells,
				strconv.FormatInt(r.Clicks, 10),
				strconv.FormatInt(r.Conversions, 10),
				fmt.Sprintf("%.4f", r.ConversionRate),
			)
			t.Rows = append(t.Rows, cells)
		}
		return t, nil
	default:
		points, err := e.DailySeries(ctx, p, f)
		if err != nil {
			return nil, err
		}
		t := &export.Table{
			Title:   fmt.Sprintf("Daily engagement (%s)", p.Name),
			Headers: append([]string{"date"}, countHeaders...),
		}
		for _, pt := range points {
			t.Rows = append(t.Rows, append([]string{pt.Date}, countCells(pt.Counts)...))
		}
		return t, nil
	}
}

// Export writes the table of kind for a period in format.
func (e *Engine) Export(ctx context.Context, w io.Writer, format export.Format, kind ExportKind, p Period, f Filter) error {
	t, err := e.Table(ctx, kind, p, f)
	if err != nil {
		return err
	}
	if err := export.Write(w, format, t); err != nil {
		return fmt.Errorf("failed to write %s export: %w", format, err)
	}
	return nil
}
