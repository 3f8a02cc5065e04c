package promotion

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/export"
)

// Export writes the codes matching filter in format (csv, xlsx or json).
func (l *Ledger) Export(ctx context.Context, w io.Writer, format export.Format, filter ListFilter) error {
	if format == export.FormatPDF {
		return apperr.Validation("format", "promotion exports support csv, xlsx and json")
	}

	table := &export.Table{
		Title: "Promotion codes",
		Headers: []string{
			"id", "code", "target_kind", "target_id", "channel", "active",
			"expires_at", "max_uses", "current_uses", "clicks", "conversions", "conversion_rate",
		},
	}

	for _, c := range l.List(ctx, filter) {
		expires := ""
		if c.ExpiresAt != nil {
			expires = c.ExpiresAt.UTC().Format(time.RFC3339)
		}
		maxUses := ""
		if c.MaxUses != nil {
			maxUses = strconv.FormatInt(*c.MaxUses, 10)
		}
		table.Rows = append(table.Rows, []string{
			c.ID, c.Code, string(c.Target.Kind), c.Target.ID, c.Channel, strconv.FormatBool(c.Active),
			expires, maxUses,
			strconv.FormatInt(c.CurrentUses, 10),
			strconv.FormatInt(c.ClickCount, 10),
			strconv.FormatInt(c.ConversionCount, 10),
			fmt.Sprintf("%.4f", c.ConversionRate()),
		})
	}

	return export.Write(w, format, table)
}
