package analytics

import (
	"strings"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
)

const dateLayout = "2006-01-02"

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Previous is the window of the same length ending where w starts.
func (w Window) Previous() Window {
	return Window{Start: w.Start.Add(-w.End.Sub(w.Start)), End: w.Start}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Days lists the calendar dates covered by the window in its own location.
func (w Window) Days() []string {
	var days []string
	for d := w.Start; d.Before(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(dateLayout))
	}
	return days
}

// Period is a named reporting range. Custom periods carry explicit dates.
type Period struct {
	Name  string `json:"name"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

var periodDays = map[string]int{
	"today":  1,
	"7days":  7,
	"30days": 30,
	"90days": 90,
}

// ParsePeriod validates a period name. start and end are inclusive
// YYYY-MM-DD dates and only apply to "custom".
func ParsePeriod(name, start, end string) (Period, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "7days"
	}

	switch name {
	case "today", "7days", "30days", "90days", "1year":
		return Period{Name: name}, nil
	case "custom":
		s, err := time.Parse(dateLayout, start)
		if err != nil {
			return Period{}, apperr.Validation("start", "custom period start must be YYYY-MM-DD")
		}
		e, err := time.Parse(dateLayout, end)
		if err != nil {
			return Period{}, apperr.Validation("end", "custom period end must be YYYY-MM-DD")
		}
		if e.Before(s) {
			return Period{}, apperr.Validation("end", "custom period end is before its start")
		}
		return Period{Name: name, Start: start, End: end}, nil
	default:
		return Period{}, apperr.Validation("period", "unknown period %q", name)
	}
}

// Window resolves the period against now in loc. Named periods end at the
// close of today.
func (p Period) Window(now time.Time, loc *time.Location) Window {
	today := startOfDay(now, loc)
	tomorrow := today.AddDate(0, 0, 1)

	switch p.Name {
	case "custom":
		s, _ := time.ParseInLocation(dateLayout, p.Start, loc)
		e, _ := time.ParseInLocation(dateLayout, p.End, loc)
		return Window{Start: s, End: e.AddDate(0, 0, 1)}
	case "1year":
		return Window{Start: tomorrow.AddDate(-1, 0, 0), End: tomorrow}
	default:
		days, ok := periodDays[p.Name]
		if !ok {
			days = 7
		}
		return Window{Start: tomorrow.AddDate(0, 0, -days), End: tomorrow}
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// dayWindow returns the window of a YYYY-MM-DD date in loc.
func dayWindow(date string, loc *time.Location) (Window, error) {
	d, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return Window{}, apperr.Validation("date", "date must be YYYY-MM-DD")
	}
	return Window{Start: d, End: d.AddDate(0, 0, 1)}, nil
}

// Filter narrows the events a query aggregates. All set fields must match.
type Filter struct {
	Category   string `json:"category,omitempty"`
	Author     string `json:"author,omitempty"`
	Article    string `json:"article,omitempty"`
	Country    string `json:"country,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Referrer   string `json:"referrer,omitempty"`
}

// Matches reports whether e passes every set constraint.
func (f Filter) Matches(e *models.EngagementEvent) bool {
	return matchField(f.Category, e.Category) &&
		matchField(f.Author, e.Author) &&
		(f.Article == "" || e.Target == f.article()) &&
		matchField(f.Country, e.Dimensions.Country) &&
		matchField(f.DeviceType, e.Dimensions.DeviceType) &&
		matchField(f.Referrer, e.Dimensions.Referrer)
}

// article is the content item the Article constraint names.
func (f Filter) article() models.Target {
	return models.Target{Kind: models.TargetContentItem, ID: f.Article}
}

// IsZero reports whether the filter has no constraints.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

func matchField(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}
