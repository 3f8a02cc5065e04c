package analytics

import (
	"math"

	"github.com/newsdesk/pubengine/internal/models"
)

// stableBand is the percentage change within which a metric counts as flat.
const stableBand = 5.0

// Compare computes the trend between two values of the same metric.
// A zero previous value yields 100% when current is positive and 0% otherwise.
func Compare(current, previous float64) models.TrendDelta {
	delta := current - previous

	var signed float64
	switch {
	case previous != 0:
		signed = delta / previous * 100
	case current > 0:
		signed = 100
	}

	direction := models.DirectionStable
	if signed > stableBand {
		direction = models.DirectionUp
	} else if signed < -stableBand {
		direction = models.DirectionDown
	}

	return models.TrendDelta{
		Current:    current,
		Previous:   previous,
		Delta:      delta,
		Percentage: math.Abs(signed),
		Direction:  direction,
	}
}

// compareCounts builds the trend of every headline metric.
func compareCounts(current, previous Counts) map[string]models.TrendDelta {
	return map[string]models.TrendDelta{
		"views":             Compare(float64(current.Views), float64(previous.Views)),
		"reads":             Compare(float64(current.Reads), float64(previous.Reads)),
		"shares":            Compare(float64(current.Shares), float64(previous.Shares)),
		"engagements":       Compare(float64(current.Engagements), float64(previous.Engagements)),
		"unique_visitors":   Compare(float64(current.UniqueVisitors), float64(previous.UniqueVisitors)),
		"avg_read_duration": Compare(current.AvgReadDuration, previous.AvgReadDuration),
		"completion_rate":   Compare(current.CompletionRate, previous.CompletionRate),
	}
}
