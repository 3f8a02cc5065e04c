package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
)

// IngestStatus is the outcome of ingesting one event
type IngestStatus string

const (
	IngestAccepted     IngestStatus = "accepted"
	IngestDeduplicated IngestStatus = "deduplicated"
	IngestRejected     IngestStatus = "rejected"
	IngestFailed       IngestStatus = "failed"
)

// IngestResult is returned for every event. Ingestion never surfaces an error
// to the reader-facing caller; rejected and failed events are dead-lettered.
type IngestResult struct {
	Status  IngestStatus `json:"status"`
	EventID string       `json:"event_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// maxClockSkew bounds how far in the future an event may claim to occur.
const maxClockSkew = 5 * time.Minute

// Ingest validates, deduplicates and appends one event. Retries of the same
// session, target and kind within one dedup bucket are accepted exactly once.
// The caller's cancellation does not abort ingestion.
func (e *Engine) Ingest(ctx context.Context, ev models.EngagementEvent) IngestResult {
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()
	normalizeEvent(&ev, now)

	if reason := validateEvent(&ev, now); reason != "" {
		return e.reject(reason, &ev)
	}
	if reason := e.resolveTarget(ctx, &ev); reason != "" {
		return e.reject(reason, &ev)
	}

	key, bucket := e.dedupKey(&ev)
	if _, loaded := e.seen.LoadOrStore(key, bucket); loaded {
		return IngestResult{Status: IngestDeduplicated}
	}

	ev.ID = uuid.NewString()
	if err := e.events.Append(ctx, ev); err != nil {
		e.seen.Delete(key)
		reason := fmt.Sprintf("append failed: %v", err)
		if e.deadLetters != nil {
			e.deadLetters.Record(reason, &ev)
		}
		return IngestResult{Status: IngestFailed, Reason: reason}
	}

	e.bumpTotals(&ev)
	e.cache.MarkDirty(ev.Target, dateKey(ev.OccurredAt, e.loc))

	return IngestResult{Status: IngestAccepted, EventID: ev.ID}
}

// IngestBatch ingests events in order and returns one result per event.
func (e *Engine) IngestBatch(ctx context.Context, events []models.EngagementEvent) []IngestResult {
	results := make([]IngestResult, len(events))
	for i, ev := range events {
		results[i] = e.Ingest(ctx, ev)
	}
	return results
}

func (e *Engine) reject(reason string, ev *models.EngagementEvent) IngestResult {
	if e.deadLetters != nil {
		e.deadLetters.Record(reason, ev)
	}
	return IngestResult{Status: IngestRejected, Reason: reason}
}

func validateEvent(ev *models.EngagementEvent, now time.Time) string {
	switch ev.Kind {
	case models.EventView, models.EventRead, models.EventShare, models.EventEngagement:
	default:
		return fmt.Sprintf("unknown event kind %q", ev.Kind)
	}
	switch ev.Target.Kind {
	case models.TargetPublication, models.TargetContentItem:
	default:
		return fmt.Sprintf("unknown target kind %q", ev.Target.Kind)
	}
	if ev.Target.ID == "" {
		return "target id is required"
	}
	if ev.SessionID == "" {
		return "session id is required"
	}
	if ev.OccurredAt.After(now.Add(maxClockSkew)) {
		return "event occurs in the future"
	}
	if ev.DurationSeconds < 0 {
		return "duration must not be negative"
	}
	if ev.Completion < 0 || ev.Completion > 1 {
		return "completion must be a fraction between 0 and 1"
	}
	return ""
}

// resolveTarget checks the target exists and stamps the event with the
// category and author used by breakdowns.
func (e *Engine) resolveTarget(ctx context.Context, ev *models.EngagementEvent) string {
	switch ev.Target.Kind {
	case models.TargetPublication:
		if e.pubs == nil {
			return "publications are not tracked"
		}
		pub, err := e.pubs.Lookup(ctx, ev.Target.ID)
		if err != nil {
			return fmt.Sprintf("unknown publication %s", ev.Target.ID)
		}
		if pub.IsDeleted() {
			return fmt.Sprintf("publication %s is deleted", ev.Target.ID)
		}
		if lead := leadMember(pub); lead != "" {
			e.stampItem(ctx, ev, lead)
		}
	case models.TargetContentItem:
		if e.registry == nil {
			return "content items are not tracked"
		}
		item, err := e.registry.Get(ctx, ev.Target.ID)
		if err != nil {
			return fmt.Sprintf("unknown content item %s", ev.Target.ID)
		}
		ev.Category = item.Category
		ev.Author = item.Author
	}
	return ""
}

func (e *Engine) stampItem(ctx context.Context, ev *models.EngagementEvent, itemID string) {
	if e.registry == nil {
		return
	}
	item, err := e.registry.Get(ctx, itemID)
	if err != nil {
		logrus.Debugf("Could not resolve lead item %s: %v", itemID, err)
		return
	}
	ev.Category = item.Category
	ev.Author = item.Author
}

// leadMember is the main story, or the first member when there is none.
func leadMember(pub *models.Publication) string {
	first := ""
	for _, m := range pub.Members {
		if m.MainStory {
			return m.ContentItemID
		}
		if first == "" || m.Order == 0 {
			first = m.ContentItemID
		}
	}
	return first
}

func (e *Engine) dedupKey(ev *models.EngagementEvent) (string, time.Time) {
	bucket := ev.OccurredAt.Truncate(e.config.DedupBucket)
	return fmt.Sprintf("%s|%s|%s|%s|%d", ev.SessionID, ev.Target.Kind, ev.Target.ID, ev.Kind, bucket.Unix()), bucket
}

// PruneDedup forgets idempotency keys of buckets that started before cutoff
// and returns how many were removed.
func (e *Engine) PruneDedup(cutoff time.Time) int {
	removed := 0
	e.seen.Range(func(k, v interface{}) bool {
		if v.(time.Time).Before(cutoff) {
			e.seen.Delete(k)
			removed++
		}
		return true
	})
	return removed
}
