// Package analytics ingests engagement events and derives rollups, breakdowns
// and trend comparisons from them.
package analytics

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/newsdesk/pubengine/internal/models"
)

// EventLog is the append-only system of record for engagement events.
// Rollups are always derived from it and never from mutable counters.
type EventLog interface {
	Append(ctx context.Context, e models.EngagementEvent) error
	// ForTarget returns copies of the target's events with OccurredAt in [from, to).
	ForTarget(target models.Target, from, to time.Time) []models.EngagementEvent
	// Between returns copies of every event with OccurredAt in [from, to).
	Between(from, to time.Time) []models.EngagementEvent
	Len() int
}

// MemoryEventLog spreads targets over independently locked shards so
// concurrent appends rarely contend.
type MemoryEventLog struct {
	shards []*logShard
}

type logShard struct {
	mu     sync.RWMutex
	events map[models.Target][]models.EngagementEvent
	count  int
}

var _ EventLog = (*MemoryEventLog)(nil)

func NewMemoryEventLog(shards int) *MemoryEventLog {
	if shards < 1 {
		shards = 1
	}
	l := &MemoryEventLog{shards: make([]*logShard, shards)}
	for i := range l.shards {
		l.shards[i] = &logShard{events: make(map[models.Target][]models.EngagementEvent)}
	}
	return l
}

func (l *MemoryEventLog) shardFor(target models.Target) *logShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(target.Kind))
	_, _ = h.Write([]byte(target.ID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *MemoryEventLog) Append(ctx context.Context, e models.EngagementEvent) error {
	s := l.shardFor(e.Target)
	s.mu.Lock()
	s.events[e.Target] = append(s.events[e.Target], e)
	s.count++
	s.mu.Unlock()
	return nil
}

func (l *MemoryEventLog) ForTarget(target models.Target, from, to time.Time) []models.EngagementEvent {
	s := l.shardFor(target)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return appendInRange(nil, s.events[target], from, to)
}

func (l *MemoryEventLog) Between(from, to time.Time) []models.EngagementEvent {
	var out []models.EngagementEvent
	for _, s := range l.shards {
		s.mu.RLock()
		for _, events := range s.events {
			out = appendInRange(out, events, from, to)
		}
		s.mu.RUnlock()
	}
	return out
}

func (l *MemoryEventLog) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.RLock()
		total += s.count
		s.mu.RUnlock()
	}
	return total
}

func appendInRange(dst, events []models.EngagementEvent, from, to time.Time) []models.EngagementEvent {
	for _, e := range events {
		if e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
			continue
		}
		dst = append(dst, e)
	}
	return dst
}
