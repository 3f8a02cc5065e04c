package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	recentDeadLetters = 200
	deadLetterPrefix  = "deadletters/"
)

// DeadLetterSink records events that could not be ingested. Recording never
// blocks: letters are written to storage by a background worker with bounded
// retry, and the most recent ones are kept in memory for inspection.
type DeadLetterSink struct {
	store   storage.StorageInterface
	retries int
	backoff time.Duration
	buffer  int

	mu      sync.Mutex
	ready   *sync.Cond
	pending []models.DeadLetter
	recent  []models.DeadLetter
	total   int64
	closed  bool
	wg      sync.WaitGroup
}

// NewDeadLetterSink starts the sink's worker. store may be nil, in which case
// letters are only logged and kept in memory.
func NewDeadLetterSink(store storage.StorageInterface, buffer, retries int) *DeadLetterSink {
	if buffer < 1 {
		buffer = 1
	}
	d := &DeadLetterSink{
		store:   store,
		retries: retries,
		backoff: 200 * time.Millisecond,
		buffer:  buffer,
	}
	d.ready = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.run()
	return d
}

// Record captures a failed event with the reason it failed.
func (d *DeadLetterSink) Record(reason string, e *models.EngagementEvent) {
	letter := models.DeadLetter{
		ID:         uuid.NewString(),
		Reason:     reason,
		RecordedAt: time.Now().UTC(),
	}
	if e != nil {
		ev := *e
		letter.Event = &ev
	}

	logrus.WithFields(logrus.Fields{
		"dead_letter_id": letter.ID,
		"reason":         reason,
	}).Warn("Engagement event dead-lettered")

	d.mu.Lock()
	defer d.mu.Unlock()

	d.total++
	d.recent = append(d.recent, letter)
	if len(d.recent) > recentDeadLetters {
		d.recent = d.recent[len(d.recent)-recentDeadLetters:]
	}
	if d.closed || d.store == nil {
		return
	}
	d.pending = append(d.pending, letter)
	if backlog := len(d.pending); backlog > d.buffer {
		logrus.Warnf("Dead-letter backlog at %d", backlog)
	}
	d.ready.Signal()
}

// Recent returns the latest dead letters, oldest first.
func (d *DeadLetterSink) Recent() []models.DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.DeadLetter(nil), d.recent...)
}

// Total counts every letter recorded since start.
func (d *DeadLetterSink) Total() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

func (d *DeadLetterSink) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.ready.Wait()
		}
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()

		for _, letter := range batch {
			if err := d.persist(letter); err != nil {
				logrus.Errorf("Failed to persist dead letter %s: %v", letter.ID, err)
			}
		}
	}
}

// Purge deletes persisted dead letters recorded before cutoff (YYYY-MM-DD).
func (d *DeadLetterSink) Purge(ctx context.Context, cutoff string) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	return storage.PurgeBefore(ctx, d.store, deadLetterPrefix, cutoff)
}

func (d *DeadLetterSink) persist(letter models.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	name := fmt.Sprintf("%s%s/%s.json", deadLetterPrefix, letter.RecordedAt.Format(dateLayout), letter.ID)

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = d.store.Store(ctx, name, data)
		cancel()
		if err == nil || attempt >= d.retries {
			return err
		}
		time.Sleep(d.backoff * time.Duration(attempt+1))
	}
}

// Close flushes queued letters and stops the worker.
func (d *DeadLetterSink) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.ready.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}
