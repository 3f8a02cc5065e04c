// Package publication assembles content items into publications and drives
// their lifecycle.
package publication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/content"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/notifications"
	"github.com/sirupsen/logrus"
)

// CounterSource supplies the derived view/share/engagement totals of a target.
type CounterSource interface {
	Totals(target models.Target) (views, shares, engagements int64)
}

// Service handles publication assembly and lifecycle
type Service struct {
	repo     Repository
	registry content.Registry
	notifier notifications.NotificationInterface
	counters CounterSource
	locks    *keyedMutex
	now      func() time.Time
}

// NewService creates a new publication service
func NewService(repo Repository, registry content.Registry, notifier notifications.NotificationInterface) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		notifier: notifier,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// SetCounterSource wires the analytics totals used to fill derived counters.
func (s *Service) SetCounterSource(c CounterSource) {
	s.counters = c
}

// Lookup returns the stored publication, soft-deleted ones included.
func (s *Service) Lookup(ctx context.Context, id string) (*models.Publication, error) {
	return s.repo.Get(ctx, id)
}

// Get returns a live publication with its derived counters filled in
func (s *Service) Get(ctx context.Context, id string) (*models.Publication, error) {
	pub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pub.IsDeleted() {
		return nil, apperr.NotFound("publication", id)
	}
	s.fillCounters(pub)
	return pub, nil
}

// List returns publications matching filter
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*models.Publication, error) {
	pubs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, pub := range pubs {
		s.fillCounters(pub)
	}
	return pubs, nil
}

func (s *Service) fillCounters(pub *models.Publication) {
	if s.counters == nil {
		return
	}
	pub.ViewCount, pub.ShareCount, pub.EngagementCount = s.counters.Totals(models.Target{Kind: models.TargetPublication, ID: pub.ID})
}

// CheckTarget confirms a live publication or registry content item exists.
func (s *Service) CheckTarget(ctx context.Context, target models.Target) error {
	switch target.Kind {
	case models.TargetPublication:
		_, err := s.Get(ctx, target.ID)
		return err
	case models.TargetContentItem:
		_, err := s.registry.Get(ctx, target.ID)
		return err
	default:
		return apperr.Validation("target.kind", "unknown target kind %q", target.Kind)
	}
}

// Delete soft-deletes a publication so its historical rollups survive.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(pub *models.Publication, now time.Time) error {
		if pub.IsDeleted() {
			return apperr.NotFound("publication", id)
		}
		pub.DeletedAt = &now
		return nil
	})
	if err == nil {
		logrus.WithField("publication_id", id).Info("Publication deleted")
	}
	return err
}

// mutate serializes read-modify-write cycles on one publication.
func (s *Service) mutate(ctx context.Context, id string, fn func(pub *models.Publication, now time.Time) error) (*models.Publication, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expected := pub.Version
	if err := fn(pub, now); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pub.Version = expected + 1
	pub.UpdatedAt = now
	if err := s.repo.Update(ctx, pub, expected); err != nil {
		return nil, fmt.Errorf("failed to save publication %s: %w", id, err)
	}
	return pub, nil
}

func newID() string {
	return uuid.NewString()
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
