package publication

import (
	"context"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
)

// allowed lists the targets reachable from each state through the ordinary
// transition verbs. Restore (archived -> draft) is handled separately.
var allowed = map[models.PublicationState][]models.PublicationState{
	models.StateDraft:     {models.StateScheduled, models.StatePublished, models.StateArchived},
	models.StateScheduled: {models.StatePublished, models.StateArchived},
	models.StatePublished: {models.StateExpired, models.StateDraft, models.StateArchived},
	models.StateExpired:   {models.StateArchived},
	models.StateArchived:  nil,
}

func canTransition(from, to models.PublicationState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Schedule moves a draft to scheduled for publication at the given time.
func (s *Service) Schedule(ctx context.Context, id string, at time.Time) (*models.Publication, error) {
	return s.transition(ctx, id, models.StateScheduled, func(pub *models.Publication, now time.Time) error {
		if !at.After(now) {
			return apperr.InvalidTransition(string(pub.State), string(models.StateScheduled), "scheduled-at must be in the future")
		}
		if pub.ExpiresAt != nil && !at.Before(*pub.ExpiresAt) {
			return apperr.InvalidTransition(string(pub.State), string(models.StateScheduled), "scheduled-at must be before expires-at")
		}
		pub.ScheduledAt = &at
		return nil
	})
}

// Publish makes the publication reader-facing, freezes its attribution
// snapshot and fires one distribution push.
func (s *Service) Publish(ctx context.Context, id string) (*models.Publication, error) {
	pub, err := s.transition(ctx, id, models.StatePublished, func(pub *models.Publication, now time.Time) error {
		if len(pub.Members) == 0 {
			return apperr.InvalidTransition(string(pub.State), string(models.StatePublished), "publication has no members")
		}
		if pub.ExpiresAt != nil && !pub.ExpiresAt.After(now) {
			return apperr.InvalidTransition(string(pub.State), string(models.StatePublished), "expires-at has already passed")
		}

		publishedAt := now
		if pub.State == models.StateScheduled && pub.ScheduledAt != nil && pub.ScheduledAt.After(now) {
			publishedAt = *pub.ScheduledAt
		}
		pub.PublishedAt = &publishedAt

		pub.AttributionSnapshot = make([]string, 0, len(pub.Members))
		for _, m := range pub.Members {
			pub.AttributionSnapshot = append(pub.AttributionSnapshot, m.ContentItemID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The transition has committed under the per-id lock, so a concurrent
	// publish of the same id has failed its guard and never gets here.
	if s.notifier != nil {
		if err := s.notifier.NotifyPublished(pub); err != nil {
			logrus.Warnf("Failed to queue distribution push for %s: %v", id, err)
		}
	}
	return pub, nil
}

// Unpublish returns a published publication to draft.
func (s *Service) Unpublish(ctx context.Context, id string) (*models.Publication, error) {
	return s.transition(ctx, id, models.StateDraft, func(pub *models.Publication, now time.Time) error {
		if pub.State != models.StatePublished {
			return apperr.InvalidTransition(string(pub.State), string(models.StateDraft), "only published publications can be unpublished")
		}
		pub.PublishedAt = nil
		pub.ScheduledAt = nil
		return nil
	})
}

// Expire ends reader-facing distribution. Analytics stay readable.
func (s *Service) Expire(ctx context.Context, id string) (*models.Publication, error) {
	return s.transition(ctx, id, models.StateExpired, nil)
}

// Archive moves a publication to the terminal archived state.
func (s *Service) Archive(ctx context.Context, id string) (*models.Publication, error) {
	return s.transition(ctx, id, models.StateArchived, nil)
}

// Restore brings an archived publication back to draft. Only privileged
// callers may do this.
func (s *Service) Restore(ctx context.Context, id string, privileged bool) (*models.Publication, error) {
	return s.mutate(ctx, id, func(pub *models.Publication, now time.Time) error {
		if pub.IsDeleted() {
			return apperr.NotFound("publication", id)
		}
		if pub.State != models.StateArchived {
			return apperr.InvalidTransition(string(pub.State), string(models.StateDraft), "only archived publications can be restored")
		}
		if !privileged {
			return apperr.InvalidTransition(string(pub.State), string(models.StateDraft), "restore requires a privileged caller")
		}
		pub.State = models.StateDraft
		pub.PublishedAt = nil
		pub.ScheduledAt = nil
		return nil
	})
}

// ProcessDue publishes scheduled publications whose time has come and expires
// published ones past their expires-at. It returns how many of each it moved.
func (s *Service) ProcessDue(ctx context.Context) (published, expired int, err error) {
	now := s.now()

	scheduled, err := s.repo.List(ctx, ListFilter{State: models.StateScheduled})
	if err != nil {
		return 0, 0, err
	}
	for _, pub := range scheduled {
		if ctx.Err() != nil {
			return published, expired, ctx.Err()
		}
		if pub.ScheduledAt == nil || pub.ScheduledAt.After(now) {
			continue
		}
		if _, err := s.Publish(ctx, pub.ID); err != nil {
			logrus.Warnf("Scheduled publish of %s failed: %v", pub.ID, err)
			continue
		}
		published++
	}

	live, err := s.repo.List(ctx, ListFilter{State: models.StatePublished})
	if err != nil {
		return published, expired, err
	}
	for _, pub := range live {
		if ctx.Err() != nil {
			return published, expired, ctx.Err()
		}
		if pub.ExpiresAt == nil || pub.ExpiresAt.After(now) {
			continue
		}
		if _, err := s.Expire(ctx, pub.ID); err != nil {
			logrus.Warnf("Automatic expiry of %s failed: %v", pub.ID, err)
			continue
		}
		expired++
	}

	if published > 0 || expired > 0 {
		logrus.Infof("Lifecycle sweep published %d and expired %d publications", published, expired)
	}
	return published, expired, nil
}

func (s *Service) transition(ctx context.Context, id string, to models.PublicationState, guard func(pub *models.Publication, now time.Time) error) (*models.Publication, error) {
	pub, err := s.mutate(ctx, id, func(pub *models.Publication, now time.Time) error {
		if pub.IsDeleted() {
			return apperr.NotFound("publication", id)
		}
		if !canTransition(pub.State, to) {
			return apperr.InvalidTransition(string(pub.State), string(to), "")
		}
		if guard != nil {
			if err := guard(pub, now); err != nil {
				return err
			}
		}
		pub.State = to
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"publication_id": id,
		"state":          to,
	}).Info("Publication transitioned")
	return pub, nil
}
