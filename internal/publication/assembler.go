package publication

import (
	"context"
	"strings"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
)

// MemberRef is the caller's description of one member
type MemberRef struct {
	ContentItemID string `json:"content_item_id"`
	Order         *int   `json:"order,omitempty"`
	Visible       *bool  `json:"visible,omitempty"`
	MainStory     bool   `json:"main_story"`
	Section       string `json:"section,omitempty"`
}

// AssembleOptions carries everything about a new publication except its members
type AssembleOptions struct {
	Draft                   bool                     `json:"draft"`
	Flags                   models.DistributionFlags `json:"flags"`
	ScheduledAt             *time.Time               `json:"scheduled_at,omitempty"`
	ExpiresAt               *time.Time               `json:"expires_at,omitempty"`
	ReadCompletionThreshold float64                  `json:"read_completion_threshold,omitempty"`
}

// EditingView is a publication with its members resolved against the registry
type EditingView struct {
	Publication *models.Publication `json:"publication"`
	Items       []EditingMember     `json:"items"`
}

type EditingMember struct {
	models.PublicationMember
	Title    string `json:"title"`
	Author   string `json:"author"`
	Category string `json:"category"`
	Missing  bool   `json:"missing,omitempty"`
}

// Assemble validates refs against the content registry and stores a new draft
// publication built from them.
func (s *Service) Assemble(ctx context.Context, title string, refs []MemberRef, opts AssembleOptions) (*models.Publication, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.Validation("title", "must not be empty")
	}
	if len(refs) == 0 && !opts.Draft {
		return nil, apperr.Validation("members", "at least one member is required unless a draft is requested")
	}
	if err := validateWindow(opts.ScheduledAt, opts.ExpiresAt); err != nil {
		return nil, err
	}
	if opts.ReadCompletionThreshold < 0 || opts.ReadCompletionThreshold > 1 {
		return nil, apperr.Validation("read_completion_threshold", "must be between 0 and 1")
	}

	members, err := s.buildMembers(ctx, refs)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pub := &models.Publication{
		ID:                      newID(),
		Title:                   title,
		State:                   models.StateDraft,
		Members:                 members,
		Flags:                   opts.Flags,
		ScheduledAt:             opts.ScheduledAt,
		ExpiresAt:               opts.ExpiresAt,
		ReadCompletionThreshold: opts.ReadCompletionThreshold,
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	recomputeCache(pub)

	if err := s.repo.Create(ctx, pub); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"publication_id": pub.ID,
		"members":        pub.MemberCount,
	}).Info("Publication assembled")
	return pub, nil
}

// UpdateMembers replaces the whole member list. Either every ref validates and
// the list is swapped, or nothing changes.
func (s *Service) UpdateMembers(ctx context.Context, id string, refs []MemberRef) (*models.Publication, error) {
	members, err := s.buildMembers(ctx, refs)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, id, func(pub *models.Publication, now time.Time) error {
		if err := editable(pub); err != nil {
			return err
		}
		if len(members) == 0 && pub.State != models.StateDraft {
			return apperr.Validation("members", "a %s publication cannot have an empty member list", pub.State)
		}
		pub.Members = members
		recomputeCache(pub)
		return nil
	})
}

// Reorder assigns display order from the position of each id in orderedIDs.
func (s *Service) Reorder(ctx context.Context, id string, orderedIDs []string) (*models.Publication, error) {
	return s.mutate(ctx, id, func(pub *models.Publication, now time.Time) error {
		if err := editable(pub); err != nil {
			return err
		}

		byID := make(map[string]models.PublicationMember, len(pub.Members))
		for _, m := range pub.Members {
			byID[m.ContentItemID] = m
		}

		seen := make(map[string]bool, len(orderedIDs))
		for _, itemID := range orderedIDs {
			if _, ok := byID[itemID]; !ok {
				return apperr.NotFound("publication member", itemID)
			}
			if seen[itemID] {
				return apperr.Validation("ordered_ids", "duplicate member %s", itemID)
			}
			seen[itemID] = true
		}
		if len(orderedIDs) != len(pub.Members) {
			return apperr.Validation("ordered_ids", "expected %d members, got %d", len(pub.Members), len(orderedIDs))
		}

		reordered := make([]models.PublicationMember, len(orderedIDs))
		for i, itemID := range orderedIDs {
			m := byID[itemID]
			m.Order = i
			reordered[i] = m
		}
		pub.Members = reordered
		recomputeCache(pub)
		return nil
	})
}

// GetForEditing returns the full member snapshot with titles resolved.
// Items that disappeared from the registry are flagged instead of failing.
func (s *Service) GetForEditing(ctx context.Context, id string) (*EditingView, error) {
	pub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &EditingView{Publication: pub}
	for _, m := range pub.Members {
		em := EditingMember{PublicationMember: m}
		item, err := s.registry.Get(ctx, m.ContentItemID)
		switch {
		case err == nil:
			em.Title, em.Author, em.Category = item.Title, item.Author, item.Category
		case apperr.IsNotFound(err):
			em.Missing = true
		default:
			return nil, err
		}
		view.Items = append(view.Items, em)
	}
	return view, nil
}

// Duplicate copies a publication into a new draft with fresh counters.
func (s *Service) Duplicate(ctx context.Context, id string) (*models.Publication, error) {
	src, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	dup := &models.Publication{
		ID:                      newID(),
		Title:                   src.Title + " (copy)",
		State:                   models.StateDraft,
		Members:                 append([]models.PublicationMember(nil), src.Members...),
		Flags:                   src.Flags,
		ReadCompletionThreshold: src.ReadCompletionThreshold,
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	recomputeCache(dup)

	if err := s.repo.Create(ctx, dup); err != nil {
		return nil, err
	}
	return dup, nil
}

func (s *Service) buildMembers(ctx context.Context, refs []MemberRef) ([]models.PublicationMember, error) {
	explicit := 0
	for _, ref := range refs {
		if ref.Order != nil {
			explicit++
		}
	}
	if explicit != 0 && explicit != len(refs) {
		return nil, apperr.Validation("order", "either every member or none must carry an explicit order")
	}

	members := make([]models.PublicationMember, len(refs))
	seenItems := make(map[string]bool, len(refs))
	seenOrders := make(map[int]bool, len(refs))
	mainStories := 0

	for i, ref := range refs {
		itemID := strings.TrimSpace(ref.ContentItemID)
		if itemID == "" {
			return nil, apperr.Validation("content_item_id", "member %d has no content item id", i)
		}
		if seenItems[itemID] {
			return nil, apperr.Validation("content_item_id", "duplicate member %s", itemID)
		}
		seenItems[itemID] = true

		order := i
		if ref.Order != nil {
			order = *ref.Order
		}
		if order < 0 || order >= len(refs) {
			return nil, apperr.Validation("order", "order %d of %s is outside [0, %d)", order, itemID, len(refs))
		}
		if seenOrders[order] {
			return nil, apperr.Validation("order", "duplicate display order %d", order)
		}
		seenOrders[order] = true

		if ref.MainStory {
			mainStories++
			if mainStories > 1 {
				return nil, apperr.Validation("main_story", "at most one member may be the main story")
			}
		}

		if _, err := s.registry.Get(ctx, itemID); err != nil {
			if apperr.IsNotFound(err) {
				return nil, apperr.Validation("content_item_id", "content item %s does not exist", itemID)
			}
			return nil, err
		}

		visible := true
		if ref.Visible != nil {
			visible = *ref.Visible
		}
		members[order] = models.PublicationMember{
			ContentItemID: itemID,
			Order:         order,
			Visible:       visible,
			MainStory:     ref.MainStory,
			Section:       strings.TrimSpace(ref.Section),
		}
	}

	return members, nil
}

func recomputeCache(pub *models.Publication) {
	pub.MemberCount = len(pub.Members)
	pub.HasMainStory = false
	for _, m := range pub.Members {
		if m.MainStory {
			pub.HasMainStory = true
			break
		}
	}
}

func editable(pub *models.Publication) error {
	if pub.IsDeleted() {
		return apperr.NotFound("publication", pub.ID)
	}
	if pub.State == models.StateArchived {
		return apperr.Validation("state", "archived publications are read-only")
	}
	return nil
}

func validateWindow(scheduledAt, expiresAt *time.Time) error {
	if scheduledAt != nil && expiresAt != nil && !scheduledAt.Before(*expiresAt) {
		return apperr.Validation("scheduled_at", "must be before expires_at")
	}
	return nil
}
