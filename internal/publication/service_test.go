package publication

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/content"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockNotificationService is a mock implementation of the notification service
type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) NotifyPublished(pub *models.Publication) error {
	args := m.Called(pub)
	return args.Error(0)
}

func (m *MockNotificationService) SendReport(report *models.Report) error {
	args := m.Called(report)
	return args.Error(0)
}

func (m *MockNotificationService) SendAlert(alert *models.Alert) error {
	args := m.Called(alert)
	return args.Error(0)
}

type fixedCounters struct{}

func (fixedCounters) Totals(target models.Target) (int64, int64, int64) { return 10, 2, 5 }

var baseTime = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *MockNotificationService, *time.Time) {
	t.Helper()
	registry := content.NewMemoryRegistry(
		models.ContentItem{ID: "a1", Title: "Council approves budget", Author: "kim", Category: "politics"},
		models.ContentItem{ID: "a2", Title: "Derby ends level", Author: "lee", Category: "sport"},
		models.ContentItem{ID: "a3", Title: "Rain all week", Author: "park", Category: "weather"},
		models.ContentItem{ID: "a4", Title: "Gallery reopens", Author: "kim", Category: "culture"},
	)
	notifier := &MockNotificationService{}
	service := NewService(NewMemoryRepository(), registry, notifier)
	now := baseTime
	service.now = func() time.Time { return now }
	return service, notifier, &now
}

func refs(ids ...string) []MemberRef {
	out := make([]MemberRef, len(ids))
	for i, id := range ids {
		out[i] = MemberRef{ContentItemID: id}
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestService_Assemble(t *testing.T) {
	service, _, _ := newTestService(t)

	pub, err := service.Assemble(context.Background(), "Morning briefing", []MemberRef{
		{ContentItemID: "a1", MainStory: true, Section: "Top"},
		{ContentItemID: "a2"},
		{ContentItemID: "a3"},
	}, AssembleOptions{Flags: models.DistributionFlags{AllowSharing: true}})
	require.NoError(t, err)

	assert.Equal(t, models.StateDraft, pub.State)
	assert.Equal(t, 3, pub.MemberCount)
	assert.True(t, pub.HasMainStory)
	for i, m := range pub.Members {
		assert.Equal(t, i, m.Order)
		assert.True(t, m.Visible)
	}
	assert.Equal(t, "Top", pub.Members[0].Section)

	stored, err := service.Get(context.Background(), pub.ID)
	require.NoError(t, err)
	assert.Equal(t, pub.Members, stored.Members)
}

func TestService_Assemble_ExplicitOrder(t *testing.T) {
	service, _, _ := newTestService(t)

	pub, err := service.Assemble(context.Background(), "Sorted", []MemberRef{
		{ContentItemID: "a1", Order: intPtr(2)},
		{ContentItemID: "a2", Order: intPtr(0)},
		{ContentItemID: "a3", Order: intPtr(1)},
	}, AssembleOptions{})
	require.NoError(t, err)

	var ids []string
	for _, m := range pub.Members {
		ids = append(ids, m.ContentItemID)
	}
	assert.Equal(t, []string{"a2", "a3", "a1"}, ids)
}

func TestService_Assemble_Rejects(t *testing.T) {
	service, _, _ := newTestService(t)

	tests := []struct {
		name string
		refs []MemberRef
		opts AssembleOptions
	}{
		{name: "Empty without draft", refs: nil},
		{name: "Duplicate member", refs: refs("a1", "a1")},
		{name: "Dangling reference", refs: refs("a1", "ghost")},
		{name: "Two main stories", refs: []MemberRef{{ContentItemID: "a1", MainStory: true}, {ContentItemID: "a2", MainStory: true}}},
		{name: "Duplicate order", refs: []MemberRef{{ContentItemID: "a1", Order: intPtr(0)}, {ContentItemID: "a2", Order: intPtr(0)}}},
		{name: "Order outside range", refs: []MemberRef{{ContentItemID: "a1", Order: intPtr(0)}, {ContentItemID: "a2", Order: intPtr(5)}}},
		{name: "Mixed explicit order", refs: []MemberRef{{ContentItemID: "a1", Order: intPtr(0)}, {ContentItemID: "a2"}}},
		{
			name: "Schedule after expiry",
			refs: refs("a1"),
			opts: AssembleOptions{ScheduledAt: timePtr(baseTime.Add(2 * time.Hour)), ExpiresAt: timePtr(baseTime.Add(time.Hour))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Assemble(context.Background(), "Broken", tt.refs, tt.opts)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}
}

func TestService_Assemble_EmptyDraftAllowed(t *testing.T) {
	service, _, _ := newTestService(t)

	pub, err := service.Assemble(context.Background(), "Placeholder", nil, AssembleOptions{Draft: true})
	require.NoError(t, err)
	assert.Equal(t, 0, pub.MemberCount)
	assert.False(t, pub.HasMainStory)
}

func TestService_UpdateMembers_IsAllOrNothing(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	pub, err := service.Assemble(ctx, "Briefing", refs("a1", "a2"), AssembleOptions{})
	require.NoError(t, err)

	_, err = service.UpdateMembers(ctx, pub.ID, refs("a3", "ghost"))
	require.Error(t, err)

	unchanged, err := service.Get(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, pub.Members, unchanged.Members)
	assert.Equal(t, pub.Version, unchanged.Version)

	updated, err := service.UpdateMembers(ctx, pub.ID, []MemberRef{{ContentItemID: "a3"}, {ContentItemID: "a4", MainStory: true}})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MemberCount)
	assert.True(t, updated.HasMainStory)
	assert.Equal(t, pub.Version+1, updated.Version)
}

func TestService_Reorder(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	pub, err := service.Assemble(ctx, "Briefing", refs("a1", "a2", "a3"), AssembleOptions{})
	require.NoError(t, err)

	reordered, err := service.Reorder(ctx, pub.ID, []string{"a3", "a1", "a2"})
	require.NoError(t, err)
	orders := map[string]int{}
	for _, m := range reordered.Members {
		orders[m.ContentItemID] = m.Order
	}
	assert.Equal(t, map[string]int{"a3": 0, "a1": 1, "a2": 2}, orders)

	_, err = service.Reorder(ctx, pub.ID, []string{"a3", "a1", "a4"})
	assert.True(t, apperr.IsNotFound(err))

	_, err = service.Reorder(ctx, pub.ID, []string{"a3", "a1"})
	assert.True(t, apperr.IsValidation(err))

	_, err = service.Reorder(ctx, pub.ID, []string{"a3", "a3", "a1"})
	assert.True(t, apperr.IsValidation(err))
}

func TestService_DisplayOrderIsPermutation(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	pub, err := service.Assemble(ctx, "Briefing", refs("a4", "a2", "a1", "a3"), AssembleOptions{})
	require.NoError(t, err)
	pub, err = service.Reorder(ctx, pub.ID, []string{"a1", "a3", "a4", "a2"})
	require.NoError(t, err)

	seen := make([]bool, pub.MemberCount)
	for _, m := range pub.Members {
		require.True(t, m.Order >= 0 && m.Order < pub.MemberCount)
		require.False(t, seen[m.Order])
		seen[m.Order] = true
	}
}

func TestService_PublishRequiresMembers(t *testing.T) {
	service, notifier, _ := newTestService(t)
	ctx := context.Background()
	notifier.On("NotifyPublished", mock.Anything).Return(nil).Once()

	pub, err := service.Assemble(ctx, "Empty", nil, AssembleOptions{Draft: true})
	require.NoError(t, err)

	_, err = service.Publish(ctx, pub.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsInvalidTransition(err))

	_, err = service.UpdateMembers(ctx, pub.ID, refs("a1"))
	require.NoError(t, err)

	published, err := service.Publish(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, published.State)
	require.NotNil(t, published.PublishedAt)
	assert.Equal(t, baseTime, *published.PublishedAt)
	assert.Equal(t, []string{"a1"}, published.AttributionSnapshot)
	notifier.AssertExpectations(t)
}

func TestService_AttributionSnapshotSurvivesMemberEdits(t *testing.T) {
	service, notifier, _ := newTestService(t)
	ctx := context.Background()
	notifier.On("NotifyPublished", mock.Anything).Return(nil)

	pub, err := service.Assemble(ctx, "Briefing", refs("a1", "a2"), AssembleOptions{})
	require.NoError(t, err)
	_, err = service.Publish(ctx, pub.ID)
	require.NoError(t, err)

	edited, err := service.UpdateMembers(ctx, pub.ID, refs("a3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, edited.AttributionSnapshot)

	_, err = service.UpdateMembers(ctx, pub.ID, nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestService_ConcurrentPublishFiresOnce(t *testing.T) {
	service, notifier, _ := newTestService(t)
	ctx := context.Background()
	notifier.On("NotifyPublished", mock.Anything).Return(nil).Once()

	pub, err := service.Assemble(ctx, "Briefing", refs("a1"), AssembleOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.Publish(ctx, pub.ID); err == nil {
				atomic.AddInt32(&successes, 1)
			} else {
				assert.True(t, apperr.IsInvalidTransition(err))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes)
	notifier.AssertNumberOfCalls(t, "NotifyPublished", 1)
}

func TestService_LifecycleTransitions(t *testing.T) {
	service, notifier, _ := newTestService(t)
	ctx := context.Background()
	notifier.On("NotifyPublished", mock.Anything).Return(nil)

	pub, err := service.Assemble(ctx, "Briefing", refs("a1"), AssembleOptions{})
	require.NoError(t, err)

	_, err = service.Schedule(ctx, pub.ID, baseTime.Add(-time.Minute))
	assert.True(t, apperr.IsInvalidTransition(err))

	scheduled, err := service.Schedule(ctx, pub.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.StateScheduled, scheduled.State)

	_, err = service.Unpublish(ctx, pub.ID)
	assert.True(t, apperr.IsInvalidTransition(err))

	published, err := service.Publish(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(time.Hour), *published.PublishedAt)

	draft, err := service.Unpublish(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDraft, draft.State)
	assert.Nil(t, draft.PublishedAt)

	_, err = service.Publish(ctx, pub.ID)
	require.NoError(t, err)
	expired, err := service.Expire(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, expired.State)

	_, err = service.Publish(ctx, pub.ID)
	assert.True(t, apperr.IsInvalidTransition(err))

	archived, err := service.Archive(ctx, pub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateArchived, archived.State)

	_, err = service.Archive(ctx, pub.ID)
	var transitionErr *apperr.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, "archived", transitionErr.From)
	assert.Equal(t, "archived", transitionErr.To)

	// archived records stay readable
	_, err = service.Get(ctx, pub.ID)
	require.NoError(t, err)

	_, err = service.UpdateMembers(ctx, pub.ID, refs("a2"))
	assert.True(t, apperr.IsValidation(err))

	_, err = service.Restore(ctx, pub.ID, false)
	assert.True(t, apperr.IsInvalidTransition(err))

	restored, err := service.Restore(ctx, pub.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.StateDraft, restored.State)
}

func TestService_ProcessDue(t *testing.T) {
	service, notifier, now := newTestService(t)
	ctx := context.Background()
	notifier.On("NotifyPublished", mock.Anything).Return(nil)

	scheduled, err := service.Assemble(ctx, "Evening edition", refs("a1"), AssembleOptions{})
	require.NoError(t, err)
	_, err = service.Schedule(ctx, scheduled.ID, baseTime.Add(time.Hour))
	require.NoError(t, err)

	live, err := service.Assemble(ctx, "Flash sale", refs("a2"), AssembleOptions{ExpiresAt: timePtr(baseTime.Add(30 * time.Minute))})
	require.NoError(t, err)
	_, err = service.Publish(ctx, live.ID)
	require.NoError(t, err)

	published, expired, err := service.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	assert.Equal(t, 0, expired)

	*now = baseTime.Add(2 * time.Hour)
	published, expired, err = service.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, 1, expired)

	got, err := service.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, got.State)
}

func TestService_CancelledContextAbortsTransition(t *testing.T) {
	service, _, _ := newTestService(t)

	pub, err := service.Assemble(context.Background(), "Briefing", refs("a1"), AssembleOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = service.Publish(ctx, pub.ID)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := service.Get(context.Background(), pub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDraft, got.State)
}

func TestService_DeleteDuplicateAndEditing(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	service.SetCounterSource(fixedCounters{})

	pub, err := service.Assemble(ctx, "Briefing", refs("a1", "a2"), AssembleOptions{})
	require.NoError(t, err)

	view, err := service.GetForEditing(ctx, pub.ID)
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	assert.Equal(t, "Council approves budget", view.Items[0].Title)
	assert.Equal(t, int64(10), view.Publication.ViewCount)

	dup, err := service.Duplicate(ctx, pub.ID)
	require.NoError(t, err)
	assert.NotEqual(t, pub.ID, dup.ID)
	assert.Equal(t, "Briefing (copy)", dup.Title)
	assert.Equal(t, models.StateDraft, dup.State)

	require.NoError(t, service.Delete(ctx, pub.ID))
	_, err = service.Get(ctx, pub.ID)
	assert.True(t, apperr.IsNotFound(err))

	stored, err := service.Lookup(ctx, pub.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted())

	list, err := service.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, dup.ID, list[0].ID)
}

func TestService_BulkIsPartialFailureTolerant(t *testing.T) {
	service, notifier, _ := newTestService(t)
	ctx := context.Background()
	notifier.On("NotifyPublished", mock.Anything).Return(nil)

	good, err := service.Assemble(ctx, "Good", refs("a1"), AssembleOptions{})
	require.NoError(t, err)
	empty, err := service.Assemble(ctx, "Empty", nil, AssembleOptions{Draft: true})
	require.NoError(t, err)

	results := service.Bulk(ctx, BulkPublish, []string{good.ID, empty.ID, "missing"})
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Contains(t, results[1].Error, "invalid transition")
	assert.False(t, results[2].OK)

	results = service.Bulk(ctx, BulkAction("explode"), []string{good.ID})
	assert.False(t, results[0].OK)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestService_CheckTarget(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	pub, err := service.Assemble(ctx, "Evening", refs("a1"), AssembleOptions{})
	require.NoError(t, err)

	assert.NoError(t, service.CheckTarget(ctx, models.Target{Kind: models.TargetPublication, ID: pub.ID}))
	assert.NoError(t, service.CheckTarget(ctx, models.Target{Kind: models.TargetContentItem, ID: "a2"}))
	assert.True(t, apperr.IsNotFound(service.CheckTarget(ctx, models.Target{Kind: models.TargetContentItem, ID: "zz"})))
	assert.True(t, apperr.IsValidation(service.CheckTarget(ctx, models.Target{Kind: "page", ID: "x"})))

	require.NoError(t, service.Delete(ctx, pub.ID))
	assert.True(t, apperr.IsNotFound(service.CheckTarget(ctx, models.Target{Kind: models.TargetPublication, ID: pub.ID})))
}
