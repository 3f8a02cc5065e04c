package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/newsdesk/pubengine/internal/analytics"
	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/content"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) ProcessDue(ctx context.Context) (int, int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Int(1), args.Error(2)
}

type MockReports struct {
	mock.Mock
}

func (m *MockReports) GenerateReport(ctx context.Context, req analytics.ReportRequest) (*models.Report, error) {
	args := m.Called(ctx, req)
	report, _ := args.Get(0).(*models.Report)
	return report, args.Error(1)
}

func (m *MockReports) Purge(ctx context.Context, cutoff string) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyPublished(pub *models.Publication) error {
	return m.Called(pub).Error(0)
}

func (m *MockNotifier) SendReport(report *models.Report) error {
	return m.Called(report).Error(0)
}

func (m *MockNotifier) SendAlert(alert *models.Alert) error {
	return m.Called(alert).Error(0)
}

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, schedule string) (*Service, *MockLifecycle, *MockReports, *MockNotifier, *analytics.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.ReportSchedule = schedule
	cfg.RollupSchedule = "*/30 * * * * *"
	cfg.LifecycleSchedule = "0 * * * * *"

	registry := content.NewMemoryRegistry(models.ContentItem{ID: "a1", Title: "Council approves budget"})
	sink := analytics.NewDeadLetterSink(nil, 16, 0)
	t.Cleanup(sink.Close)
	engine := analytics.NewEngine(cfg, analytics.NewMemoryEventLog(2), nil, registry, sink)

	lifecycle := &MockLifecycle{}
	reports := &MockReports{}
	notifier := &MockNotifier{}
	service := NewService(cfg, lifecycle, engine, reports, notifier)
	service.now = func() time.Time { return baseTime }
	return service, lifecycle, reports, notifier, engine
}

func TestService_StartRejectsBadSchedules(t *testing.T) {
	service, _, _, _, _ := newTestScheduler(t, "daily")
	service.config.RollupSchedule = "every half minute"

	err := service.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollup refresh")
}

func TestService_StartAndStop(t *testing.T) {
	service, _, _, _, _ := newTestScheduler(t, "weekly")

	require.NoError(t, service.Start())
	assert.Len(t, service.cron.Entries(), 4)
	service.Stop()
}

func TestService_RunLifecycle(t *testing.T) {
	service, lifecycle, _, _, _ := newTestScheduler(t, "")
	lifecycle.On("ProcessDue", mock.Anything).Return(2, 1, nil).Once()
	lifecycle.On("ProcessDue", mock.Anything).Return(0, 0, errors.New("store offline")).Once()

	assert.NoError(t, service.RunLifecycle(context.Background()))
	assert.EqualError(t, service.RunLifecycle(context.Background()), "store offline")
	lifecycle.AssertExpectations(t)
}

func TestService_RunReportCoversPreviousDays(t *testing.T) {
	tests := []struct {
		schedule string
		start    string
	}{
		{"daily", "2026-05-03"},
		{"weekly", "2026-04-27"},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			service, _, reports, _, _ := newTestScheduler(t, tt.schedule)
			reports.On("GenerateReport", mock.Anything, mock.MatchedBy(func(req analytics.ReportRequest) bool {
				return req.Period.Name == "custom" && req.Period.Start == tt.start && req.Period.End == "2026-05-03"
			})).Return(&models.Report{ID: "r1"}, nil).Once()

			require.NoError(t, service.RunReport(context.Background()))
			reports.AssertExpectations(t)
		})
	}
}

func TestService_RunRollupsAndMaintenance(t *testing.T) {
	service, _, reports, notifier, engine := newTestScheduler(t, "")
	reports.On("Purge", mock.Anything, "2026-04-04").Return(1, nil).Twice()
	ctx := context.Background()
	target := models.Target{Kind: models.TargetContentItem, ID: "a1"}

	engine.Ingest(ctx, models.EngagementEvent{Kind: models.EventView, Target: target, SessionID: "s1", OccurredAt: baseTime.Add(-3 * time.Hour)})
	require.NoError(t, service.RunRollups(ctx))
	assert.Equal(t, 1, engine.Cache().Len())

	// two rejected events since the last check raise one alert
	engine.Ingest(ctx, models.EngagementEvent{Kind: "teleport", Target: target, SessionID: "s2"})
	engine.Ingest(ctx, models.EngagementEvent{Kind: models.EventView, Target: models.Target{Kind: models.TargetContentItem, ID: "zz"}, SessionID: "s3"})
	notifier.On("SendAlert", mock.MatchedBy(func(a *models.Alert) bool {
		return a.Type == "urgent" && a.Message == "2 events could not be ingested since the last check"
	})).Return(nil).Once()

	require.NoError(t, service.RunMaintenance(ctx))
	require.NoError(t, service.RunMaintenance(ctx))
	notifier.AssertExpectations(t)
	reports.AssertExpectations(t)

	// the pruned key lets the same view be ingested again
	res := engine.Ingest(ctx, models.EngagementEvent{Kind: models.EventView, Target: target, SessionID: "s1", OccurredAt: baseTime.Add(-3 * time.Hour)})
	assert.Equal(t, analytics.IngestAccepted, res.Status)
}

func TestService_RunMaintenanceReportsPurgeFailure(t *testing.T) {
	service, _, reports, _, _ := newTestScheduler(t, "")
	reports.On("Purge", mock.Anything, mock.Anything).Return(0, errors.New("container gone"))

	err := service.RunMaintenance(context.Background())
	assert.EqualError(t, err, "failed to purge reports: container gone")
}
