package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestService_NotifyPublished_PostsCard(t *testing.T) {
	var got ChannelMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DistributionWebhookURL = srv.URL
	service := NewService(cfg)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := service.NotifyPublished(&models.Publication{
		ID:          "pub-1",
		Title:       "Morning briefing",
		MemberCount: 3,
		PublishedAt: &now,
	})
	require.NoError(t, err)

	assert.Equal(t, "Morning briefing", got.Title)
	assert.Equal(t, "http://localhost:8080/publications/pub-1", got.Text)
	require.Len(t, got.Sections, 1)
	assert.Contains(t, got.Sections[0].Facts, ChannelFact{Name: "Stories", Value: "3"})
}

func TestService_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DistributionWebhookURL = srv.URL
	cfg.DistributionRetries = 3
	service := NewService(cfg)
	service.client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	require.NoError(t, service.NotifyPublished(&models.Publication{ID: "pub-1"}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestService_RetryBudgetIsBounded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DistributionWebhookURL = srv.URL
	cfg.DistributionRetries = 2
	service := NewService(cfg)
	service.client.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(5 * time.Millisecond)

	assert.Error(t, service.NotifyPublished(&models.Publication{ID: "pub-1"}))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBuildReportText(t *testing.T) {
	report := &models.Report{
		Period:      "7days",
		GeneratedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		DownloadURL: "http://localhost:8080/api/v1/analytics/reports/r1/download",
		Summary:     map[string]interface{}{"views": 100, "reads": 40},
	}

	text := buildReportText(report)
	assert.Contains(t, text, "reads: 40\nviews: 100\n")
	assert.Contains(t, text, "Download: http://localhost:8080/api/v1/analytics/reports/r1/download")

	html, err := buildReportHTML(report)
	require.NoError(t, err)
	assert.Contains(t, html, "Download the full report")
}

// MockNotificationService is a mock implementation of the notification service
type MockNotificationService struct {
	mock.Mock
	wg *sync.WaitGroup
}

func (m *MockNotificationService) NotifyPublished(pub *models.Publication) error {
	defer m.wg.Done()
	args := m.Called(pub)
	return args.Error(0)
}

func (m *MockNotificationService) SendReport(report *models.Report) error {
	defer m.wg.Done()
	args := m.Called(report)
	return args.Error(0)
}

func (m *MockNotificationService) SendAlert(alert *models.Alert) error {
	defer m.wg.Done()
	args := m.Called(alert)
	return args.Error(0)
}

func TestDispatcher_DeliversInBackground(t *testing.T) {
	var wg sync.WaitGroup
	target := &MockNotificationService{wg: &wg}
	target.On("NotifyPublished", mock.MatchedBy(func(p *models.Publication) bool { return p.ID == "pub-1" })).Return(nil)
	target.On("SendAlert", mock.Anything).Return(assert.AnError)

	d := NewDispatcher(target, 4)
	wg.Add(2)
	pub := &models.Publication{ID: "pub-1"}
	assert.NoError(t, d.NotifyPublished(pub))
	assert.NoError(t, d.SendAlert(&models.Alert{Title: "x"}))
	pub.ID = "mutated"

	wg.Wait()
	d.Close()
	target.AssertExpectations(t)

	// closed dispatcher drops silently
	assert.NoError(t, d.NotifyPublished(pub))
}

// gatedTarget blocks every delivery until release is closed.
type gatedTarget struct {
	release   chan struct{}
	delivered atomic.Int32
}

func (g *gatedTarget) NotifyPublished(pub *models.Publication) error {
	<-g.release
	g.delivered.Add(1)
	return nil
}

func (g *gatedTarget) SendReport(report *models.Report) error { return nil }

func (g *gatedTarget) SendAlert(alert *models.Alert) error { return nil }

func TestDispatcher_KeepsPushesBeyondBuffer(t *testing.T) {
	target := &gatedTarget{release: make(chan struct{})}
	d := NewDispatcher(target, 1)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, d.NotifyPublished(&models.Publication{ID: "pub"}))
	}
	assert.Less(t, time.Since(start), time.Second, "enqueueing never waits on the target")

	assert.Zero(t, target.delivered.Load())

	close(target.release)
	d.Close()
	assert.Equal(t, int32(5), target.delivered.Load())
	assert.Zero(t, d.Backlog())
}
