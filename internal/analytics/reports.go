package analytics

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/export"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/notifications"
	"github.com/newsdesk/pubengine/internal/storage"
	"github.com/sirupsen/logrus"
)

const (
	ReportPending = "pending"
	ReportReady   = "ready"
	ReportFailed  = "failed"
)

const (
	reportTimeout = 2 * time.Minute
	reportPrefix  = "reports/"
)

// ReportRequest describes a report to generate
type ReportRequest struct {
	Period Period        `json:"period"`
	Filter Filter        `json:"filter"`
	Format export.Format `json:"format"`
	Kind   ExportKind    `json:"kind"`
}

// ReportService generates analytics reports in the background, stores them
// and announces them through the notifier.
type ReportService struct {
	engine   *Engine
	storage  storage.StorageInterface
	notifier notifications.NotificationInterface
	baseURL  string

	mu      sync.RWMutex
	reports map[string]*reportJob
	wg      sync.WaitGroup
}

type reportJob struct {
	report *models.Report
	name   string
	date   string
}

// NewReportService creates a report generator. notifier may be nil.
func NewReportService(engine *Engine, store storage.StorageInterface, notifier notifications.NotificationInterface) *ReportService {
	return &ReportService{
		engine:   engine,
		storage:  store,
		notifier: notifier,
		baseURL:  engine.config.PublicBaseURL,
		reports:  make(map[string]*reportJob),
	}
}

// GenerateReport validates the request and starts generation. The returned
// report is pending; poll Get until it is ready or failed.
func (s *ReportService) GenerateReport(ctx context.Context, req ReportRequest) (*models.Report, error) {
	if req.Format == "" {
		req.Format = export.FormatPDF
	}
	if _, err := export.ParseFormat(string(req.Format)); err != nil {
		return nil, apperr.Validation("format", "%v", err)
	}
	if req.Kind == "" {
		req.Kind = ExportDaily
	}

	id := uuid.NewString()
	now := s.engine.now().UTC()
	date := now.Format(dateLayout)
	job := &reportJob{
		report: &models.Report{
			ID:          id,
			Status:      ReportPending,
			Format:      string(req.Format),
			Period:      req.Period.Name,
			GeneratedAt: now,
		},
		name: fmt.Sprintf("%s%s/%s.%s", reportPrefix, date, id, req.Format),
		date: date,
	}

	s.mu.Lock()
	s.reports[id] = job
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		s.build(gctx, job, req)
	}()

	return s.snapshot(job), nil
}

func (s *ReportService) build(ctx context.Context, job *reportJob, req ReportRequest) {
	log := logrus.WithFields(logrus.Fields{"report_id": job.report.ID, "format": req.Format})

	summary, err := s.render(ctx, job, req)

	s.mu.Lock()
	if err != nil {
		job.report.Status = ReportFailed
		job.report.Error = err.Error()
	} else {
		job.report.Status = ReportReady
		job.report.DownloadURL = fmt.Sprintf("%s/api/v1/analytics/reports/%s/download", s.baseURL, job.report.ID)
		job.report.Summary = summary
	}
	job.report.GeneratedAt = s.engine.now().UTC()
	report := *job.report
	s.mu.Unlock()

	if err != nil {
		log.Errorf("Report generation failed: %v", err)
		return
	}
	log.Info("Report generated")

	if s.notifier != nil {
		if err := s.notifier.SendReport(&report); err != nil {
			log.Errorf("Failed to send report: %v", err)
		}
	}
}

func (s *ReportService) render(ctx context.Context, job *reportJob, req ReportRequest) (map[string]interface{}, error) {
	overview, err := s.engine.Overview(ctx, req.Period, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compute overview: %w", err)
	}

	var buf bytes.Buffer
	if err := s.engine.Export(ctx, &buf, req.Format, req.Kind, req.Period, req.Filter); err != nil {
		return nil, err
	}
	if err := s.storage.Store(ctx, job.name, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to store report: %w", err)
	}

	return map[string]interface{}{
		"period":          req.Period.Name,
		"views":           overview.Totals.Views,
		"reads":           overview.Totals.Reads,
		"unique_visitors": overview.Totals.UniqueVisitors,
		"completion_rate": fmt.Sprintf("%.2f%%", overview.Totals.CompletionRate*100),
		"views_trend":     string(overview.Trends["views"].Direction),
	}, nil
}

func (s *ReportService) snapshot(job *reportJob) *models.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := *job.report
	return &r
}

// Get returns the current state of a report.
func (s *ReportService) Get(ctx context.Context, id string) (*models.Report, error) {
	s.mu.RLock()
	job, ok := s.reports[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("report", id)
	}
	return s.snapshot(job), nil
}

// Download returns a ready report's contents and format.
func (s *ReportService) Download(ctx context.Context, id string) ([]byte, export.Format, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if report.Status != ReportReady {
		return nil, "", apperr.Conflict("report %s is %s", id, report.Status)
	}

	s.mu.RLock()
	name := s.reports[id].name
	s.mu.RUnlock()

	data, err := s.storage.Retrieve(ctx, name)
	if err != nil {
		return nil, "", fmt.Errorf("failed to retrieve report %s: %w", id, err)
	}
	return data, export.Format(report.Format), nil
}

// Purge forgets finished reports generated before cutoff (YYYY-MM-DD) and
// deletes stored report files from before that date.
func (s *ReportService) Purge(ctx context.Context, cutoff string) (int, error) {
	s.mu.Lock()
	for id, job := range s.reports {
		if job.date < cutoff && job.report.Status != ReportPending {
			delete(s.reports, id)
		}
	}
	s.mu.Unlock()

	return storage.PurgeBefore(ctx, s.storage, reportPrefix, cutoff)
}

// Wait blocks until all in-flight reports finish.
func (s *ReportService) Wait() {
	s.wg.Wait()
}
