package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/newsdesk/pubengine/internal/analytics"
	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/notifications"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	rollupParallelism = 4
	jobTimeout        = 5 * time.Minute
	// Rollups older than this are dropped from the cache by maintenance.
	rollupRetention = 2 * 24 * time.Hour
)

// LifecycleRunner moves scheduled and expired publications along
type LifecycleRunner interface {
	ProcessDue(ctx context.Context) (published, expired int, err error)
}

// ReportGenerator starts analytics report generation and purges old reports
type ReportGenerator interface {
	GenerateReport(ctx context.Context, req analytics.ReportRequest) (*models.Report, error)
	Purge(ctx context.Context, cutoff string) (int, error)
}

// Service handles scheduling of background jobs
type Service struct {
	config    *config.Config
	lifecycle LifecycleRunner
	engine    *analytics.Engine
	reports   ReportGenerator
	notifier  notifications.NotificationInterface
	cron      *cron.Cron

	lastDeadLetters int64
	now             func() time.Time
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, lifecycle LifecycleRunner, engine *analytics.Engine, reports ReportGenerator, notifier notifications.NotificationInterface) *Service {
	return &Service{
		config:    cfg,
		lifecycle: lifecycle,
		engine:    engine,
		reports:   reports,
		notifier:  notifier,
		cron:      cron.New(cron.WithSeconds(), cron.WithLocation(cfg.Location())),
		now:       time.Now,
	}
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

// Start registers every job and starts the scheduler
func (s *Service) Start() error {
	jobs := []job{
		{"lifecycle", s.config.LifecycleSchedule, s.RunLifecycle},
		{"rollup refresh", s.config.RollupSchedule, s.RunRollups},
		// Prune idempotency keys and stale rollups, and check the dead-letter trace every 4 hours
		{"maintenance", "0 0 */4 * * *", s.RunMaintenance},
	}
	if spec := reportSpec(s.config.ReportSchedule); spec != "" {
		jobs = append(jobs, job{"report", spec, s.RunReport})
	}

	for _, j := range jobs {
		j := j
		_, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := j.run(ctx); err != nil {
				logrus.Errorf("Scheduled %s run failed: %v", j.name, err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", j.name, j.spec, err)
		}
	}

	s.cron.Start()
	logrus.Infof("Scheduler started with %s reports (lifecycle %q, rollups %q)",
		s.config.ReportSchedule, s.config.LifecycleSchedule, s.config.RollupSchedule)
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		logrus.Info("Scheduler stopped")
	}
}

func reportSpec(schedule string) string {
	switch schedule {
	case "daily":
		// Run daily at 9 AM
		return "0 0 9 * * *"
	case "weekly":
		// Run weekly on Monday at 9 AM
		return "0 0 9 * * MON"
	default:
		return ""
	}
}

// RunLifecycle publishes due publications and expires stale ones.
func (s *Service) RunLifecycle(ctx context.Context) error {
	published, expired, err := s.lifecycle.ProcessDue(ctx)
	if published > 0 || expired > 0 {
		logrus.WithFields(logrus.Fields{
			"published": published,
			"expired":   expired,
		}).Info("Lifecycle run completed")
	}
	return err
}

// RunRollups recomputes rollups touched since the previous run.
func (s *Service) RunRollups(ctx context.Context) error {
	_, err := s.engine.Cache().RefreshDirty(ctx, rollupParallelism)
	return err
}

// RunReport generates the periodic report covering the days before today.
func (s *Service) RunReport(ctx context.Context) error {
	days := 1
	if s.config.ReportSchedule == "weekly" {
		days = 7
	}
	today := s.now().In(s.config.Location())
	end := today.AddDate(0, 0, -1).Format("2006-01-02")
	start := today.AddDate(0, 0, -days).Format("2006-01-02")

	period, err := analytics.ParsePeriod("custom", start, end)
	if err != nil {
		return err
	}

	report, err := s.reports.GenerateReport(ctx, analytics.ReportRequest{
		Period: period,
		Format: "pdf",
		Kind:   analytics.ExportContent,
	})
	if err != nil {
		return fmt.Errorf("failed to start %s report: %w", s.config.ReportSchedule, err)
	}
	logrus.WithField("report_id", report.ID).Infof("Started %s report for %s..%s", s.config.ReportSchedule, start, end)
	return nil
}

// RunMaintenance drops idempotency keys older than two dedup buckets and
// cached rollups past retention, purges stored reports and dead letters past
// the artifact retention, and raises an alert when new events were
// dead-lettered since the last run.
func (s *Service) RunMaintenance(ctx context.Context) error {
	now := s.now()
	pruned := s.engine.PruneDedup(now.Add(-2 * s.config.DedupBucket))
	evicted := s.engine.Cache().Evict(now.Add(-rollupRetention).In(s.config.Location()).Format("2006-01-02"))

	cutoff := now.Add(-s.config.ArtifactRetention).UTC().Format("2006-01-02")
	reports, err := s.reports.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge reports: %w", err)
	}

	sink := s.engine.DeadLetters()
	letters := 0
	if sink != nil {
		if letters, err = sink.Purge(ctx, cutoff); err != nil {
			return fmt.Errorf("failed to purge dead letters: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"dedup_keys":   pruned,
		"rollups":      evicted,
		"reports":      reports,
		"dead_letters": letters,
	}).Debug("Maintenance completed")

	if sink == nil || s.notifier == nil {
		return nil
	}
	count := sink.Total()
	fresh := count - s.lastDeadLetters
	s.lastDeadLetters = count
	if fresh <= 0 {
		return nil
	}

	alert := &models.Alert{
		ID:        uuid.NewString(),
		Type:      "urgent",
		Title:     "Engagement events dead-lettered",
		Message:   fmt.Sprintf("%d events could not be ingested since the last check", fresh),
		CreatedAt: now.UTC(),
	}
	if err := s.notifier.SendAlert(alert); err != nil {
		return fmt.Errorf("failed to send dead-letter alert: %w", err)
	}
	return nil
}
