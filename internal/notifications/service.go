package notifications

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Service pushes publications and reports to the configured distribution channels
type Service struct {
	config *config.Config
	client *resty.Client
	dialer *gomail.Dialer
}

var _ NotificationInterface = (*Service)(nil)

// ChannelMessage is the card posted to the distribution webhook
type ChannelMessage struct {
	Type     string           `json:"@type"`
	Context  string           `json:"@context"`
	Title    string           `json:"title"`
	Text     string           `json:"text"`
	Sections []ChannelSection `json:"sections,omitempty"`
}

type ChannelSection struct {
	ActivityTitle string        `json:"activityTitle,omitempty"`
	ActivityText  string        `json:"activityText,omitempty"`
	Facts         []ChannelFact `json:"facts,omitempty"`
	Markdown      bool          `json:"markdown,omitempty"`
}

type ChannelFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewService creates a new notification service. Webhook calls are retried
// DistributionRetries times with backoff.
func NewService(cfg *config.Config) *Service {
	s := &Service{
		config: cfg,
		client: resty.New().
			SetTimeout(15 * time.Second).
			SetRetryCount(cfg.DistributionRetries).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
	}
	if cfg.SMTPHost != "" {
		s.dialer = gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	}
	return s
}

// NotifyPublished announces a newly published publication on every channel
func (s *Service) NotifyPublished(pub *models.Publication) error {
	var errs []string

	if s.config.DistributionWebhookURL != "" {
		if err := s.post(s.buildPublicationMessage(pub)); err != nil {
			logrus.Errorf("Failed to push publication %s to webhook: %v", pub.ID, err)
			errs = append(errs, fmt.Sprintf("webhook: %v", err))
		} else {
			logrus.WithField("publication_id", pub.ID).Info("Pushed publication to distribution webhook")
		}
	}

	if s.config.NotificationEmail != "" && pub.Flags.Breaking {
		subject := fmt.Sprintf("Breaking: %s", pub.Title)
		body := fmt.Sprintf("%s was published at %s with %d stories.\n",
			pub.Title, formatTime(pub.PublishedAt), pub.MemberCount)
		if err := s.sendEmail(subject, body, ""); err != nil {
			logrus.Errorf("Failed to email publication %s: %v", pub.ID, err)
			errs = append(errs, fmt.Sprintf("email: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("distribution errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendReport delivers a generated analytics report
func (s *Service) SendReport(report *models.Report) error {
	var errs []string

	if s.config.DistributionWebhookURL != "" {
		if err := s.post(s.buildReportMessage(report)); err != nil {
			logrus.Errorf("Failed to send report to webhook: %v", err)
			errs = append(errs, fmt.Sprintf("webhook: %v", err))
		}
	}

	if s.config.NotificationEmail != "" {
		htmlBody, err := buildReportHTML(report)
		if err != nil {
			return fmt.Errorf("failed to build report HTML: %w", err)
		}
		subject := fmt.Sprintf("Engagement report - %s", report.Period)
		if err := s.sendEmail(subject, buildReportText(report), htmlBody); err != nil {
			logrus.Errorf("Failed to send report email: %v", err)
			errs = append(errs, fmt.Sprintf("email: %v", err))
		} else {
			logrus.Info("Sent report via email")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SendAlert posts an operator alert to the webhook
func (s *Service) SendAlert(alert *models.Alert) error {
	if s.config.DistributionWebhookURL == "" {
		logrus.Warnf("Alert dropped, no webhook configured: %s - %s", alert.Type, alert.Title)
		return nil
	}
	return s.post(&ChannelMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Type), alert.Title),
		Text:    alert.Message,
	})
}

func (s *Service) post(message *ChannelMessage) error {
	resp, err := s.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(message).
		Post(s.config.DistributionWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to post channel message: %w", err)
	}

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func (s *Service) sendEmail(subject, textBody, htmlBody string) error {
	if s.dialer == nil {
		return fmt.Errorf("SMTP is not configured")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.config.SMTPUsername)
	m.SetHeader("To", s.config.NotificationEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", textBody)
	if htmlBody != "" {
		m.AddAlternative("text/html", htmlBody)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *Service) buildPublicationMessage(pub *models.Publication) *ChannelMessage {
	facts := []ChannelFact{
		{Name: "Stories", Value: fmt.Sprintf("%d", pub.MemberCount)},
		{Name: "Published", Value: formatTime(pub.PublishedAt)},
	}
	if pub.ExpiresAt != nil {
		facts = append(facts, ChannelFact{Name: "Expires", Value: formatTime(pub.ExpiresAt)})
	}
	if pub.Flags.Breaking {
		facts = append(facts, ChannelFact{Name: "Breaking", Value: "yes"})
	}

	return &ChannelMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   pub.Title,
		Text:    fmt.Sprintf("%s/publications/%s", strings.TrimRight(s.config.PublicBaseURL, "/"), pub.ID),
		Sections: []ChannelSection{{
			ActivityTitle: "Publication",
			Facts:         facts,
			Markdown:      true,
		}},
	}
}

func (s *Service) buildReportMessage(report *models.Report) *ChannelMessage {
	var facts []ChannelFact
	for _, key := range sortedKeys(report.Summary) {
		facts = append(facts, ChannelFact{Name: key, Value: fmt.Sprintf("%v", report.Summary[key])})
	}

	return &ChannelMessage{
		Type:    "MessageCard",
		Context: "https://schema.org/extensions",
		Title:   fmt.Sprintf("Engagement report - %s", report.Period),
		Text:    fmt.Sprintf("[Download](%s)", report.DownloadURL),
		Sections: []ChannelSection{{
			ActivityTitle: "Summary",
			Facts:         facts,
			Markdown:      true,
		}},
	}
}

const reportTemplate = `
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Engagement report</title></head>
<body style="font-family: Arial, sans-serif;">
    <h1>Engagement report</h1>
    <p>{{.Period}} report generated on {{.GeneratedAt.Format "January 2, 2006 at 3:04 PM MST"}}</p>
    <table>
    {{range $name, $value := .Summary}}
        <tr><td><strong>{{$name}}</strong></td><td>{{$value}}</td></tr>
    {{end}}
    </table>
    {{if .DownloadURL}}<p><a href="{{.DownloadURL}}">Download the full report</a></p>{{end}}
</body>
</html>
`

func buildReportHTML(report *models.Report) (string, error) {
	t, err := template.New("report").Parse(reportTemplate)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildReportText(report *models.Report) string {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("Engagement report - %s\n", report.Period))
	text.WriteString(fmt.Sprintf("Generated: %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST")))
	for _, key := range sortedKeys(report.Summary) {
		text.WriteString(fmt.Sprintf("%s: %v\n", key, report.Summary[key]))
	}
	if report.DownloadURL != "" {
		text.WriteString(fmt.Sprintf("\nDownload: %s\n", report.DownloadURL))
	}
	return text.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}
