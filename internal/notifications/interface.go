package notifications

import "github.com/newsdesk/pubengine/internal/models"

// NotificationInterface defines the contract for distribution channels
type NotificationInterface interface {
	NotifyPublished(pub *models.Publication) error
	SendReport(report *models.Report) error
	SendAlert(alert *models.Alert) error
}
