package publication

import (
	"context"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
)

// BulkAction names an operation applied to many publications at once
type BulkAction string

const (
	BulkPublish   BulkAction = "publish"
	BulkUnpublish BulkAction = "unpublish"
	BulkArchive   BulkAction = "archive"
	BulkDelete    BulkAction = "delete"
)

// Bulk applies action to every id independently. One failure never aborts
// the batch; the result lists each item's outcome in input order.
func (s *Service) Bulk(ctx context.Context, action BulkAction, ids []string) []models.BulkResult {
	results := make([]models.BulkResult, 0, len(ids))
	failed := 0

	for _, id := range ids {
		err := ctx.Err()
		if err == nil {
			err = s.applyBulk(ctx, action, id)
		}

		result := models.BulkResult{ID: id, OK: err == nil}
		if err != nil {
			result.Error = err.Error()
			failed++
		}
		results = append(results, result)
	}

	logrus.WithFields(logrus.Fields{
		"action": action,
		"total":  len(ids),
		"failed": failed,
	}).Info("Bulk publication operation finished")
	return results
}

func (s *Service) applyBulk(ctx context.Context, action BulkAction, id string) error {
	var err error
	switch action {
	case BulkPublish:
		_, err = s.Publish(ctx, id)
	case BulkUnpublish:
		_, err = s.Unpublish(ctx, id)
	case BulkArchive:
		_, err = s.Archive(ctx, id)
	case BulkDelete:
		err = s.Delete(ctx, id)
	default:
		err = apperr.Validation("action", "unknown bulk action %q", action)
	}
	return err
}
