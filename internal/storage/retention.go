package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// PurgeBefore deletes objects laid out as {prefix}{YYYY-MM-DD}/... whose date
// is before cutoff (YYYY-MM-DD). Objects without a date segment are kept.
func PurgeBefore(ctx context.Context, store StorageInterface, prefix, cutoff string) (int, error) {
	if _, err := time.Parse("2006-01-02", cutoff); err != nil {
		return 0, fmt.Errorf("invalid retention cutoff %q: %w", cutoff, err)
	}
	names, err := store.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	deleted := 0
	for _, name := range names {
		date, _, ok := strings.Cut(strings.TrimPrefix(name, prefix), "/")
		if !ok {
			continue
		}
		if _, err := time.Parse("2006-01-02", date); err != nil || date >= cutoff {
			continue
		}
		if err := store.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", name, err)
		}
		deleted++
	}
	if deleted > 0 {
		logrus.Infof("Purged %d objects under %s older than %s", deleted, prefix, cutoff)
	}
	return deleted, nil
}
