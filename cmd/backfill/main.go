// Package main replays engagement events from a JSON lines file and
// recomputes the daily rollups they touch.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/newsdesk/pubengine/internal/analytics"
	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/content"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/newsdesk/pubengine/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const ingestBatch = 500

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		eventsFile string
		from       string
		to         string
		timeout    time.Duration
		parallel   int
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay engagement events and recompute daily rollups",
		Long: "Backfill reads engagement events (one JSON object per line), ingests them with the usual " +
			"validation and deduplication, then recomputes every rollup between --from and --to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				logrus.Debug("No .env file found, using environment variables")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cfg.Debug {
				logrus.SetLevel(logrus.DebugLevel)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			events, err := readEvents(eventsFile)
			if err != nil {
				return err
			}

			var store storage.StorageInterface
			if !dryRun {
				if store, err = openStorage(ctx, cfg); err != nil {
					return fmt.Errorf("failed to initialize storage: %w", err)
				}
			}

			sink := analytics.NewDeadLetterSink(store, cfg.DeadLetterBuffer, cfg.DeadLetterRetries)
			engine := analytics.NewEngine(cfg, analytics.NewMemoryEventLog(cfg.EventLogShards), nil, registryFor(cfg, events), sink)

			counts := make(map[analytics.IngestStatus]int)
			for start := 0; start < len(events); start += ingestBatch {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("backfill aborted after %d events: %w", start, err)
				}
				end := start + ingestBatch
				if end > len(events) {
					end = len(events)
				}
				for _, res := range engine.IngestBatch(ctx, events[start:end]) {
					counts[res.Status]++
				}
			}
			sink.Close()

			result, err := engine.Backfill(ctx, from, to, parallel, store)
			if err != nil {
				return fmt.Errorf("backfill failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Read %d events from %s\n", len(events), eventsFile)
			fmt.Fprintf(out, "  accepted:     %d\n", counts[analytics.IngestAccepted])
			fmt.Fprintf(out, "  deduplicated: %d\n", counts[analytics.IngestDeduplicated])
			fmt.Fprintf(out, "  rejected:     %d\n", counts[analytics.IngestRejected])
			fmt.Fprintf(out, "  failed:       %d\n", counts[analytics.IngestFailed])
			fmt.Fprintf(out, "Recomputed %d rollups for %d targets (%s..%s)\n", result.Rollups, result.Targets, result.From, result.To)
			if dryRun {
				fmt.Fprintln(out, "Dry run: nothing was written")
			}
			return nil
		},
	}

	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	cmd.Flags().StringVarP(&eventsFile, "events", "e", "", "JSON lines file of engagement events (- for stdin)")
	cmd.Flags().StringVar(&from, "from", yesterday, "First date to recompute (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", yesterday, "Last date to recompute (YYYY-MM-DD)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Minute, "Abort the backfill after this long")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "Rollups computed concurrently")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute rollups without writing them to storage")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}

func readEvents(name string) ([]models.EngagementEvent, error) {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open events file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var events []models.EngagementEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev models.EngagementEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			logrus.Warnf("Skipping line %d: %v", line, err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// registryFor uses the content API when configured. Without one, the content
// items named in the replayed events are trusted as they are.
func registryFor(cfg *config.Config, events []models.EngagementEvent) content.Registry {
	if cfg.ContentAPIURL != "" {
		return content.NewHTTPRegistry(cfg.ContentAPIURL, cfg.ContentAPIToken, cfg.ContentCacheTTL)
	}

	seen := make(map[string]bool)
	var items []models.ContentItem
	for _, ev := range events {
		if ev.Target.Kind != models.TargetContentItem || seen[ev.Target.ID] {
			continue
		}
		seen[ev.Target.ID] = true
		items = append(items, models.ContentItem{ID: ev.Target.ID, Category: ev.Category, Author: ev.Author, Published: true})
	}
	logrus.Infof("No content API configured, trusting %d content items from the events file", len(items))
	return content.NewMemoryRegistry(items...)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.StorageInterface, error) {
	if cfg.StorageAccount != "" {
		return storage.NewAzureStorage(ctx, cfg.StorageAccount, cfg.StorageContainer)
	}
	return storage.NewLocalStorage(cfg.LocalStorageDir)
}
