package promotion

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/export"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type stubTargets struct {
	known map[string]bool
}

func (s stubTargets) CheckTarget(ctx context.Context, target models.Target) error {
	if !s.known[target.ID] {
		return apperr.NotFound(string(target.Kind), target.ID)
	}
	return nil
}

func newTestLedger() (*Ledger, *time.Time) {
	ledger := NewLedger(config.Default(), stubTargets{known: map[string]bool{"pub-1": true, "a1": true}})
	now := baseTime
	ledger.now = func() time.Time { return now }
	return ledger, &now
}

var pubTarget = models.Target{Kind: models.TargetPublication, ID: "pub-1"}

func int64Ptr(v int64) *int64 { return &v }

func TestLedger_IssueCode(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	code, err := ledger.IssueCode(ctx, pubTarget, "Newsletter", IssueOptions{})
	require.NoError(t, err)
	assert.Len(t, code.Code, 8)
	assert.Equal(t, "newsletter", code.Channel)
	assert.True(t, code.Active)

	got, err := ledger.GetByCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.ID, got.ID)
}

func TestLedger_IssueCode_Rejects(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name    string
		target  models.Target
		channel string
		opts    IssueOptions
		check   func(error) bool
	}{
		{name: "Unknown kind", target: models.Target{Kind: "user", ID: "x"}, channel: "sms", check: apperr.IsValidation},
		{name: "Missing channel", target: pubTarget, channel: " ", check: apperr.IsValidation},
		{name: "Zero max uses", target: pubTarget, channel: "sms", opts: IssueOptions{MaxUses: int64Ptr(0)}, check: apperr.IsValidation},
		{name: "Past expiry", target: pubTarget, channel: "sms", opts: IssueOptions{ExpiresAt: timePtr(baseTime.Add(-time.Hour))}, check: apperr.IsValidation},
		{name: "Bad custom code", target: pubTarget, channel: "sms", opts: IssueOptions{CustomCode: "no spaces"}, check: apperr.IsValidation},
		{name: "Unknown target", target: models.Target{Kind: models.TargetContentItem, ID: "ghost"}, channel: "sms", check: apperr.IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.IssueCode(ctx, tt.target, tt.channel, tt.opts)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestLedger_CustomCodeConflict(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.IssueCode(ctx, pubTarget, "social", IssueOptions{CustomCode: "SPRING26"})
	require.NoError(t, err)

	_, err = ledger.IssueCode(ctx, models.Target{Kind: models.TargetContentItem, ID: "a1"}, "email", IssueOptions{CustomCode: "spring26"})
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestLedger_GenerationRetriesThenExhausts(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	_, err := ledger.IssueCode(ctx, pubTarget, "social", IssueOptions{CustomCode: "TAKEN"})
	require.NoError(t, err)

	attempts := 0
	ledger.generate = func(n int) (string, error) {
		attempts++
		if attempts < 3 {
			return "TAKEN", nil
		}
		return "FRESH", nil
	}
	code, err := ledger.IssueCode(ctx, pubTarget, "social", IssueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "FRESH", code.Code)
	assert.Equal(t, 3, attempts)

	attempts = 0
	ledger.generate = func(n int) (string, error) {
		attempts++
		return "taken", nil
	}
	_, err = ledger.IssueCode(ctx, pubTarget, "social", IssueOptions{})
	require.Error(t, err)
	assert.True(t, apperr.IsExhausted(err))
	assert.Equal(t, ledger.config.PromoCodeMaxAttempts, attempts)
}

func TestLedger_ResolveClick_MaxUsesOne(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	code, err := ledger.IssueCode(ctx, pubTarget, "sms", IssueOptions{MaxUses: int64Ptr(1)})
	require.NoError(t, err)

	first, err := ledger.ResolveClick(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, ClickAttributed, first.Status)
	assert.Equal(t, int64(1), first.Code.CurrentUses)
	assert.Equal(t, int64(1), *first.Code.MaxUses)

	second, err := ledger.ResolveClick(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, ClickExhausted, second.Status)
	assert.Equal(t, int64(1), second.Code.ClickCount)
}

func TestLedger_ResolveClick_States(t *testing.T) {
	ledger, now := newTestLedger()
	ctx := context.Background()

	_, err := ledger.ResolveClick(ctx, "nope")
	assert.True(t, apperr.IsNotFound(err))

	code, err := ledger.IssueCode(ctx, pubTarget, "sms", IssueOptions{ExpiresAt: timePtr(baseTime.Add(time.Hour))})
	require.NoError(t, err)

	_, err = ledger.SetActive(ctx, code.ID, false)
	require.NoError(t, err)
	result, err := ledger.ResolveClick(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, ClickInactive, result.Status)

	_, err = ledger.SetActive(ctx, code.ID, true)
	require.NoError(t, err)
	*now = baseTime.Add(2 * time.Hour)
	result, err = ledger.ResolveClick(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, ClickExpired, result.Status)
	assert.Equal(t, int64(0), result.Code.ClickCount)
}

func TestLedger_RecordConversion(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	code, err := ledger.IssueCode(ctx, pubTarget, "email", IssueOptions{})
	require.NoError(t, err)

	// no prior click: recorded as a click-and-conversion pair
	c, err := ledger.RecordConversion(ctx, code.Code, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.ClickCount)
	assert.Equal(t, int64(1), c.ConversionCount)

	for i := 0; i < 3; i++ {
		_, err := ledger.ResolveClick(ctx, code.Code)
		require.NoError(t, err)
	}
	c, err = ledger.RecordConversion(ctx, code.Code, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.ClickCount)
	assert.Equal(t, int64(3), c.ConversionCount)

	rate, err := ledger.ConversionRate(ctx, code.Code)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rate, 1e-9)

	_, err = ledger.RecordConversion(ctx, code.Code, 0)
	assert.True(t, apperr.IsValidation(err))
}

func TestLedger_RecordConversion_RespectsCeiling(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	code, err := ledger.IssueCode(ctx, pubTarget, "email", IssueOptions{MaxUses: int64Ptr(2)})
	require.NoError(t, err)

	c, err := ledger.RecordConversion(ctx, code.Code, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.ClickCount)
	assert.Equal(t, int64(2), c.ConversionCount)

	_, err = ledger.RecordConversion(ctx, code.Code, 1)
	assert.True(t, apperr.IsExhausted(err))
}

func TestLedger_ConversionRateWithoutClicks(t *testing.T) {
	ledger, _ := newTestLedger()
	code, err := ledger.IssueCode(context.Background(), pubTarget, "email", IssueOptions{})
	require.NoError(t, err)

	rate, err := ledger.ConversionRate(context.Background(), code.Code)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)
}

func TestLedger_ConcurrentCountersHoldInvariants(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	code, err := ledger.IssueCode(ctx, pubTarget, "social", IssueOptions{MaxUses: int64Ptr(50)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	attributed := 0
	for i := 0; i < 200; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			result, err := ledger.ResolveClick(ctx, code.Code)
			if assert.NoError(t, err) && result.Attributed() {
				mu.Lock()
				attributed++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = ledger.RecordConversion(ctx, code.Code, 1)
		}()
	}
	wg.Wait()

	final, err := ledger.Get(ctx, code.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, final.ConversionCount, final.ClickCount)
	assert.LessOrEqual(t, final.ClickCount, *final.MaxUses)
	assert.Equal(t, final.CurrentUses, final.ClickCount)
	assert.LessOrEqual(t, attributed, 50)
}

func TestLedger_ShareLinks(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	code, err := ledger.IssueCode(ctx, pubTarget, "chat", IssueOptions{CustomCode: "CHAT1", MaxUses: int64Ptr(1)})
	require.NoError(t, err)

	_, err = ledger.IssueShareLink(ctx, code.ID, "not a url")
	assert.True(t, apperr.IsValidation(err))

	link, err := ledger.IssueShareLink(ctx, code.ID, "https://news.example.com/briefing?utm=x")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/s/"+link.ID, link.URL)

	first, err := ledger.FollowShareLink(ctx, link.ID)
	require.NoError(t, err)
	assert.True(t, first.Attributed)
	assert.Contains(t, first.Location, "ref=CHAT1")
	assert.Contains(t, first.Location, "utm=x")

	second, err := ledger.FollowShareLink(ctx, link.ID)
	require.NoError(t, err)
	assert.False(t, second.Attributed)
	assert.Equal(t, ClickExhausted, second.Status)
	assert.Equal(t, "https://news.example.com/briefing?utm=x", second.Location)

	_, err = ledger.SetShareLinkActive(ctx, link.ID, false)
	require.NoError(t, err)
	third, err := ledger.FollowShareLink(ctx, link.ID)
	require.NoError(t, err)
	assert.Equal(t, ClickInactive, third.Status)

	assert.Len(t, ledger.ShareLinks(ctx, code.ID), 1)
}

func TestLedger_BulkUpdateAndExport(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()

	a, err := ledger.IssueCode(ctx, pubTarget, "sms", IssueOptions{CustomCode: "AAA"})
	require.NoError(t, err)
	_, err = ledger.ResolveClick(ctx, a.Code)
	require.NoError(t, err)
	_, err = ledger.ResolveClick(ctx, a.Code)
	require.NoError(t, err)

	inactive := false
	results := ledger.BulkUpdate(ctx, []CodeUpdate{
		{ID: a.ID, Active: &inactive},
		{ID: a.ID, MaxUses: int64Ptr(1)},
		{ID: "missing"},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.False(t, results[2].OK)

	assert.Empty(t, ledger.List(ctx, ListFilter{ActiveOnly: true}))

	var buf bytes.Buffer
	require.NoError(t, ledger.Export(ctx, &buf, export.FormatCSV, ListFilter{}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], ",AAA,publication,pub-1,sms,false,,,2,2,0,0.0000")

	assert.True(t, apperr.IsValidation(ledger.Export(ctx, &buf, export.FormatPDF, ListFilter{})))
}

func timePtr(t time.Time) *time.Time { return &t }
