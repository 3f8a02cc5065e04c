// Package promotion issues trackable promotion codes and share links and
// attributes clicks and conversions back to them.
package promotion

import (
	"context"
	"crypto/rand"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
)

// ClickStatus is the outcome of resolving a click
type ClickStatus string

const (
	ClickAttributed ClickStatus = "attributed"
	ClickInactive   ClickStatus = "inactive"
	ClickExpired    ClickStatus = "expired"
	ClickExhausted  ClickStatus = "exhausted"
)

// ClickResult tells the caller whether the click was attributed. Inactive,
// expired and exhausted codes are ordinary outcomes, so the caller can still
// redirect the visitor without attribution.
type ClickResult struct {
	Status ClickStatus           `json:"status"`
	Code   *models.PromotionCode `json:"code"`
}

// Attributed reports whether the click counted against the code.
func (r ClickResult) Attributed() bool {
	return r.Status == ClickAttributed
}

// IssueOptions are the optional settings of a new code
type IssueOptions struct {
	CustomCode string     `json:"custom_code,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	MaxUses    *int64     `json:"max_uses,omitempty"`
}

// TargetChecker confirms that a publication or content item exists.
type TargetChecker interface {
	CheckTarget(ctx context.Context, target models.Target) error
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// Ledger owns promotion codes and share links
type Ledger struct {
	config  *config.Config
	targets TargetChecker

	// mu guards the indexes only. Counters live behind each entry's own lock.
	mu      sync.RWMutex
	codes   map[string]*entry // by id
	byCode  map[string]string // lower-cased code -> id
	links   map[string]*models.ShareLink
	linksBy map[string][]string // code id -> link ids

	generate func(n int) (string, error)
	now      func() time.Time
}

type entry struct {
	mu   sync.Mutex
	code models.PromotionCode
}

func (e *entry) snapshot() *models.PromotionCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyCode(&e.code)
}

// NewLedger creates an empty ledger. targets may be nil to skip existence checks.
func NewLedger(cfg *config.Config, targets TargetChecker) *Ledger {
	return &Ledger{
		config:   cfg,
		targets:  targets,
		codes:    make(map[string]*entry),
		byCode:   make(map[string]string),
		links:    make(map[string]*models.ShareLink),
		linksBy:  make(map[string][]string),
		generate: randomCode,
		now:      time.Now,
	}
}

// IssueCode creates a code for target on channel. A generated code is retried
// on collision up to PromoCodeMaxAttempts times; a custom code must be unique.
func (l *Ledger) IssueCode(ctx context.Context, target models.Target, channel string, opts IssueOptions) (*models.PromotionCode, error) {
	if target.Kind != models.TargetPublication && target.Kind != models.TargetContentItem {
		return nil, apperr.Validation("target.kind", "must be %q or %q", models.TargetPublication, models.TargetContentItem)
	}
	if strings.TrimSpace(target.ID) == "" {
		return nil, apperr.Validation("target.id", "must not be empty")
	}
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return nil, apperr.Validation("channel", "must not be empty")
	}
	if opts.MaxUses != nil && *opts.MaxUses < 1 {
		return nil, apperr.Validation("max_uses", "must be at least 1")
	}
	now := l.now()
	if opts.ExpiresAt != nil && !opts.ExpiresAt.After(now) {
		return nil, apperr.Validation("expires_at", "must be in the future")
	}
	custom := strings.TrimSpace(opts.CustomCode)
	if custom != "" && !validCustomCode(custom) {
		return nil, apperr.Validation("custom_code", "must be 3-64 characters of letters, digits, '-' or '_'")
	}

	if l.targets != nil {
		if err := l.targets.CheckTarget(ctx, target); err != nil {
			return nil, err
		}
	}

	code := models.PromotionCode{
		ID:        uuid.NewString(),
		Target:    target,
		Channel:   channel,
		Custom:    custom != "",
		Active:    true,
		ExpiresAt: opts.ExpiresAt,
		MaxUses:   opts.MaxUses,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if custom != "" {
		code.Code = custom
		if !l.insert(&code) {
			return nil, apperr.Conflict("promotion code %q is already taken", custom)
		}
	} else {
		issued := false
		for attempt := 1; attempt <= l.config.PromoCodeMaxAttempts; attempt++ {
			generated, err := l.generate(l.config.PromoCodeLength)
			if err != nil {
				return nil, err
			}
			code.Code = generated
			if l.insert(&code) {
				issued = true
				break
			}
			logrus.Debugf("Promotion code collision on attempt %d", attempt)
		}
		if !issued {
			return nil, apperr.Exhausted("could not generate a unique code in %d attempts", l.config.PromoCodeMaxAttempts)
		}
	}

	logrus.WithFields(logrus.Fields{
		"code_id": code.ID,
		"target":  target.ID,
		"channel": channel,
	}).Info("Promotion code issued")
	return copyCode(&code), nil
}

func (l *Ledger) insert(code *models.PromotionCode) bool {
	key := strings.ToLower(code.Code)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.byCode[key]; taken {
		return false
	}
	l.byCode[key] = code.ID
	l.codes[code.ID] = &entry{code: *copyCode(code)}
	return true
}

func (l *Ledger) entryByCode(code string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byCode[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return nil, apperr.NotFound("promotion code", code)
	}
	return l.codes[id], nil
}

func (l *Ledger) entryByID(id string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.codes[id]
	if !ok {
		return nil, apperr.NotFound("promotion code", id)
	}
	return e, nil
}

// ResolveClick attributes one click to code. Unknown codes fail with
// NotFoundError; unusable ones come back as a non-attributed result.
func (l *Ledger) ResolveClick(ctx context.Context, code string) (ClickResult, error) {
	e, err := l.entryByCode(code)
	if err != nil {
		return ClickResult{}, err
	}
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	status := usability(&e.code, now)
	if status == ClickAttributed {
		e.code.ClickCount++
		e.code.CurrentUses++
		e.code.UpdatedAt = now
	}
	return ClickResult{Status: status, Code: copyCode(&e.code)}, nil
}

func usability(c *models.PromotionCode, now time.Time) ClickStatus {
	switch {
	case !c.Active:
		return ClickInactive
	case c.ExpiresAt != nil && !now.Before(*c.ExpiresAt):
		return ClickExpired
	case c.MaxUses != nil && c.CurrentUses >= *c.MaxUses:
		return ClickExhausted
	default:
		return ClickAttributed
	}
}

// RecordConversion adds weight conversions to code. Conversions never exceed
// clicks: any part of weight without a matching click is recorded as a
// click-and-conversion pair, as far as the use ceiling allows.
func (l *Ledger) RecordConversion(ctx context.Context, code string, weight int64) (*models.PromotionCode, error) {
	if weight < 1 {
		return nil, apperr.Validation("weight", "must be at least 1")
	}
	e, err := l.entryByCode(code)
	if err != nil {
		return nil, err
	}
	now := l.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	c := &e.code
	unconverted := c.ClickCount - c.ConversionCount
	fromClicks := min64(weight, unconverted)
	extra := weight - fromClicks

	if extra > 0 && c.MaxUses != nil {
		extra = min64(extra, *c.MaxUses-c.CurrentUses)
	}
	if fromClicks+extra == 0 {
		return nil, apperr.Exhausted("code %s has no clicks left to convert", c.Code)
	}

	c.ClickCount += extra
	c.CurrentUses += extra
	c.ConversionCount += fromClicks + extra
	c.UpdatedAt = now
	return copyCode(c), nil
}

// ConversionRate returns conversions / max(clicks, 1) for code.
func (l *Ledger) ConversionRate(ctx context.Context, code string) (float64, error) {
	e, err := l.entryByCode(code)
	if err != nil {
		return 0, err
	}
	return e.snapshot().ConversionRate(), nil
}

// Get returns a code by id
func (l *Ledger) Get(ctx context.Context, id string) (*models.PromotionCode, error) {
	e, err := l.entryByID(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// GetByCode returns a code by its code string
func (l *Ledger) GetByCode(ctx context.Context, code string) (*models.PromotionCode, error) {
	e, err := l.entryByCode(code)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// ListFilter narrows code listings
type ListFilter struct {
	TargetID   string
	Channel    string
	ActiveOnly bool
}

func (l *Ledger) List(ctx context.Context, filter ListFilter) []*models.PromotionCode {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.codes))
	for _, e := range l.codes {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var out []*models.PromotionCode
	for _, e := range entries {
		c := e.snapshot()
		if filter.TargetID != "" && c.Target.ID != filter.TargetID {
			continue
		}
		if filter.Channel != "" && !strings.EqualFold(c.Channel, filter.Channel) {
			continue
		}
		if filter.ActiveOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetActive toggles whether a code can attribute clicks
func (l *Ledger) SetActive(ctx context.Context, id string, active bool) (*models.PromotionCode, error) {
	return l.update(id, func(c *models.PromotionCode) error {
		c.Active = active
		return nil
	})
}

// CodeUpdate is one item of a bulk update. Nil fields are left unchanged.
type CodeUpdate struct {
	ID        string     `json:"id"`
	Active    *bool      `json:"active,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	MaxUses   *int64     `json:"max_uses,omitempty"`
}

// BulkUpdate applies every update independently and reports each outcome.
func (l *Ledger) BulkUpdate(ctx context.Context, updates []CodeUpdate) []models.BulkResult {
	results := make([]models.BulkResult, 0, len(updates))
	for _, u := range updates {
		u := u
		_, err := l.update(u.ID, func(c *models.PromotionCode) error {
			if u.MaxUses != nil {
				if *u.MaxUses < c.CurrentUses {
					return apperr.Validation("max_uses", "cannot be lowered below current uses (%d)", c.CurrentUses)
				}
				c.MaxUses = u.MaxUses
			}
			if u.ExpiresAt != nil {
				c.ExpiresAt = u.ExpiresAt
			}
			if u.Active != nil {
				c.Active = *u.Active
			}
			return nil
		})

		result := models.BulkResult{ID: u.ID, OK: err == nil}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}
	return results
}

func (l *Ledger) update(id string, fn func(c *models.PromotionCode) error) (*models.PromotionCode, error) {
	e, err := l.entryByID(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := *copyCode(&e.code)
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = l.now()
	e.code = next
	return copyCode(&e.code), nil
}

func copyCode(c *models.PromotionCode) *models.PromotionCode {
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	if c.MaxUses != nil {
		m := *c.MaxUses
		out.MaxUses = &m
	}
	return &out
}

func randomCode(n int) (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

func validCustomCode(s string) bool {
	if len(s) < 3 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
