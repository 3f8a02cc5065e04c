package models

import "time"

// ContentItem is an existing article owned by the CMS. The engine only reads it.
type ContentItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Category  string `json:"category"`
	Published bool   `json:"published"`
	ViewCount int64  `json:"view_count"`
	ReadCount int64  `json:"read_count"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// PublicationState is a lifecycle state
type PublicationState string

const (
	StateDraft     PublicationState = "draft"
	StateScheduled PublicationState = "scheduled"
	StatePublished PublicationState = "published"
	StateExpired   PublicationState = "expired"
	StateArchived  PublicationState = "archived"
)

// PublicationMember references a content item inside a publication
type PublicationMember struct {
	ContentItemID string `json:"content_item_id"`
	Order         int    `json:"order"`
	Visible       bool   `json:"visible"`
	MainStory     bool   `json:"main_story"`
	Section       string `json:"section,omitempty"`
}

// DistributionFlags control how a publication is exposed to readers
type DistributionFlags struct {
	AllowComments bool `json:"allow_comments"`
	AllowSharing  bool `json:"allow_sharing"`
	Featured      bool `json:"featured"`
	Breaking      bool `json:"breaking"`
	RequireAuth   bool `json:"require_auth"`
}

// Publication is an editor-assembled set of content items tracked as one unit.
type Publication struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	State       PublicationState    `json:"state"`
	Members     []PublicationMember `json:"members"`
	Flags       DistributionFlags   `json:"flags"`
	ScheduledAt *time.Time          `json:"scheduled_at,omitempty"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	PublishedAt *time.Time          `json:"published_at,omitempty"`

	// ReadCompletionThreshold overrides the engine-wide threshold when > 0.
	ReadCompletionThreshold float64 `json:"read_completion_threshold,omitempty"`

	// Cached for listing queries; recomputed on every member change.
	MemberCount  int  `json:"member_count"`
	HasMainStory bool `json:"has_main_story"`

	// AttributionSnapshot is the member id list frozen at publish time.
	AttributionSnapshot []string `json:"attribution_snapshot,omitempty"`

	ViewCount       int64 `json:"view_count"`
	ShareCount      int64 `json:"share_count"`
	EngagementCount int64 `json:"engagement_count"`

	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (p *Publication) Clone() *Publication {
	if p == nil {
		return nil
	}
	c := *p
	c.Members = append([]PublicationMember(nil), p.Members...)
	c.AttributionSnapshot = append([]string(nil), p.AttributionSnapshot...)
	c.ScheduledAt = cloneTime(p.ScheduledAt)
	c.ExpiresAt = cloneTime(p.ExpiresAt)
	c.PublishedAt = cloneTime(p.PublishedAt)
	c.DeletedAt = cloneTime(p.DeletedAt)
	return &c
}

// IsDeleted reports whether the publication was soft-deleted
func (p *Publication) IsDeleted() bool {
	return p.DeletedAt != nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TargetKind tells whether an id refers to a publication or a content item
type TargetKind string

const (
	TargetPublication TargetKind = "publication"
	TargetContentItem TargetKind = "content_item"
)

// Target identifies what a code or event is about.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// PromotionCode attributes clicks and conversions to a target and channel.
type PromotionCode struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	Target          Target     `json:"target"`
	Channel         string     `json:"channel"`
	Custom          bool       `json:"custom"`
	Active          bool       `json:"active"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	MaxUses         *int64     `json:"max_uses,omitempty"`
	CurrentUses     int64      `json:"current_uses"`
	ClickCount      int64      `json:"click_count"`
	ConversionCount int64      `json:"conversion_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ConversionRate is computed on read and never stored.
func (c *PromotionCode) ConversionRate() float64 {
	clicks := c.ClickCount
	if clicks < 1 {
		clicks = 1
	}
	return float64(c.ConversionCount) / float64(clicks)
}

// ShareLink is a trackable URL derived from a promotion code
type ShareLink struct {
	ID        string    `json:"id"`
	CodeID    string    `json:"code_id"`
	Code      string    `json:"code"`
	TargetURL string    `json:"target_url"`
	URL       string    `json:"url"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// EventKind is the kind of reader action
type EventKind string

const (
	EventView       EventKind = "view"
	EventRead       EventKind = "read"
	EventShare      EventKind = "share"
	EventEngagement EventKind = "engagement"
)

// EventDimensions are the tags an event can be broken down by.
type EventDimensions struct {
	Country    string `json:"country,omitempty"`
	City       string `json:"city,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Browser    string `json:"browser,omitempty"`
	Referrer   string `json:"referrer,omitempty"`
}

// EngagementEvent is an immutable fact about one reader action.
type EngagementEvent struct {
	ID              string          `json:"id"`
	Kind            EventKind       `json:"kind"`
	Target          Target          `json:"target"`
	PromotionCodeID string          `json:"promotion_code_id,omitempty"`
	SessionID       string          `json:"session_id"`
	VisitorID       string          `json:"visitor_id,omitempty"`
	Dimensions      EventDimensions `json:"dimensions"`
	DurationSeconds float64         `json:"duration_seconds,omitempty"`
	Completion      float64         `json:"completion,omitempty"` // fraction read, 0 to 1
	OccurredAt      time.Time       `json:"occurred_at"`

	// Resolved at ingestion from the content registry
	Category string `json:"category,omitempty"`
	Author   string `json:"author,omitempty"`
}

// Visitor returns the identity used for unique-visitor counting.
func (e *EngagementEvent) Visitor() string {
	if e.VisitorID != "" {
		return e.VisitorID
	}
	return e.SessionID
}

// DailyRollup is a derived aggregate for one target and date.
type DailyRollup struct {
	Date            string     `json:"date"`
	TargetKind      TargetKind `json:"target_kind"`
	TargetID        string     `json:"target_id"`
	Views           int64      `json:"views"`
	Reads           int64      `json:"reads"`
	Shares          int64      `json:"shares"`
	Engagements     int64      `json:"engagements"`
	UniqueVisitors  int64      `json:"unique_visitors"`
	AvgReadDuration float64    `json:"avg_read_duration"`
	CompletionRate  float64    `json:"completion_rate"`
}

// Direction of a trend
type Direction string

const (
	DirectionUp     Direction = "up"
	DirectionDown   Direction = "down"
	DirectionStable Direction = "stable"
)

// TrendDelta is the comparison of two windows of the same metric.
type TrendDelta struct {
	Current    float64   `json:"current"`
	Previous   float64   `json:"previous"`
	Delta      float64   `json:"delta"`
	Percentage float64   `json:"percentage"`
	Direction  Direction `json:"direction"`
}

// BulkResult reports the outcome of one item of a bulk operation
type BulkResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DeadLetter records an event that could not be ingested.
type DeadLetter struct {
	ID         string           `json:"id"`
	Reason     string           `json:"reason"`
	Event      *EngagementEvent `json:"event,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// Report is a generated analytics report stored for download.
type Report struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"` // "pending", "ready", "failed"
	Format      string    `json:"format"`
	Period      string    `json:"period"`
	DownloadURL string    `json:"download_url,omitempty"`
	Error       string    `json:"error,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`

	Summary map[string]interface{} `json:"summary,omitempty"`
}

// Alert represents an operator notification
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "critical", "urgent", "info"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
