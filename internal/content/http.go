package content

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
	"github.com/sirupsen/logrus"
)

// HTTPRegistry reads content items from the CMS content API
type HTTPRegistry struct {
	client   *resty.Client
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cachedItem
	now   func() time.Time
}

type cachedItem struct {
	item    models.ContentItem
	fetched time.Time
}

type itemListResponse struct {
	Items []models.ContentItem `json:"items"`
}

var _ Registry = (*HTTPRegistry)(nil)

// NewHTTPRegistry creates a registry backed by the CMS at baseURL
func NewHTTPRegistry(baseURL, token string, cacheTTL time.Duration) *HTTPRegistry {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("User-Agent", "PubEngine/1.0").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}

	return &HTTPRegistry{
		client:   client,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedItem),
		now:      time.Now,
	}
}

func (h *HTTPRegistry) Get(ctx context.Context, id string) (*models.ContentItem, error) {
	if item, ok := h.cached(id); ok {
		return item, nil
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Get("/items/{id}")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content item %s: %w", id, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, apperr.NotFound("content item", id)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("content API returned status %d for item %s", resp.StatusCode(), id)
	}

	var item models.ContentItem
	if err := json.Unmarshal(resp.Body(), &item); err != nil {
		return nil, fmt.Errorf("failed to decode content item %s: %w", id, err)
	}
	if item.Deleted {
		return nil, apperr.NotFound("content item", id)
	}

	h.store(item)
	return &item, nil
}

func (h *HTTPRegistry) List(ctx context.Context, filter Filter) ([]models.ContentItem, error) {
	req := h.client.R().SetContext(ctx)
	if filter.Category != "" {
		req.SetQueryParam("category", filter.Category)
	}
	if filter.Author != "" {
		req.SetQueryParam("author", filter.Author)
	}
	if filter.PublishedOnly {
		req.SetQueryParam("published", "true")
	}

	resp, err := req.Get("/items")
	if err != nil {
		return nil, fmt.Errorf("failed to list content items: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("content API returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	var body itemListResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("failed to decode content listing: %w", err)
	}

	var out []models.ContentItem
	for _, item := range body.Items {
		item := item
		if filter.matches(&item) {
			h.store(item)
			out = append(out, item)
		}
	}

	logrus.Debugf("Fetched %d content items from CMS", len(out))
	return out, nil
}

func (h *HTTPRegistry) cached(id string) (*models.ContentItem, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.cache[id]
	if !ok || h.now().Sub(entry.fetched) > h.cacheTTL {
		return nil, false
	}
	item := entry.item
	return &item, true
}

func (h *HTTPRegistry) store(item models.ContentItem) {
	if h.cacheTTL <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache[item.ID] = cachedItem{item: item, fetched: h.now()}
}
