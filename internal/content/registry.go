// Package content is the read-only view over the CMS content items a
// publication can be assembled from.
package content

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
)

// Registry resolves content items by id
type Registry interface {
	Get(ctx context.Context, id string) (*models.ContentItem, error)
	List(ctx context.Context, filter Filter) ([]models.ContentItem, error)
}

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	Category      string
	Author        string
	PublishedOnly bool
}

func (f Filter) matches(item *models.ContentItem) bool {
	if item.Deleted {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, item.Category) {
		return false
	}
	if f.Author != "" && !strings.EqualFold(f.Author, item.Author) {
		return false
	}
	if f.PublishedOnly && !item.Published {
		return false
	}
	return true
}

// MemoryRegistry keeps content items in process
type MemoryRegistry struct {
	mu    sync.RWMutex
	items map[string]models.ContentItem
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry(items ...models.ContentItem) *MemoryRegistry {
	r := &MemoryRegistry{items: make(map[string]models.ContentItem, len(items))}
	for _, item := range items {
		r.items[item.ID] = item
	}
	return r
}

// Put adds or replaces an item. The CMS sync path is the only writer.
func (r *MemoryRegistry) Put(item models.ContentItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*models.ContentItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok || item.Deleted {
		return nil, apperr.NotFound("content item", id)
	}
	return &item, nil
}

func (r *MemoryRegistry) List(ctx context.Context, filter Filter) ([]models.ContentItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ContentItem
	for _, item := range r.items {
		item := item
		if filter.matches(&item) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
