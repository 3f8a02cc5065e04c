package publication

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
)

// Repository persists publications. Implementations must return copies so
// callers cannot mutate stored state without going through Update.
type Repository interface {
	Create(ctx context.Context, pub *models.Publication) error
	Get(ctx context.Context, id string) (*models.Publication, error)
	// Update stores pub if the stored version still equals expectedVersion.
	Update(ctx context.Context, pub *models.Publication, expectedVersion int64) error
	List(ctx context.Context, filter ListFilter) ([]*models.Publication, error)
}

// ListFilter narrows publication listings
type ListFilter struct {
	State          models.PublicationState
	TitleContains  string
	IncludeDeleted bool
	FeaturedOnly   bool
}

// MemoryRepository keeps publications in process
type MemoryRepository struct {
	mu   sync.RWMutex
	pubs map[string]*models.Publication
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{pubs: make(map[string]*models.Publication)}
}

func (r *MemoryRepository) Create(ctx context.Context, pub *models.Publication) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pubs[pub.ID]; exists {
		return apperr.Conflict("publication %s already exists", pub.ID)
	}
	r.pubs[pub.ID] = pub.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (*models.Publication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pub, ok := r.pubs[id]
	if !ok {
		return nil, apperr.NotFound("publication", id)
	}
	return pub.Clone(), nil
}

func (r *MemoryRepository) Update(ctx context.Context, pub *models.Publication, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.pubs[pub.ID]
	if !ok {
		return apperr.NotFound("publication", pub.ID)
	}
	if current.Version != expectedVersion {
		return apperr.Conflict("publication %s was modified concurrently (version %d, expected %d)",
			pub.ID, current.Version, expectedVersion)
	}
	r.pubs[pub.ID] = pub.Clone()
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]*models.Publication, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	needle := strings.ToLower(filter.TitleContains)
	var out []*models.Publication
	for _, pub := range r.pubs {
		if pub.IsDeleted() && !filter.IncludeDeleted {
			continue
		}
		if filter.State != "" && pub.State != filter.State {
			continue
		}
		if filter.FeaturedOnly && !pub.Flags.Featured {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(pub.Title), needle) {
			continue
		}
		out = append(out, pub.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
