package rubric

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a rubric id is not in the repository.
var ErrNotFound = errors.New("rubric not found")

// Repository stores rubric definitions. Implementations must be safe for
// concurrent use.
type Repository interface {
	// Get returns the rubric with the given id, or an error wrapping
	// ErrNotFound.
	Get(ctx context.Context, id string) (Rubric, error)
	// Put validates and stores a rubric, replacing any previous version.
	Put(ctx context.Context, r Rubric) error
	// List returns all rubrics ordered by id.
	List(ctx context.Context) ([]Rubric, error)
}

// MemRepository is the in-process Repository used by tests and single-node
// deployments.
type MemRepository struct {
	mu      sync.RWMutex
	rubrics map[string]Rubric
}

// NewMemRepository returns an empty in-memory repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{rubrics: make(map[string]Rubric)}
}

// Get implements Repository.
func (m *MemRepository) Get(_ context.Context, id string) (Rubric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rubrics[id]
	if !ok {
		return Rubric{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// Put implements Repository.
func (m *MemRepository) Put(_ context.Context, r Rubric) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rubrics[r.ID] = r
	return nil
}

// List implements Repository.
func (m *MemRepository) List(_ context.Context) ([]Rubric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rubric, 0, len(m.rubrics))
	for _, r := range m.rubrics {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
