package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/censys/scan-resolver/pkg/storage"
)

// Repository keeps project check state in process memory. It is used for dry
// runs and tests where no database is available.
type Repository struct {
	mu     sync.Mutex
	states map[int]storage.ProjectState
	saves  int
}

// NewRepository returns a repository seeded with the given states.
func NewRepository(seed ...storage.ProjectState) *Repository {
	r := &Repository{states: make(map[int]storage.ProjectState, len(seed))}
	for _, s := range seed {
		r.states[s.ProjectID] = s.Clone()
	}
	return r
}

// LoadProjects returns copies of every stored state ordered by project id.
func (r *Repository) LoadProjects(ctx context.Context) ([]storage.ProjectState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]storage.ProjectState, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

// SaveProjects upserts the given states. Latest scan dates never move
// backwards, matching the postgres implementation.
func (r *Repository) SaveProjects(ctx context.Context, states []storage.ProjectState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.saves++
	for _, s := range states {
		next := s.Clone()
		if prev, ok := r.states[s.ProjectID]; ok {
			for product, ts := range prev.LatestScanDates {
				if cur, ok := next.LatestScanDates[product]; !ok || ts.After(cur) {
					next.LatestScanDates[product] = ts
				}
			}
		}
		r.states[s.ProjectID] = next
	}
	return nil
}

// Saves reports how many times SaveProjects has been called.
func (r *Repository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
