package projects

import (
	"context"
	"fmt"

	"github.com/censys/scan-resolver/pkg/storage"
)

// Registry holds every known project for a resolution run and writes their
// check state back to a storage.Repository on Persist.
type Registry struct {
	repo     storage.Repository
	projects map[int]*Project
	order    []int
}

// NewRegistry returns an empty registry backed by repo.
func NewRegistry(repo storage.Repository) *Registry {
	return &Registry{
		repo:     repo,
		projects: make(map[int]*Project),
	}
}

// Load replaces the registry contents with the state held by the repository.
func (r *Registry) Load(ctx context.Context) error {
	states, err := r.repo.LoadProjects(ctx)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}
	r.projects = make(map[int]*Project, len(states))
	r.order = r.order[:0]
	for _, s := range states {
		r.add(newProject(s))
	}
	return nil
}

// Register adds a project that has never been checked. Known projects keep
// their watermark and only pick up the new name.
func (r *Registry) Register(id int, name string) *Project {
	if p, ok := r.projects[id]; ok {
		if name != "" {
			p.name = name
		}
		return p
	}
	p := newProject(storage.ProjectState{ProjectID: id, Name: name})
	r.add(p)
	return p
}

func (r *Registry) add(p *Project) {
	r.projects[p.id] = p
	r.order = append(r.order, p.id)
}

// Lookup returns the project with the given id.
func (r *Registry) Lookup(id int) (*Project, bool) {
	p, ok := r.projects[id]
	return p, ok
}

// Projects returns all projects in registration order.
func (r *Registry) Projects() []*Project {
	out := make([]*Project, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.projects[id])
	}
	return out
}

func (r *Registry) Len() int { return len(r.projects) }

// Persist saves the check state of every project.
func (r *Registry) Persist(ctx context.Context) error {
	states := make([]storage.ProjectState, 0, len(r.order))
	for _, p := range r.Projects() {
		states = append(states, p.state())
	}
	if err := r.repo.SaveProjects(ctx, states); err != nil {
		return fmt.Errorf("persist projects: %w", err)
	}
	return nil
}
