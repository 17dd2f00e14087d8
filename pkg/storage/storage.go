package storage

import (
	"context"
	"time"
)

// ProjectState holds the per-project check state we persist between runs.
type ProjectState struct {
	ProjectID       int
	Name            string
	LastCheckDate   time.Time
	LatestScanDates map[string]time.Time
}

// Clone returns a copy that shares no maps with s.
func (s ProjectState) Clone() ProjectState {
	out := s
	out.LatestScanDates = make(map[string]time.Time, len(s.LatestScanDates))
	for product, ts := range s.LatestScanDates {
		out.LatestScanDates[product] = ts
	}
	return out
}

// Repository defines persistence operations for project check state.
type Repository interface {
	LoadProjects(ctx context.Context) ([]ProjectState, error)
	SaveProjects(ctx context.Context, states []ProjectState) error
}
