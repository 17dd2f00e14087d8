package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/censys/scan-resolver/pkg/projects"
)

// ErrAlreadyFinalized is returned by a second call to Finalize.
var ErrAlreadyFinalized = errors.New("resolver already finalized")

// Registry is the project state the resolver reads and advances.
type Registry interface {
	Lookup(id int) (*projects.Project, bool)
	Projects() []*projects.Project
	Persist(ctx context.Context) error
}

// Logger receives resolver diagnostics. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Enabled(ctx context.Context, level slog.Level) bool
}

// Resolver decides which scans need to be exported during one resolution
// run. Scans are added while the resolver is open; Finalize closes it and
// advances every project's watermark.
//
// A Resolver is not safe for concurrent use. Construct a new one per run.
type Resolver struct {
	reg     Registry
	actions DispatchTable
	log     Logger

	closed bool
	seen   map[string]struct{}
	scans  []ScanDescriptor

	projectCount map[int]int
	projectOrder []int
}

// New returns an open resolver over reg. actions must hold an entry for every
// scan product that will be added.
func New(reg Registry, actions DispatchTable, log Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		reg:          reg,
		actions:      actions,
		log:          log,
		seen:         make(map[string]struct{}),
		projectCount: make(map[int]int),
	}
}

// AddObservation is Add for a decoded observation.
func (r *Resolver) AddObservation(o Observation) bool {
	return r.Add(o.ProjectID, o.ScanType, o.ScanProduct, o.ScanID, o.FinishTime)
}

// Add offers a scan to the resolver. It returns false without changing any
// state if a field is missing, the resolver is closed, the project is unknown,
// the scan id was already added, or the product has no export action.
//
// Accepted scans always advance the project's latest scan date for the
// product. They are queued for export only if they finished after the
// project's last check date.
func (r *Resolver) Add(projectID int, scanType, scanProduct, scanID string, finishTime time.Time) bool {
	if scanType == "" || scanProduct == "" || scanID == "" {
		return false
	}
	if r.closed {
		return false
	}

	p, ok := r.reg.Lookup(projectID)
	if !ok {
		r.log.Warn("attempted to add a scan for unknown project", "project_id", projectID)
		return false
	}
	if _, dup := r.seen[scanID]; dup {
		r.log.Warn("attempted to add a duplicate scan id",
			"scan_id", scanID, "project_id", projectID, "project_name", p.Name())
		return false
	}
	if _, ok := r.actions[scanProduct]; !ok {
		r.log.Warn("no export action for scan product",
			"scan_product", scanProduct, "scan_id", scanID, "project_id", projectID)
		return false
	}

	r.seen[scanID] = struct{}{}
	p.UpdateLatestScanDate(scanProduct, finishTime)

	if !finishTime.After(p.LastCheckDate()) {
		return true
	}

	p.IncrementScanCount(scanProduct)
	r.incrementProjectCount(projectID)
	r.scans = append(r.scans, ScanDescriptor{
		Project:       ProjectRef{ID: p.ID(), Name: p.Name()},
		ScanType:      scanType,
		ScanProduct:   scanProduct,
		ScanID:        scanID,
		FinishedStamp: finishTime,
		Action:        ActionRef{Product: scanProduct},
	})
	return true
}

func (r *Resolver) incrementProjectCount(projectID int) {
	if _, ok := r.projectCount[projectID]; !ok {
		r.projectOrder = append(r.projectOrder, projectID)
	}
	r.projectCount[projectID]++
}

// Closed reports whether Finalize has been called.
func (r *Resolver) Closed() bool { return r.closed }

// Seen reports whether scanID was accepted during this run.
func (r *Resolver) Seen(scanID string) bool {
	_, ok := r.seen[scanID]
	return ok
}

// ResolvedScanCount is the number of scans to export. ok is false until
// Finalize has been called.
func (r *Resolver) ResolvedScanCount() (n int, ok bool) {
	if !r.closed {
		return 0, false
	}
	return len(r.scans), true
}

// ResolvedProjectCount is the number of projects with at least one scan to
// export. ok is false until Finalize has been called.
func (r *Resolver) ResolvedProjectCount() (n int, ok bool) {
	if !r.closed {
		return 0, false
	}
	return len(r.projectCount), true
}

// Finalize closes the resolver, sets every project's last check date to
// lastCheckDate and persists the registry. It returns the scans to export in
// the order they were added.
//
// The worklist is returned even when persisting fails; the resolver stays
// closed either way.
func (r *Resolver) Finalize(ctx context.Context, lastCheckDate time.Time) ([]ScanDescriptor, error) {
	if r.closed {
		return nil, ErrAlreadyFinalized
	}
	r.closed = true

	for _, p := range r.reg.Projects() {
		p.SetLastCheckDate(lastCheckDate)
	}

	scans := make([]ScanDescriptor, len(r.scans))
	copy(scans, r.scans)

	var err error
	if perr := r.reg.Persist(ctx); perr != nil {
		err = fmt.Errorf("save project check state: %w", perr)
	}

	r.log.Info("resolved scans to check",
		"scans", len(r.scans), "projects", len(r.projectCount), "since", lastCheckDate)

	if r.log.Enabled(ctx, slog.LevelDebug) {
		for _, id := range r.projectOrder {
			r.log.Debug("project checking scans", "project_id", id, "scans", r.projectCount[id])
		}
	}

	return scans, err
}
