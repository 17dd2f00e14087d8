package resolution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoAction is returned when a descriptor names a product that has no entry
// in the dispatch table.
var ErrNoAction = errors.New("no export action for scan product")

// Transform converts a resolved scan for the export pipeline.
type Transform func(ctx context.Context, scan ScanDescriptor) error

// DispatchTable maps a scan product to the transform that exports it.
type DispatchTable map[string]Transform

// ActionRef names the dispatch table entry bound to a descriptor.
type ActionRef struct {
	Product string
}

// Invoke runs the transform bound to scan.
func (t DispatchTable) Invoke(ctx context.Context, scan ScanDescriptor) error {
	fn, ok := t[scan.Action.Product]
	if !ok || fn == nil {
		return fmt.Errorf("scan %s: %w: %q", scan.ScanID, ErrNoAction, scan.Action.Product)
	}
	return fn(ctx, scan)
}

// ProjectRef identifies the project that owns a resolved scan.
type ProjectRef struct {
	ID   int
	Name string
}

// ScanDescriptor is a scan that must be exported in this run.
type ScanDescriptor struct {
	Project       ProjectRef
	ScanType      string
	ScanProduct   string
	ScanID        string
	FinishedStamp time.Time
	Action        ActionRef
}

// Observation is a candidate scan reported by the upstream source.
type Observation struct {
	ProjectID   int
	ScanType    string
	ScanProduct string
	ScanID      string
	FinishTime  time.Time
}
