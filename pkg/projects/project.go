package projects

import (
	"time"

	"github.com/censys/scan-resolver/pkg/storage"
)

// Project is the in-memory check state for one project during a resolution
// run. Scan counts are run-local and are not persisted.
type Project struct {
	id            int
	name          string
	lastCheckDate time.Time
	latestScan    map[string]time.Time
	scanCount     map[string]int
}

func newProject(state storage.ProjectState) *Project {
	p := &Project{
		id:            state.ProjectID,
		name:          state.Name,
		lastCheckDate: state.LastCheckDate,
		latestScan:    make(map[string]time.Time, len(state.LatestScanDates)),
		scanCount:     make(map[string]int),
	}
	for product, ts := range state.LatestScanDates {
		p.latestScan[product] = ts
	}
	return p
}

func (p *Project) ID() int      { return p.id }
func (p *Project) Name() string { return p.name }

// LastCheckDate is the watermark below which scans are considered processed.
func (p *Project) LastCheckDate() time.Time { return p.lastCheckDate }

func (p *Project) SetLastCheckDate(t time.Time) { p.lastCheckDate = t }

// LatestScanDate returns the newest finish time seen for product.
func (p *Project) LatestScanDate(product string) (time.Time, bool) {
	ts, ok := p.latestScan[product]
	return ts, ok
}

// UpdateLatestScanDate advances the product watermark. Older times are ignored.
func (p *Project) UpdateLatestScanDate(product string, finished time.Time) {
	if cur, ok := p.latestScan[product]; ok && !finished.After(cur) {
		return
	}
	p.latestScan[product] = finished
}

func (p *Project) IncrementScanCount(product string) { p.scanCount[product]++ }

func (p *Project) ScanCount(product string) int { return p.scanCount[product] }

func (p *Project) state() storage.ProjectState {
	s := storage.ProjectState{
		ProjectID:       p.id,
		Name:            p.name,
		LastCheckDate:   p.lastCheckDate,
		LatestScanDates: make(map[string]time.Time, len(p.latestScan)),
	}
	for product, ts := range p.latestScan {
		s.LatestScanDates[product] = ts
	}
	return s
}
