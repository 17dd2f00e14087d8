package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/censys/scan-resolver/pkg/projects"
	"github.com/censys/scan-resolver/pkg/storage"
	"github.com/censys/scan-resolver/pkg/storage/memory"
)

type logEntry struct {
	level slog.Level
	msg   string
	args  []any
}

type stubLogger struct {
	debug   bool
	entries []logEntry
}

func (l *stubLogger) Debug(msg string, args ...any) { l.record(slog.LevelDebug, msg, args) }
func (l *stubLogger) Info(msg string, args ...any)  { l.record(slog.LevelInfo, msg, args) }
func (l *stubLogger) Warn(msg string, args ...any)  { l.record(slog.LevelWarn, msg, args) }

func (l *stubLogger) Enabled(ctx context.Context, level slog.Level) bool {
	return level > slog.LevelDebug || l.debug
}

func (l *stubLogger) record(level slog.Level, msg string, args []any) {
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
}

func (l *stubLogger) count(level slog.Level) int {
	n := 0
	for _, e := range l.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

type failingRegistry struct {
	*projects.Registry
	err error
}

func (f failingRegistry) Persist(ctx context.Context) error { return f.err }

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func noopTransform(ctx context.Context, scan ScanDescriptor) error { return nil }

func testActions() DispatchTable {
	return DispatchTable{"SAST": noopTransform, "SCA": noopTransform}
}

func newTestRegistry(t *testing.T, states ...storage.ProjectState) (*projects.Registry, *memory.Repository) {
	t.Helper()
	repo := memory.NewRepository(states...)
	reg := projects.NewRegistry(repo)
	require.NoError(t, reg.Load(context.Background()))
	return reg, repo
}

func TestResolveScenario(t *testing.T) {
	ctx := context.Background()
	reg, repo := newTestRegistry(t, storage.ProjectState{ProjectID: 1, Name: "P1", LastCheckDate: day(1)})
	log := &stubLogger{}
	r := New(reg, testActions(), log)

	assert.True(t, r.Add(1, "SAST", "SCA", "s1", day(2)))
	assert.False(t, r.Add(1, "SAST", "SCA", "s1", day(5)))
	assert.Equal(t, 1, log.count(slog.LevelWarn))

	asOf := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	scans, err := r.Finalize(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, scans, 1)

	assert.Equal(t, ScanDescriptor{
		Project:       ProjectRef{ID: 1, Name: "P1"},
		ScanType:      "SAST",
		ScanProduct:   "SCA",
		ScanID:        "s1",
		FinishedStamp: day(2),
		Action:        ActionRef{Product: "SCA"},
	}, scans[0])

	n, ok := r.ResolvedScanCount()
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	n, ok = r.ResolvedProjectCount()
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	p, _ := reg.Lookup(1)
	assert.Equal(t, asOf, p.LastCheckDate())
	latest, _ := p.LatestScanDate("SCA")
	assert.Equal(t, day(2), latest)
	assert.Equal(t, 1, repo.Saves())
}

func TestAddRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name                      string
		scanType, product, scanID string
	}{
		{name: "no scan type", product: "SAST", scanID: "s1"},
		{name: "no product", scanType: "full", scanID: "s1"},
		{name: "no scan id", scanType: "full", product: "SAST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1})
			log := &stubLogger{}
			r := New(reg, testActions(), log)

			assert.False(t, r.Add(1, tt.scanType, tt.product, tt.scanID, day(2)))

			p, _ := reg.Lookup(1)
			_, seen := p.LatestScanDate("SAST")
			assert.False(t, seen)
			assert.Zero(t, p.ScanCount("SAST"))
			assert.Empty(t, log.entries)

			scans, err := r.Finalize(context.Background(), day(3))
			require.NoError(t, err)
			assert.Empty(t, scans)
		})
	}
}

func TestAddUnknownProject(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1})
	log := &stubLogger{}
	r := New(reg, testActions(), log)

	assert.False(t, r.Add(2, "full", "SAST", "s1", day(2)))
	require.Len(t, log.entries, 1)
	assert.Equal(t, slog.LevelWarn, log.entries[0].level)
	assert.Contains(t, log.entries[0].msg, "unknown project")

	// The rejected id was not remembered.
	assert.True(t, r.Add(1, "full", "SAST", "s1", day(2)))
}

func TestAddUnknownProduct(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1})
	log := &stubLogger{}
	r := New(reg, testActions(), log)

	assert.False(t, r.Add(1, "full", "DAST", "s1", day(2)))
	assert.Equal(t, 1, log.count(slog.LevelWarn))

	p, _ := reg.Lookup(1)
	_, seen := p.LatestScanDate("DAST")
	assert.False(t, seen)
}

func TestAddDuplicateDoesNotGrowWorklist(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1, LastCheckDate: day(1)})
	r := New(reg, testActions(), &stubLogger{})

	require.True(t, r.Add(1, "full", "SAST", "s1", day(2)))
	require.False(t, r.Add(1, "full", "SAST", "s1", day(3)))

	p, _ := reg.Lookup(1)
	assert.Equal(t, 1, p.ScanCount("SAST"))
	latest, _ := p.LatestScanDate("SAST")
	assert.Equal(t, day(2), latest)

	scans, err := r.Finalize(context.Background(), day(4))
	require.NoError(t, err)
	assert.Len(t, scans, 1)
}

func TestAddDuplicateOfGatedScan(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1, LastCheckDate: day(10)})
	r := New(reg, testActions(), &stubLogger{})

	assert.False(t, r.Seen("old"))
	require.True(t, r.Add(1, "full", "SAST", "old", day(2)))
	assert.True(t, r.Seen("old"))
	assert.False(t, r.Add(1, "full", "SAST", "old", day(2)))
}

func TestAddAtOrBeforeWatermark(t *testing.T) {
	for _, finished := range []time.Time{day(1), day(5), day(10)} {
		t.Run(finished.Format(time.DateOnly), func(t *testing.T) {
			reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1, LastCheckDate: day(10)})
			r := New(reg, testActions(), &stubLogger{})

			assert.True(t, r.Add(1, "full", "SAST", "s1", finished))

			p, _ := reg.Lookup(1)
			latest, ok := p.LatestScanDate("SAST")
			assert.True(t, ok)
			assert.Equal(t, finished, latest)
			assert.Zero(t, p.ScanCount("SAST"))

			scans, err := r.Finalize(context.Background(), day(20))
			require.NoError(t, err)
			assert.Empty(t, scans)
			n, _ := r.ResolvedProjectCount()
			assert.Zero(t, n)
		})
	}
}

func TestAddBindsDispatchAction(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1})

	var called []string
	actions := DispatchTable{
		"SAST": func(ctx context.Context, scan ScanDescriptor) error {
			called = append(called, "sast:"+scan.ScanID)
			return nil
		},
		"SCA": func(ctx context.Context, scan ScanDescriptor) error {
			called = append(called, "sca:"+scan.ScanID)
			return nil
		},
	}
	r := New(reg, actions, &stubLogger{})

	require.True(t, r.Add(1, "full", "SCA", "s1", day(2)))
	scans, err := r.Finalize(ctx, day(3))
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Empty(t, called, "actions must not run during resolution")

	require.NoError(t, actions.Invoke(ctx, scans[0]))
	assert.Equal(t, []string{"sca:s1"}, called)
}

func TestAddAfterFinalize(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1})
	log := &stubLogger{}
	r := New(reg, testActions(), log)

	_, err := r.Finalize(context.Background(), day(3))
	require.NoError(t, err)
	warnings := log.count(slog.LevelWarn)

	assert.False(t, r.Add(1, "full", "SAST", "s1", day(4)))
	assert.False(t, r.Add(2, "full", "SAST", "s2", day(4)))
	assert.Equal(t, warnings, log.count(slog.LevelWarn))

	p, _ := reg.Lookup(1)
	_, seen := p.LatestScanDate("SAST")
	assert.False(t, seen)
}

func TestFinalizeAdvancesEveryProject(t *testing.T) {
	reg, repo := newTestRegistry(t,
		storage.ProjectState{ProjectID: 1, LastCheckDate: day(1)},
		storage.ProjectState{ProjectID: 2, LastCheckDate: day(2)},
		storage.ProjectState{ProjectID: 3},
	)
	r := New(reg, testActions(), &stubLogger{})
	require.True(t, r.Add(1, "full", "SAST", "s1", day(5)))

	_, err := r.Finalize(context.Background(), day(20))
	require.NoError(t, err)

	for _, p := range reg.Projects() {
		assert.Equal(t, day(20), p.LastCheckDate(), "project %d", p.ID())
	}

	saved, err := repo.LoadProjects(context.Background())
	require.NoError(t, err)
	for _, s := range saved {
		assert.Equal(t, day(20), s.LastCheckDate, "project %d", s.ProjectID)
	}
}

func TestFinalizeTwice(t *testing.T) {
	reg, repo := newTestRegistry(t, storage.ProjectState{ProjectID: 1})
	r := New(reg, testActions(), &stubLogger{})

	_, err := r.Finalize(context.Background(), day(3))
	require.NoError(t, err)

	scans, err := r.Finalize(context.Background(), day(9))
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.Nil(t, scans)

	p, _ := reg.Lookup(1)
	assert.Equal(t, day(3), p.LastCheckDate())
	assert.Equal(t, 1, repo.Saves())
}

func TestResolvedCountsUndefinedUntilFinalize(t *testing.T) {
	reg, _ := newTestRegistry(t,
		storage.ProjectState{ProjectID: 1},
		storage.ProjectState{ProjectID: 2},
		storage.ProjectState{ProjectID: 3},
	)
	r := New(reg, testActions(), &stubLogger{})

	require.True(t, r.Add(1, "full", "SAST", "a", day(2)))
	require.True(t, r.Add(1, "full", "SCA", "b", day(2)))
	require.True(t, r.Add(2, "full", "SAST", "c", day(2)))

	_, ok := r.ResolvedScanCount()
	assert.False(t, ok)
	_, ok = r.ResolvedProjectCount()
	assert.False(t, ok)
	assert.False(t, r.Closed())

	scans, err := r.Finalize(context.Background(), day(3))
	require.NoError(t, err)
	assert.True(t, r.Closed())

	n, ok := r.ResolvedScanCount()
	require.True(t, ok)
	assert.Equal(t, len(scans), n)

	n, ok = r.ResolvedProjectCount()
	require.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestFinalizePreservesInsertionOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1}, storage.ProjectState{ProjectID: 2})
	r := New(reg, testActions(), &stubLogger{})

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("scan-%02d", i)
		require.True(t, r.AddObservation(Observation{
			ProjectID:   1 + i%2,
			ScanType:    "full",
			ScanProduct: "SAST",
			ScanID:      id,
			FinishTime:  day(2),
		}))
		want = append(want, id)
	}

	scans, err := r.Finalize(context.Background(), day(3))
	require.NoError(t, err)

	got := make([]string, 0, len(scans))
	for _, s := range scans {
		got = append(got, s.ScanID)
	}
	assert.Equal(t, want, got)
}

func TestFinalizeLogsSummary(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1}, storage.ProjectState{ProjectID: 2})

	tests := []struct {
		name       string
		debug      bool
		wantDebugs int
	}{
		{name: "info only", debug: false, wantDebugs: 0},
		{name: "per project at debug", debug: true, wantDebugs: 2},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &stubLogger{debug: tt.debug}
			r := New(reg, testActions(), log)
			require.True(t, r.Add(1, "full", "SAST", fmt.Sprintf("a%d", i), day(2)))
			require.True(t, r.Add(2, "full", "SAST", fmt.Sprintf("b%d", i), day(2)))

			_, err := r.Finalize(context.Background(), day(1))
			require.NoError(t, err)

			assert.Equal(t, 1, log.count(slog.LevelInfo))
			assert.Equal(t, tt.wantDebugs, log.count(slog.LevelDebug))
		})
	}
}

func TestFinalizePersistError(t *testing.T) {
	reg, _ := newTestRegistry(t, storage.ProjectState{ProjectID: 1})
	boom := errors.New("db down")
	r := New(failingRegistry{Registry: reg, err: boom}, testActions(), &stubLogger{})

	require.True(t, r.Add(1, "full", "SAST", "s1", day(2)))
	scans, err := r.Finalize(context.Background(), day(3))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, scans, 1)
	assert.True(t, r.Closed())
	assert.False(t, r.Add(1, "full", "SAST", "s2", day(4)))
}
