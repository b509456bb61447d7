package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/daycode"
	"pcal/internal/engine"
	"pcal/internal/model"
	"pcal/internal/notify"
	"pcal/internal/recurrence"
	"pcal/internal/store"
	"pcal/internal/store/memory"
)

type fixture struct {
	eng *engine.Engine
	st  *memory.Store
	hub *notify.Hub
	ny  *time.Location
}

func newFixture(t *testing.T, opts engine.Options) *fixture {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	if opts.Location == nil {
		opts.Location = ny
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC) }
	}
	st := memory.New()
	hub := notify.New()
	return &fixture{eng: engine.New(st, hub, opts), st: st, hub: hub, ny: ny}
}

func (f *fixture) weekly(id model.EventID) *model.Master {
	start := time.Date(2026, time.January, 6, 9, 0, 0, 0, f.ny)
	return &model.Master{
		EventInfo: model.EventInfo{
			ID: id, UID: "weekly-sync", CalendarID: 1, Title: "Weekly sync",
			Start: start, End: start.Add(time.Hour), TZID: "America/New_York",
		},
		RRule: "FREQ=WEEKLY;COUNT=3",
	}
}

func (f *fixture) moved(id, masterID model.EventID) *model.Exception {
	start := time.Date(2026, time.January, 14, 16, 0, 0, 0, f.ny)
	return &model.Exception{
		EventInfo: model.EventInfo{
			ID: id, UID: "weekly-sync", CalendarID: 1, Title: "Weekly sync (moved)",
			Start: start, End: start.Add(time.Hour), TZID: "America/New_York",
		},
		MasterID:      masterID,
		OriginalStart: time.Date(2026, time.January, 13, 9, 0, 0, 0, f.ny),
	}
}

func (f *fixture) rows(t *testing.T) []model.Occurrence {
	t.Helper()
	var out []model.Occurrence
	require.NoError(t, f.st.View(context.Background(), func(r store.Reader) (err error) {
		out, err = r.AllOccurrences(context.Background(), store.Filter{IncludeCancelled: true})
		return err
	}))
	return out
}

func (f *fixture) through() time.Time {
	return time.Date(2026, time.February, 1, 0, 0, 0, 0, f.ny)
}

func TestEngine_RoundTripWithException(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})

	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	sum, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Changed)
	assert.Equal(t, 1, sum.Succeeded)

	rows := f.rows(t)
	require.Len(t, rows, 3)
	for i, day := range []int{6, 13, 20} {
		assert.True(t, rows[i].Start.Equal(time.Date(2026, time.January, day, 9, 0, 0, 0, f.ny)))
	}

	require.NoError(t, f.eng.Upsert(ctx, f.moved(2, 1)))
	rows = f.rows(t)
	require.Len(t, rows, 3, "the override replaces the 01-13 slot")
	assert.Equal(t, model.EventID(2), rows[1].ExceptionID)
	assert.True(t, rows[1].Start.Equal(time.Date(2026, time.January, 14, 16, 0, 0, 0, f.ny)))
	assert.Equal(t, daycode.Code(20260114), rows[1].StartDay)
	for _, o := range rows {
		assert.False(t, o.Start.Equal(time.Date(2026, time.January, 13, 9, 0, 0, 0, f.ny)))
	}
}

func TestEngine_DeleteMasterOrphansException(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	require.NoError(t, f.eng.Upsert(ctx, f.moved(2, 1)))

	require.NoError(t, f.eng.Delete(ctx, 1))
	assert.Empty(t, f.rows(t))

	require.NoError(t, f.st.View(ctx, func(r store.Reader) error {
		ev, err := r.Event(ctx, 2)
		require.NoError(t, err, "the exception is kept")
		assert.IsType(t, &model.Exception{}, ev)
		orphans, err := r.OrphanedExceptions(ctx)
		require.NoError(t, err)
		assert.Len(t, orphans, 1)
		return nil
	}))

	// The master coming back reactivates the exception.
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	rows := f.rows(t)
	require.Len(t, rows, 3)
	assert.Equal(t, model.EventID(2), rows[1].ExceptionID)

	require.NoError(t, f.eng.Delete(ctx, 1))
	n, err := f.eng.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = f.eng.Delete(ctx, 2)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.False(t, engine.IsTransient(err))
}

func TestEngine_DeleteExceptionRestoresInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	require.NoError(t, f.eng.Upsert(ctx, f.moved(2, 1)))

	require.NoError(t, f.eng.Delete(ctx, 2))
	rows := f.rows(t)
	require.Len(t, rows, 3)
	assert.Zero(t, rows[1].ExceptionID)
	assert.True(t, rows[1].Start.Equal(time.Date(2026, time.January, 13, 9, 0, 0, 0, f.ny)))
}

func TestEngine_EnsureMaterializedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))

	first, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	before := f.rows(t)

	second, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	assert.Zero(t, second.Changed)
	assert.Equal(t, first.Horizon, second.Horizon)
	assert.Equal(t, before, f.rows(t))

	earlier, err := f.eng.EnsureMaterialized(ctx, f.through().AddDate(0, 0, -10))
	require.NoError(t, err)
	assert.Zero(t, earlier.Changed)
	assert.True(t, earlier.Horizon.End.Equal(f.through()), "the window never shrinks")
}

func TestEngine_IncrementalExtension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	daily := f.weekly(1)
	daily.RRule = "FREQ=DAILY"
	require.NoError(t, f.eng.Upsert(ctx, daily))

	_, err := f.eng.EnsureMaterialized(ctx, time.Date(2026, time.January, 10, 0, 0, 0, 0, f.ny))
	require.NoError(t, err)
	assert.Len(t, f.rows(t), 4) // 6th through 9th

	sum, err := f.eng.EnsureMaterialized(ctx, time.Date(2026, time.January, 15, 0, 0, 0, 0, f.ny))
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Changed, "only the new slice is expanded")
	assert.Len(t, f.rows(t), 9)

	sum, err = f.eng.EnsureMaterializedFrom(ctx, time.Date(2025, time.January, 1, 0, 0, 0, 0, f.ny))
	require.NoError(t, err)
	assert.Zero(t, sum.Changed, "the series starts after the old past edge")
	assert.True(t, sum.Horizon.Start.Equal(time.Date(2025, time.January, 1, 0, 0, 0, 0, f.ny)))
}

func TestEngine_InstanceRunningIntoWindowStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{
		Location:   time.UTC,
		PastDays:   1,
		FutureDays: 1,
		Now:        func() time.Time { return time.Date(2025, time.December, 2, 12, 0, 0, 0, time.UTC) },
	})
	start := time.Date(2025, time.November, 29, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.eng.Upsert(ctx, &model.Master{
		EventInfo: model.EventInfo{
			ID: 1, UID: "trip", CalendarID: 1, Title: "Trip",
			Start: start, End: start.AddDate(0, 0, 3), AllDay: true,
		},
		RRule: "FREQ=WEEKLY;COUNT=4",
	}))

	sum, err := f.eng.EnsureAround(ctx, f.eng.Now())
	require.NoError(t, err)
	require.True(t, sum.Horizon.Start.Equal(time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)))

	rows := f.rows(t)
	require.Len(t, rows, 1, "the 11-29 instance runs into the window")
	assert.True(t, rows[0].OriginalStart.Equal(start))
	assert.Equal(t, daycode.Code(20251129), rows[0].StartDay)
	assert.True(t, rows[0].OnDay(daycode.Code(20251201)))

	_, err = f.eng.EnsureMaterialized(ctx, time.Date(2025, time.December, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, f.rows(t), 3)

	// The 12-13 instance overlaps the next slice too; it must not be
	// inserted twice.
	sum, err = f.eng.EnsureMaterialized(ctx, time.Date(2025, time.December, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Changed)
	rows = f.rows(t)
	require.Len(t, rows, 4)
	for i, day := range []int{29, 6, 13, 20} {
		month := time.December
		if i == 0 {
			month = time.November
		}
		assert.True(t, rows[i].OriginalStart.Equal(time.Date(2025, month, day, 0, 0, 0, 0, time.UTC)))
	}
}

func TestEngine_EnsureAroundGrowsBothEdges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{PastDays: 7, FutureDays: 7})

	_, err := f.eng.EnsureMaterialized(ctx, time.Date(2026, time.January, 5, 0, 0, 0, 0, f.ny))
	require.NoError(t, err)

	far := time.Date(2026, time.June, 15, 12, 0, 0, 0, f.ny)
	sum, err := f.eng.EnsureAround(ctx, far)
	require.NoError(t, err)
	want := f.eng.DefaultWindow(far)
	assert.True(t, sum.Horizon.End.Equal(want.End))
	assert.True(t, sum.Horizon.Start.Before(want.Start), "the old past edge is kept")
}

func TestEngine_InvalidRecurrenceLeavesRowsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)

	bad := f.weekly(1)
	bad.RRule = "FREQ=WEEKLY;INTERVAL=0"
	err = f.eng.Upsert(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recurrence.ErrInvalidRecurrence))
	assert.True(t, engine.IsDataError(err))
	assert.False(t, engine.IsTransient(err))

	assert.Len(t, f.rows(t), 3)
	require.NoError(t, f.st.View(ctx, func(r store.Reader) error {
		ev, err := r.Event(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "FREQ=WEEKLY;COUNT=3", ev.(*model.Master).RRule)
		return nil
	}))
}

func TestEngine_RejectsMismatchedException(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))

	ex := f.moved(2, 1)
	ex.UID = "another-series"
	err := f.eng.Upsert(ctx, ex)
	assert.True(t, errors.Is(err, engine.ErrInvalidEvent))

	err = f.eng.Upsert(ctx, &model.Master{EventInfo: model.EventInfo{ID: 0}})
	assert.True(t, errors.Is(err, engine.ErrInvalidEvent))
}

func TestEngine_OrphanedExceptionIsInert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)

	require.NoError(t, f.eng.Upsert(ctx, f.moved(2, 1)))
	assert.Empty(t, f.rows(t))

	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	rows := f.rows(t)
	require.Len(t, rows, 3)
	assert.Equal(t, model.EventID(2), rows[1].ExceptionID)
}

func TestEngine_FailingSeriesIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{MaxInstances: 100})
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))

	flood := f.weekly(2)
	flood.UID = "flood"
	flood.RRule = "FREQ=MINUTELY"
	require.NoError(t, f.eng.Upsert(ctx, flood))

	sum, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, model.EventID(2), sum.Failures[0].MasterID)
	assert.True(t, errors.Is(sum.Failures[0], engine.ErrWindowExtension))
	assert.True(t, errors.Is(sum.Failures[0], recurrence.ErrExpansionLimit))
	assert.True(t, engine.IsDataError(sum.Failures[0]))
	assert.Len(t, f.rows(t), 3)

	// Upserting into the materialized window fails the same way and
	// changes nothing.
	flood.Title = "still flooding"
	err = f.eng.Upsert(ctx, flood)
	assert.True(t, errors.Is(err, engine.ErrWindowExtension))
}

func TestEngine_CancelledExtensionCommitsNothing(t *testing.T) {
	f := newFixture(t, engine.Options{})
	require.NoError(t, f.eng.Upsert(context.Background(), f.weekly(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, engine.IsTransient(err))

	h, err := f.eng.Horizon(context.Background())
	require.NoError(t, err)
	assert.True(t, h.IsZero())
	assert.Empty(t, f.rows(t))
}

func TestEngine_RelocateRestampsDayCodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{Location: time.UTC})
	start := time.Date(2026, time.January, 10, 23, 30, 0, 0, time.UTC)
	require.NoError(t, f.eng.Upsert(ctx, &model.Master{EventInfo: model.EventInfo{
		ID: 1, UID: "late", CalendarID: 1, Title: "Late call",
		Start: start, End: start.Add(30 * time.Minute), TZID: "UTC",
	}}))
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	require.Equal(t, daycode.Code(20260110), f.rows(t)[0].StartDay)

	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	changes, cancel := f.hub.Subscribe(nil)
	defer cancel()

	sum, err := f.eng.Relocate(ctx, seoul)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Changed)
	assert.Equal(t, daycode.Code(20260111), f.rows(t)[0].StartDay)
	assert.Equal(t, seoul, f.eng.Location())
	assert.True(t, (<-changes).Global)
}

func TestEngine_MarkDirty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)
	require.NoError(t, f.eng.Upsert(ctx, f.moved(2, 1)))

	sum, err := f.eng.MarkDirty(ctx, 2, 1, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded, "exception and master collapse to one series")
	assert.Zero(t, sum.Changed)
}

func TestEngine_PublishesChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{})
	_, err := f.eng.EnsureMaterialized(ctx, f.through())
	require.NoError(t, err)

	jan13 := model.Window{
		Start: time.Date(2026, time.January, 13, 0, 0, 0, 0, f.ny),
		End:   time.Date(2026, time.January, 14, 0, 0, 0, 0, f.ny),
	}
	changes, cancel := f.hub.Subscribe(func(c notify.Change) bool { return c.Affects(jan13) })
	defer cancel()

	require.NoError(t, f.eng.Upsert(ctx, f.weekly(1)))
	select {
	case c := <-changes:
		assert.NotZero(t, c.Version)
	default:
		t.Fatal("expected a change covering 01-13")
	}

	// Retitling changes no row but the resolved data differs.
	retitled := f.weekly(1)
	retitled.Title = "Renamed sync"
	require.NoError(t, f.eng.Upsert(ctx, retitled))
	select {
	case <-changes:
	default:
		t.Fatal("expected a change after retitling")
	}
}
