// Package storetest holds the behavior every store.Store implementation must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/daycode"
	"pcal/internal/model"
	"pcal/internal/store"
)

// Factory opens an empty store. Cleanup is the caller's job.
type Factory func(t *testing.T) store.Store

var t0 = time.Date(2026, time.January, 6, 14, 0, 0, 0, time.UTC)

func Run(t *testing.T, open Factory) {
	t.Run("Events", func(t *testing.T) { testEvents(t, open(t)) })
	t.Run("ReplaceOccurrences", func(t *testing.T) { testReplace(t, open(t)) })
	t.Run("Queries", func(t *testing.T) { testQueries(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("Horizon", func(t *testing.T) { testHorizon(t, open(t)) })
}

func Master(id model.EventID, cal model.CalendarID) *model.Master {
	return &model.Master{
		EventInfo: model.EventInfo{
			ID:         id,
			UID:        "uid-master",
			CalendarID: cal,
			Title:      "Team sync",
			Start:      t0,
			End:        t0.Add(time.Hour),
			TZID:       "America/New_York",
			Reminders:  []time.Duration{10 * time.Minute},
		},
		RRule:   "FREQ=WEEKLY;COUNT=3",
		ExDates: []time.Time{t0.AddDate(0, 0, 14)},
	}
}

func Row(masterID model.EventID, cal model.CalendarID, orig time.Time, dur time.Duration) model.Occurrence {
	o := model.Occurrence{
		MasterID:      masterID,
		OriginalStart: orig,
		Start:         orig,
		End:           orig.Add(dur),
		CalendarID:    cal,
	}
	o.StartDay, o.EndDay = daycode.Span(o.Start, o.End, false, time.UTC)
	return o
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	m := Master(1, 1)
	ex := &model.Exception{
		EventInfo: model.EventInfo{
			ID: 2, UID: "uid-master", CalendarID: 1, Title: "Team sync (moved)",
			Start: t0.AddDate(0, 0, 8), End: t0.AddDate(0, 0, 8).Add(30 * time.Minute),
		},
		MasterID:      1,
		OriginalStart: t0.AddDate(0, 0, 7),
	}
	orphan := &model.Exception{
		EventInfo:     model.EventInfo{ID: 3, UID: "gone", CalendarID: 2, Start: t0, End: t0},
		MasterID:      99,
		OriginalStart: t0,
		Cancelled:     true,
	}

	require.NoError(t, s.Update(ctx, func(w store.Writer) error {
		for _, ev := range []model.Event{m, ex, orphan} {
			if err := w.PutEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		got, err := r.Event(ctx, 1)
		require.NoError(t, err)
		gm, ok := got.(*model.Master)
		require.True(t, ok)
		assert.Equal(t, m.RRule, gm.RRule)
		assert.Equal(t, m.TZID, gm.TZID)
		assert.Equal(t, m.Reminders, gm.Reminders)
		require.Len(t, gm.ExDates, 1)
		assert.True(t, gm.ExDates[0].Equal(m.ExDates[0]))
		assert.True(t, gm.Start.Equal(m.Start))

		got, err = r.Event(ctx, 2)
		require.NoError(t, err)
		gx, ok := got.(*model.Exception)
		require.True(t, ok)
		assert.Equal(t, model.EventID(1), gx.MasterID)
		assert.True(t, gx.OriginalStart.Equal(ex.OriginalStart))

		_, err = r.Event(ctx, 42)
		assert.True(t, errors.Is(err, store.ErrNotFound))

		masters, err := r.Masters(ctx)
		require.NoError(t, err)
		require.Len(t, masters, 1)

		exs, err := r.Exceptions(ctx, 1)
		require.NoError(t, err)
		require.Len(t, exs, 1)
		assert.Equal(t, model.EventID(2), exs[0].ID)

		orphans, err := r.OrphanedExceptions(ctx)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, model.EventID(3), orphans[0].ID)
		assert.True(t, orphans[0].Cancelled)

		ids, err := r.CalendarEvents(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []model.EventID{1, 2}, ids)
		return nil
	}))

	// Returned events are copies.
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		got, err := r.Event(ctx, 1)
		require.NoError(t, err)
		got.Info().Title = "mutated"
		again, err := r.Event(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Team sync", again.Info().Title)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(w store.Writer) error {
		return w.DeleteEvent(ctx, 1)
	}))
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		orphans, err := r.OrphanedExceptions(ctx)
		require.NoError(t, err)
		assert.Len(t, orphans, 2)
		return nil
	}))

	err := s.Update(ctx, func(w store.Writer) error { return w.DeleteEvent(ctx, 1) })
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testReplace(t *testing.T, s store.Store) {
	ctx := context.Background()
	rows := []model.Occurrence{
		Row(1, 1, t0, time.Hour),
		Row(1, 1, t0.AddDate(0, 0, 7), time.Hour),
		Row(1, 1, t0.AddDate(0, 0, 14), time.Hour),
	}

	var d store.Delta
	require.NoError(t, s.Update(ctx, func(w store.Writer) (err error) {
		d, err = w.ReplaceOccurrences(ctx, 1, nil, rows)
		return err
	}))
	assert.Equal(t, 3, d.Inserted)

	var ids []model.OccurrenceID
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		got, err := r.Occurrences(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for _, o := range got {
			assert.NotZero(t, o.ID)
			ids = append(ids, o.ID)
		}
		return nil
	}))

	// Same content: nothing changes and ids survive.
	require.NoError(t, s.Update(ctx, func(w store.Writer) (err error) {
		d, err = w.ReplaceOccurrences(ctx, 1, nil, rows)
		return err
	}))
	assert.Zero(t, d.Changed())

	// Move the middle instance, drop the last.
	moved := rows[1]
	moved.Start = moved.Start.Add(26 * time.Hour)
	moved.End = moved.End.Add(26 * time.Hour)
	moved.ExceptionID = 5
	moved.StartDay, moved.EndDay = daycode.Span(moved.Start, moved.End, false, time.UTC)
	require.NoError(t, s.Update(ctx, func(w store.Writer) (err error) {
		d, err = w.ReplaceOccurrences(ctx, 1, nil, []model.Occurrence{rows[0], moved})
		return err
	}))
	assert.Equal(t, 1, d.Updated)
	assert.Equal(t, 1, d.Deleted)
	assert.Zero(t, d.Inserted)

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		got, err := r.Occurrences(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[1], got[1].ID, "upsert keeps the row id")
		assert.Equal(t, model.EventID(5), got[1].ExceptionID)
		assert.True(t, got[1].Start.Equal(moved.Start))
		return nil
	}))

	// A scoped replace leaves rows outside the scope alone.
	scope := &model.Window{Start: t0.AddDate(0, 0, 21), End: t0.AddDate(0, 0, 35)}
	require.NoError(t, s.Update(ctx, func(w store.Writer) (err error) {
		d, err = w.ReplaceOccurrences(ctx, 1, scope, []model.Occurrence{Row(1, 1, t0.AddDate(0, 0, 21), time.Hour)})
		return err
	}))
	assert.Equal(t, 1, d.Inserted)
	assert.Zero(t, d.Deleted)

	require.NoError(t, s.Update(ctx, func(w store.Writer) (err error) {
		d, err = w.DeleteOccurrences(ctx, 1)
		return err
	}))
	assert.Equal(t, 3, d.Deleted)
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		got, err := r.Occurrences(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))
}

func testQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	long := Row(2, 2, time.Date(2026, time.January, 30, 22, 0, 0, 0, time.UTC), 53*time.Hour)
	cancelled := Row(3, 1, time.Date(2026, time.January, 31, 8, 0, 0, 0, time.UTC), time.Hour)
	cancelled.Cancelled = true
	early := Row(1, 1, time.Date(2026, time.January, 31, 7, 0, 0, 0, time.UTC), time.Hour)
	instant := Row(4, 1, time.Date(2026, time.February, 2, 12, 0, 0, 0, time.UTC), 0)

	require.NoError(t, s.Update(ctx, func(w store.Writer) error {
		for _, o := range []model.Occurrence{long, cancelled, early, instant} {
			if _, err := w.ReplaceOccurrences(ctx, o.MasterID, nil, []model.Occurrence{o}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		for _, day := range []daycode.Code{20260130, 20260131, 20260201} {
			got, err := r.OccurrencesOnDay(ctx, day, store.Filter{Calendars: map[model.CalendarID]bool{2: true}})
			require.NoError(t, err)
			require.Len(t, got, 1, day.String())
			assert.Equal(t, model.EventID(2), got[0].MasterID)
		}

		got, err := r.OccurrencesOnDay(ctx, 20260131, store.Filter{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, model.EventID(2), got[0].MasterID, "ordered by start")
		assert.Equal(t, model.EventID(1), got[1].MasterID)

		got, err = r.OccurrencesOnDay(ctx, 20260131, store.Filter{IncludeCancelled: true})
		require.NoError(t, err)
		assert.Len(t, got, 3)

		got, err = r.OccurrencesInRange(ctx,
			time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2026, time.February, 3, 0, 0, 0, 0, time.UTC), store.Filter{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, model.EventID(2), got[0].MasterID)
		assert.Equal(t, model.EventID(4), got[1].MasterID, "zero-length row inside the range")

		got, err = r.OccurrencesInRange(ctx,
			time.Date(2026, time.February, 2, 3, 0, 0, 0, time.UTC),
			time.Date(2026, time.February, 3, 0, 0, 0, 0, time.UTC), store.Filter{})
		require.NoError(t, err)
		require.Len(t, got, 1, "ranges are half-open")
		assert.Equal(t, model.EventID(4), got[0].MasterID)

		got, err = r.AllOccurrences(ctx, store.Filter{})
		require.NoError(t, err)
		assert.Len(t, got, 3)
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Update(ctx, func(w store.Writer) error {
		if err := w.PutEvent(ctx, Master(1, 1)); err != nil {
			return err
		}
		if _, err := w.ReplaceOccurrences(ctx, 1, nil, []model.Occurrence{Row(1, 1, t0, time.Hour)}); err != nil {
			return err
		}
		if err := w.SetHorizon(ctx, model.Window{Start: t0, End: t0.AddDate(0, 1, 0)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		_, err := r.Event(ctx, 1)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		rows, err := r.AllOccurrences(ctx, store.Filter{IncludeCancelled: true})
		require.NoError(t, err)
		assert.Empty(t, rows)
		h, err := r.Horizon(ctx)
		require.NoError(t, err)
		assert.True(t, h.IsZero())
		return nil
	}))
}

func testHorizon(t *testing.T, s store.Store) {
	ctx := context.Background()
	w := model.Window{Start: t0, End: t0.AddDate(0, 6, 0)}
	require.NoError(t, s.Update(ctx, func(wr store.Writer) error { return wr.SetHorizon(ctx, w) }))
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		got, err := r.Horizon(ctx)
		require.NoError(t, err)
		assert.True(t, got.Start.Equal(w.Start))
		assert.True(t, got.End.Equal(w.End))
		return nil
	}))
}
