package recurrence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/daycode"
	"pcal/internal/model"
	"pcal/internal/recurrence"
)

func exception(id model.EventID, m *model.Master, original, start time.Time, dur time.Duration) *model.Exception {
	return &model.Exception{
		EventInfo: model.EventInfo{
			ID:         id,
			UID:        m.UID,
			CalendarID: m.CalendarID,
			Title:      "moved " + m.Title,
			Start:      start,
			End:        start.Add(dur),
			TZID:       m.TZID,
		},
		MasterID:      m.ID,
		OriginalStart: original,
	}
}

func TestMaterialize_ExceptionReplacesInstance(t *testing.T) {
	ny := newYork(t)
	m := master(1, time.Date(2026, time.January, 6, 9, 0, 0, 0, ny), time.Hour, "FREQ=WEEKLY;COUNT=3")
	orig := time.Date(2026, time.January, 13, 9, 0, 0, 0, ny)
	moved := time.Date(2026, time.January, 14, 16, 0, 0, 0, ny)
	ex := exception(20, m, orig, moved, 30*time.Minute)

	rows, err := recurrence.Materialize(context.Background(), m, []*model.Exception{ex},
		window(time.Date(2026, time.January, 1, 0, 0, 0, 0, ny), time.Date(2026, time.February, 1, 0, 0, 0, 0, ny)),
		ny, recurrence.Options{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, model.EventID(0), rows[0].ExceptionID)
	assert.Equal(t, model.EventID(20), rows[1].ExceptionID)
	assert.True(t, rows[1].OriginalStart.Equal(orig))
	assert.True(t, rows[1].Start.Equal(moved))
	assert.True(t, rows[1].End.Equal(moved.Add(30*time.Minute)))
	assert.Equal(t, daycode.Code(20260114), rows[1].StartDay)
	assert.Equal(t, model.EventID(20), rows[1].ResolvedEventID())
	assert.Equal(t, model.EventID(1), rows[2].ResolvedEventID())
}

func TestMaterialize_ExceptionBeatsExclusion(t *testing.T) {
	start := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)
	m := master(1, start, time.Hour, "FREQ=DAILY;COUNT=3")
	x := start.AddDate(0, 0, 1)
	m.ExDates = []time.Time{x}
	ex := exception(30, m, x, x.Add(2*time.Hour), time.Hour)

	rows, err := recurrence.Materialize(context.Background(), m, []*model.Exception{ex},
		window(start, start.AddDate(0, 0, 7)), time.UTC, recurrence.Options{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, model.EventID(30), rows[1].ExceptionID)
	assert.False(t, rows[1].Cancelled)

	// Without the exception the excluded instance simply does not exist.
	rows, err = recurrence.Materialize(context.Background(), m, nil,
		window(start, start.AddDate(0, 0, 7)), time.UTC, recurrence.Options{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMaterialize_CancelledExceptionKeepsPlaceholder(t *testing.T) {
	start := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)
	m := master(1, start, time.Hour, "FREQ=DAILY;COUNT=3")
	x := start.AddDate(0, 0, 2)
	ex := exception(31, m, x, x, time.Hour)
	ex.Cancelled = true

	rows, err := recurrence.Materialize(context.Background(), m, []*model.Exception{ex},
		window(start, start.AddDate(0, 0, 7)), time.UTC, recurrence.Options{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[2].Cancelled)
	assert.Equal(t, model.EventID(31), rows[2].ExceptionID)
}

func TestResolve_DuplicateExceptionsLowestIDWins(t *testing.T) {
	start := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)
	m := master(1, start, time.Hour, "FREQ=DAILY;COUNT=2")
	newer := exception(50, m, start, start.Add(5*time.Hour), time.Hour)
	older := exception(40, m, start, start.Add(3*time.Hour), time.Hour)

	rows := recurrence.Resolve(m, []time.Time{start, start.AddDate(0, 0, 1)},
		[]*model.Exception{newer, older}, time.UTC)
	require.Len(t, rows, 2)
	assert.Equal(t, model.EventID(40), rows[0].ExceptionID)
	assert.True(t, rows[0].Start.Equal(start.Add(3*time.Hour)))
}

func TestResolve_IgnoresForeignAndUnmatchedExceptions(t *testing.T) {
	start := time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)
	m := master(1, start, time.Hour, "FREQ=DAILY;COUNT=2")

	foreign := exception(60, m, start, start.Add(time.Hour), time.Hour)
	foreign.MasterID = 99
	wrongUID := exception(61, m, start, start.Add(time.Hour), time.Hour)
	wrongUID.UID = "someone-else"
	future := exception(62, m, start.AddDate(1, 0, 0), start.AddDate(1, 0, 0), time.Hour)

	rows := recurrence.Resolve(m, []time.Time{start}, []*model.Exception{foreign, wrongUID, future}, time.UTC)
	require.Len(t, rows, 1)
	assert.Equal(t, model.EventID(0), rows[0].ExceptionID)
}

func TestResolve_MultiDayAllDaySpan(t *testing.T) {
	start := time.Date(2026, time.January, 30, 0, 0, 0, 0, time.UTC)
	m := master(1, start, 4*24*time.Hour, "")
	m.AllDay = true
	m.TZID = ""
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	rows := recurrence.Resolve(m, []time.Time{start}, nil, seoul)
	require.Len(t, rows, 1)
	assert.Equal(t, daycode.Code(20260130), rows[0].StartDay)
	assert.Equal(t, daycode.Code(20260202), rows[0].EndDay)
}
