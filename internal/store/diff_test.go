package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/model"
	"pcal/internal/store"
)

var base = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func row(id model.OccurrenceID, day int, shift time.Duration) model.Occurrence {
	orig := base.AddDate(0, 0, day)
	return model.Occurrence{
		ID:            id,
		MasterID:      1,
		OriginalStart: orig,
		Start:         orig.Add(shift),
		End:           orig.Add(shift + time.Hour),
		CalendarID:    1,
	}
}

func TestDiff_InsertUpdateDelete(t *testing.T) {
	existing := []model.Occurrence{row(1, 0, 0), row(2, 1, 0), row(3, 2, 0)}
	desired := []model.Occurrence{row(0, 0, 0), row(0, 1, 2*time.Hour), row(0, 3, 0)}

	p := store.Diff(existing, nil, desired)

	require.Len(t, p.Insert, 1)
	assert.True(t, p.Insert[0].OriginalStart.Equal(base.AddDate(0, 0, 3)))
	require.Len(t, p.Update, 1)
	assert.Equal(t, model.OccurrenceID(2), p.Update[0].ID)
	require.Len(t, p.Delete, 1)
	assert.Equal(t, model.OccurrenceID(3), p.Delete[0].ID)

	assert.Equal(t, 3, p.Delta.Changed())
	assert.True(t, p.Delta.Span.Start.Equal(base.AddDate(0, 0, 1)))
	assert.True(t, p.Delta.Span.End.Equal(base.AddDate(0, 0, 3).Add(time.Hour)))
}

func TestDiff_NoChangeIsEmpty(t *testing.T) {
	existing := []model.Occurrence{row(7, 0, 0), row(8, 1, 0)}
	p := store.Diff(existing, nil, []model.Occurrence{row(0, 0, 0), row(0, 1, 0)})
	assert.Zero(t, p.Delta.Changed())
	assert.True(t, p.Delta.Span.IsZero())
}

func TestDiff_ScopeLeavesOtherRowsAlone(t *testing.T) {
	existing := []model.Occurrence{row(1, 0, 0), row(2, 5, 0), row(3, 6, 0)}
	scope := &model.Window{Start: base.AddDate(0, 0, 4), End: base.AddDate(0, 0, 10)}

	p := store.Diff(existing, scope, []model.Occurrence{row(0, 5, 0)})
	require.Len(t, p.Delete, 1)
	assert.Equal(t, model.OccurrenceID(3), p.Delete[0].ID)
	assert.Empty(t, p.Insert)
}

func TestDiff_DesiredRowOutsideScopeUpdatesInPlace(t *testing.T) {
	existing := []model.Occurrence{row(1, 0, 0)}
	scope := &model.Window{Start: base.AddDate(0, 0, 4), End: base.AddDate(0, 0, 10)}

	p := store.Diff(existing, scope, []model.Occurrence{row(0, 0, time.Hour)})
	assert.Empty(t, p.Insert)
	require.Len(t, p.Update, 1)
	assert.Equal(t, model.OccurrenceID(1), p.Update[0].ID)
}

func TestDiff_DuplicateKeysKeepLowestID(t *testing.T) {
	existing := []model.Occurrence{row(9, 0, 0), row(4, 0, 0)}
	p := store.Diff(existing, nil, []model.Occurrence{row(0, 0, 0)})
	require.Len(t, p.Delete, 1)
	assert.Equal(t, model.OccurrenceID(9), p.Delete[0].ID)
	assert.Empty(t, p.Update)
	assert.Empty(t, p.Insert)
}

func TestFilter_Allows(t *testing.T) {
	o := row(1, 0, 0)
	assert.True(t, store.Filter{}.Allows(o))
	assert.False(t, store.Filter{Calendars: map[model.CalendarID]bool{2: true}}.Allows(o))

	o.Cancelled = true
	assert.False(t, store.Filter{}.Allows(o))
	assert.True(t, store.Filter{IncludeCancelled: true}.Allows(o))
}
