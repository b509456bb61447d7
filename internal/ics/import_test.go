package ics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/engine"
	"pcal/internal/ics"
	"pcal/internal/model"
	"pcal/internal/notify"
	"pcal/internal/query"
	"pcal/internal/store/memory"
)

type importFixture struct {
	eng *engine.Engine
	q   *query.Service
	im  *ics.Importer
}

func newImportFixture(t *testing.T) *importFixture {
	t.Helper()
	st := memory.New()
	hub := notify.New()
	eng := engine.New(st, hub, engine.Options{
		Location: time.UTC,
		Now:      func() time.Time { return utc(time.January, 1, 12, 0) },
	})
	_, err := eng.EnsureMaterialized(context.Background(), utc(time.March, 1, 0, 0))
	require.NoError(t, err)
	return &importFixture{eng: eng, q: query.New(st, hub, eng, nil), im: ics.NewImporter(eng, st)}
}

func titlesOf(rs []model.Resolved) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Event.Info().Title)
	}
	return out
}

func TestEventID(t *testing.T) {
	rid := utc(time.January, 12, 14, 0)
	a := ics.EventID(1, "uid", time.Time{})
	assert.Equal(t, a, ics.EventID(1, "uid", time.Time{}))
	assert.Positive(t, int64(a))
	assert.NotEqual(t, a, ics.EventID(2, "uid", time.Time{}))
	assert.NotEqual(t, a, ics.EventID(1, "uid", rid))
	assert.Equal(t, ics.EventID(1, "uid", rid), ics.EventID(1, "uid", rid.In(time.FixedZone("x", 3600))))
}

func TestImporter_Import(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)
	src := ics.Source{ID: "work", CalendarID: 7}

	parsed, err := ics.ParseICS(src, crlf(feed))
	require.NoError(t, err)
	res, err := f.im.Import(ctx, src, parsed)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Upserted)
	assert.Empty(t, res.Errors)

	jan, err := f.q.Range(ctx, utc(time.January, 1, 0, 0), utc(time.February, 1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"Standup", "Standup (late)"}, titlesOf(jan), "01-19 is excluded and 01-26 cancelled")
	for _, r := range jan {
		assert.Equal(t, model.CalendarID(7), r.Occurrence.CalendarID)
	}

	offsite, err := f.q.Day(ctx, 20260210)
	require.NoError(t, err)
	assert.Equal(t, []string{"Offsite"}, titlesOf(offsite))

	res, err = f.im.Import(ctx, src, parsed)
	require.NoError(t, err)
	assert.Zero(t, res.Upserted)
	assert.Equal(t, 4, res.Unchanged)

	res, err = f.im.Import(ctx, src, parsed[3:])
	require.NoError(t, err)
	assert.Equal(t, 3, res.Deleted)
	assert.Empty(t, res.Errors)

	jan, err = f.q.Range(ctx, utc(time.January, 1, 0, 0), utc(time.February, 1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, jan)
	orphans, err := f.eng.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans, "exceptions go with their master")
}

func TestImporter_KeepsHighestSequence(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)
	src := ics.Source{ID: "home", CalendarID: 3}

	base := ics.ParsedEvent{
		UID:     "dup@example.com",
		Summary: "Old",
		Seq:     1,
		Start:   utc(time.January, 20, 9, 0),
		End:     utc(time.January, 20, 10, 0),
	}
	newer := base
	newer.Summary = "New"
	newer.Seq = 3
	cancelled := base
	cancelled.UID = "gone@example.com"
	cancelled.Cancelled = true

	res, err := f.im.Import(ctx, src, []ics.ParsedEvent{newer, base, cancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, 2, res.Skipped)

	day, err := f.q.Day(ctx, 20260120)
	require.NoError(t, err)
	assert.Equal(t, []string{"New"}, titlesOf(day))
}

func TestImporter_ReportsBadEvents(t *testing.T) {
	ctx := context.Background()
	f := newImportFixture(t)
	src := ics.Source{ID: "bad", CalendarID: 4}

	bad := ics.ParsedEvent{
		UID:      "bad@example.com",
		Start:    utc(time.January, 20, 9, 0),
		End:      utc(time.January, 20, 10, 0),
		RawRRule: "FREQ=WEEKLY;INTERVAL=0",
	}
	good := ics.ParsedEvent{
		UID:     "good@example.com",
		Summary: "Good",
		Start:   utc(time.January, 21, 9, 0),
		End:     utc(time.January, 21, 10, 0),
	}
	res, err := f.im.Import(ctx, src, []ics.ParsedEvent{bad, good})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Upserted)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "bad@example.com")
}
