package recurrence

import (
	"context"
	"sort"
	"time"

	"pcal/internal/daycode"
	appLog "pcal/internal/log"
	"pcal/internal/model"
)

// Resolve turns the master's instance times into Occurrence rows, applying
// the exceptions that override them.
//
// Matching uses only Exception.OriginalStart; the exception's own start is
// its new time. A cancelled exception still yields a row, flagged
// Cancelled. Exceptions that match no instance are ignored here and stay in
// the Event Store until a window reaches them. When several exceptions claim
// the same instance the one with the lowest id wins.
//
// Day codes are stamped in loc for timed rows and in UTC for all-day rows.
func Resolve(m *model.Master, originals []time.Time, exceptions []*model.Exception, loc *time.Location) []model.Occurrence {
	byOriginal := indexExceptions(m, exceptions)

	out := make([]model.Occurrence, 0, len(originals))
	dur := m.Duration()
	for _, orig := range originals {
		occ := model.Occurrence{
			MasterID:      m.ID,
			OriginalStart: orig,
			Start:         orig,
			End:           orig.Add(dur),
			CalendarID:    m.CalendarID,
			AllDay:        m.AllDay,
		}
		if ex, ok := byOriginal[orig.UnixMilli()]; ok {
			occ.ExceptionID = ex.ID
			occ.Start = ex.Start
			occ.End = ex.End
			occ.CalendarID = ex.CalendarID
			occ.AllDay = ex.AllDay
			occ.Cancelled = ex.Cancelled
		}
		occ.StartDay, occ.EndDay = daycode.Span(occ.Start, occ.End, occ.AllDay, loc)
		out = append(out, occ)
	}
	return out
}

// Materialize expands the master inside w and resolves its exceptions.
// Exceptions pin their original times so an exclusion-list entry for the
// same instant does not hide them.
func Materialize(ctx context.Context, m *model.Master, exceptions []*model.Exception, w model.Window, loc *time.Location, opts Options) ([]model.Occurrence, error) {
	opts.Pinned = append(opts.Pinned[:len(opts.Pinned):len(opts.Pinned)], originalsOf(m, exceptions)...)
	originals, err := Expand(ctx, m, w, opts)
	if err != nil {
		return nil, err
	}
	return Resolve(m, originals, exceptions, loc), nil
}

func originalsOf(m *model.Master, exceptions []*model.Exception) []time.Time {
	out := make([]time.Time, 0, len(exceptions))
	for _, ex := range exceptions {
		if ex.MasterID == m.ID {
			out = append(out, ex.OriginalStart)
		}
	}
	return out
}

func indexExceptions(m *model.Master, exceptions []*model.Exception) map[int64]*model.Exception {
	sorted := make([]*model.Exception, 0, len(exceptions))
	for _, ex := range exceptions {
		if ex == nil || ex.MasterID != m.ID {
			continue
		}
		if m.UID != "" && ex.UID != "" && ex.UID != m.UID {
			appLog.Error("exception uid does not match its master; ignoring", ErrInvalidRecurrence,
				"exception_id", ex.ID, "master_id", m.ID, "uid", ex.UID, "master_uid", m.UID)
			continue
		}
		sorted = append(sorted, ex)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make(map[int64]*model.Exception, len(sorted))
	for _, ex := range sorted {
		k := ex.OriginalStart.UnixMilli()
		if winner, ok := out[k]; ok {
			appLog.Error("two exceptions override the same instance; keeping the older one", ErrDuplicateInstance,
				"master_id", m.ID, "original_start", ex.OriginalStart, "kept", winner.ID, "dropped", ex.ID)
			continue
		}
		out[k] = ex
	}
	return out
}
