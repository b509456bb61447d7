/*
Package store defines the persistence contract shared by the Event Store and
the Occurrence Table.

Both live behind one Store so a series regeneration (event write, occurrence
rows, horizon) commits as a single unit. Readers go through View and always
observe a committed state; writers go through Update, which rolls back
everything when the callback fails.

Implementations:
  - store/memory: RWMutex guarded maps, snapshot/restore rollback
  - store/sqlite: SQLite tables, one SQL transaction per callback
*/
package store

import (
	"context"
	"errors"
	"time"

	"pcal/internal/daycode"
	"pcal/internal/model"
)

var (
	// ErrNotFound is returned when an event id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("store is read-only in this transaction")
)

// Filter narrows occurrence scans.
type Filter struct {
	// Calendars limits results to these calendars. Nil means all.
	Calendars map[model.CalendarID]bool
	// IncludeCancelled keeps cancelled placeholder rows.
	IncludeCancelled bool
}

// Allows reports whether the row passes the calendar and cancellation
// filters.
func (f Filter) Allows(o model.Occurrence) bool {
	if o.Cancelled && !f.IncludeCancelled {
		return false
	}
	if f.Calendars != nil && !f.Calendars[o.CalendarID] {
		return false
	}
	return true
}

// Reader is the read side of a transaction.
type Reader interface {
	// Event returns a copy of the event or ErrNotFound.
	Event(ctx context.Context, id model.EventID) (model.Event, error)
	// Masters returns every master, ordered by id.
	Masters(ctx context.Context) ([]*model.Master, error)
	// Exceptions returns the exceptions pointing at masterID, ordered by id.
	Exceptions(ctx context.Context, masterID model.EventID) ([]*model.Exception, error)
	// OrphanedExceptions returns exceptions whose master does not exist.
	OrphanedExceptions(ctx context.Context) ([]*model.Exception, error)
	// CalendarEvents returns the ids of every event in a calendar.
	CalendarEvents(ctx context.Context, cal model.CalendarID) ([]model.EventID, error)

	// Occurrences returns every row of a series, ordered by original start.
	Occurrences(ctx context.Context, masterID model.EventID) ([]model.Occurrence, error)
	// OccurrencesInRange returns rows overlapping [from, to), ordered by start.
	OccurrencesInRange(ctx context.Context, from, to time.Time, f Filter) ([]model.Occurrence, error)
	// OccurrencesOnDay returns rows whose [StartDay, EndDay] contains day,
	// ordered by start.
	OccurrencesOnDay(ctx context.Context, day daycode.Code, f Filter) ([]model.Occurrence, error)
	// AllOccurrences returns every row passing f, ordered by start.
	AllOccurrences(ctx context.Context, f Filter) ([]model.Occurrence, error)

	// Horizon returns the materialized window. A zero Window means nothing
	// has been materialized yet.
	Horizon(ctx context.Context) (model.Window, error)
}

// Writer is the write side of a transaction.
type Writer interface {
	Reader

	// PutEvent inserts or replaces an event by id.
	PutEvent(ctx context.Context, ev model.Event) error
	// DeleteEvent removes an event record. Occurrence rows are untouched.
	DeleteEvent(ctx context.Context, id model.EventID) error

	// ReplaceOccurrences makes rows the complete content of the series
	// inside scope, upserting on (master, original start). A nil scope
	// replaces every row of the series.
	ReplaceOccurrences(ctx context.Context, masterID model.EventID, scope *model.Window, rows []model.Occurrence) (Delta, error)
	// DeleteOccurrences removes every row of the series.
	DeleteOccurrences(ctx context.Context, masterID model.EventID) (Delta, error)

	// SetHorizon records the materialized window.
	SetHorizon(ctx context.Context, w model.Window) error
}

// Store owns the transactional boundary.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Writer) error) error
	Close() error
}

// Delta summarizes what a write changed in the Occurrence Table.
type Delta struct {
	Inserted int
	Updated  int
	Deleted  int

	// Span covers the old and new extent of every changed row. Zero when
	// nothing changed.
	Span model.Window
}

// Changed is the number of rows touched.
func (d Delta) Changed() int { return d.Inserted + d.Updated + d.Deleted }

// Add folds other into d.
func (d *Delta) Add(other Delta) {
	d.Inserted += other.Inserted
	d.Updated += other.Updated
	d.Deleted += other.Deleted
	d.Span = union(d.Span, other.Span)
}

func (d *Delta) cover(o model.Occurrence) {
	end := o.End
	if !end.After(o.Start) {
		end = o.Start.Add(time.Millisecond)
	}
	d.Span = union(d.Span, model.Window{Start: o.Start, End: end})
}

func union(a, b model.Window) model.Window {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	out := a
	if b.Start.Before(out.Start) {
		out.Start = b.Start
	}
	if b.End.After(out.End) {
		out.End = b.End
	}
	return out
}

// Plan is the set of row operations that turns existing into desired.
type Plan struct {
	Insert []model.Occurrence
	// Update carries desired content with the existing row id filled in.
	Update []model.Occurrence
	Delete []model.Occurrence
	Delta  Delta
}

// Diff computes the upsert plan for one series. all holds every stored row
// of the series; only rows inside scope, or sharing a key with a desired
// row, take part. Stored rows that share a key are duplicates: the lowest id
// is kept and the rest are deleted.
func Diff(all []model.Occurrence, scope *model.Window, desired []model.Occurrence) Plan {
	var p Plan

	wanted := make(map[model.Key]bool, len(desired))
	for _, o := range desired {
		wanted[o.Key()] = true
	}

	current := make(map[model.Key]model.Occurrence, len(all))
	for _, o := range all {
		k := o.Key()
		if !InScope(o, scope) && !wanted[k] {
			continue
		}
		if prev, ok := current[k]; ok {
			keep, drop := prev, o
			if o.ID < prev.ID {
				keep, drop = o, prev
			}
			current[k] = keep
			p.Delete = append(p.Delete, drop)
			p.Delta.Deleted++
			p.Delta.cover(drop)
			continue
		}
		current[k] = o
	}

	seen := make(map[model.Key]bool, len(desired))
	for _, o := range desired {
		k := o.Key()
		if seen[k] {
			continue
		}
		seen[k] = true

		prev, ok := current[k]
		switch {
		case !ok:
			o.ID = 0
			p.Insert = append(p.Insert, o)
			p.Delta.Inserted++
			p.Delta.cover(o)
		case !prev.SameContent(o):
			o.ID = prev.ID
			p.Update = append(p.Update, o)
			p.Delta.Updated++
			p.Delta.cover(prev)
			p.Delta.cover(o)
		}
	}

	for k, o := range current {
		if !seen[k] {
			p.Delete = append(p.Delete, o)
			p.Delta.Deleted++
			p.Delta.cover(o)
		}
	}
	return p
}

// InScope reports whether a row belongs to scope. A nil scope covers
// everything.
func InScope(o model.Occurrence, scope *model.Window) bool {
	return scope == nil || scope.Contains(o.OriginalStart)
}
