package model

import (
	"fmt"
	"time"

	"pcal/internal/daycode"
)

// EventID is the opaque, store-assigned identifier of an event record.
// Lower ids are older records; DuplicateInstance recovery relies on that.
type EventID int64

// CalendarID identifies the calendar (account collection or subscription)
// an event belongs to.
type CalendarID int64

// OccurrenceID is assigned by the Occurrence Table.
type OccurrenceID int64

// Event is either a *Master or an *Exception. The set is closed: nothing
// outside this package can implement it.
type Event interface {
	Info() *EventInfo
	isEvent()
}

// EventInfo carries the fields shared by masters and exceptions.
type EventInfo struct {
	ID         EventID
	UID        string // iCalendar UID, shared by a master and its exceptions
	CalendarID CalendarID

	Title       string
	Location    string
	Description string

	// Start / End of the definition. For all-day events both are UTC
	// midnight boundaries and TZID is empty.
	Start  time.Time
	End    time.Time
	TZID   string
	AllDay bool

	Sequence  int
	Reminders []time.Duration

	// PendingDelete marks records the sync layer is about to remove for good.
	PendingDelete bool
}

// Duration is End-Start, never negative.
func (i *EventInfo) Duration() time.Duration {
	if i.End.Before(i.Start) {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Zone resolves TZID. All-day events live in UTC; an unknown or empty
// TZID also falls back to UTC.
func (i *EventInfo) Zone() *time.Location {
	if i.AllDay || i.TZID == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(i.TZID)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Master is a single event or the definition of a recurring series.
type Master struct {
	EventInfo

	// RRule is the RFC 5545 recurrence rule, without the "RRULE:" prefix.
	// Empty for single events.
	RRule   string
	ExDates []time.Time
}

func (m *Master) Info() *EventInfo { return &m.EventInfo }
func (*Master) isEvent()           {}

// Recurring reports whether the master defines a series.
func (m *Master) Recurring() bool { return m.RRule != "" }

// Excluded reports whether t is on the exclusion list.
func (m *Master) Excluded(t time.Time) bool {
	for _, ex := range m.ExDates {
		if ex.Equal(t) {
			return true
		}
	}
	return false
}

// Exception overrides exactly one instance of a master.
type Exception struct {
	EventInfo

	MasterID EventID
	// OriginalStart is the instance start this record replaces. It is the
	// only thing used for matching; Start is the new time.
	OriginalStart time.Time
	// Cancelled keeps a visible "cancelled" placeholder for the instance.
	Cancelled bool
}

func (e *Exception) Info() *EventInfo { return &e.EventInfo }
func (*Exception) isEvent()           {}

// Clone returns a deep copy so stores can hand events out without sharing
// slices with their internal state.
func Clone(ev Event) Event {
	switch e := ev.(type) {
	case *Master:
		c := *e
		c.Reminders = append([]time.Duration(nil), e.Reminders...)
		c.ExDates = append([]time.Time(nil), e.ExDates...)
		return &c
	case *Exception:
		c := *e
		c.Reminders = append([]time.Duration(nil), e.Reminders...)
		return &c
	default:
		return nil
	}
}

// Validate checks the invariants that do not depend on other records.
// Recurrence rule syntax is validated by the recurrence package.
func Validate(ev Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}
	info := ev.Info()
	if info.ID <= 0 {
		return fmt.Errorf("event id must be positive, got %d", info.ID)
	}
	if info.Start.IsZero() {
		return fmt.Errorf("event %d: start time is required", info.ID)
	}
	if info.End.Before(info.Start) {
		return fmt.Errorf("event %d: end %s is before start %s", info.ID, info.End, info.Start)
	}
	if info.TZID != "" {
		if _, err := time.LoadLocation(info.TZID); err != nil {
			return fmt.Errorf("event %d: unknown timezone %q: %w", info.ID, info.TZID, err)
		}
	}
	if ex, ok := ev.(*Exception); ok {
		if ex.MasterID <= 0 {
			return fmt.Errorf("exception %d: master id is required", info.ID)
		}
		if ex.MasterID == info.ID {
			return fmt.Errorf("exception %d: cannot override itself", info.ID)
		}
		if ex.OriginalStart.IsZero() {
			return fmt.Errorf("exception %d: original instance time is required", info.ID)
		}
	}
	return nil
}

// Occurrence is one materialized instance. Rows are derived from events and
// owned by the Occurrence Table.
type Occurrence struct {
	ID       OccurrenceID
	MasterID EventID
	// ExceptionID is zero unless an exception overrides the instance.
	ExceptionID EventID

	// OriginalStart is the rule-generated start; together with MasterID it
	// is the upsert key.
	OriginalStart time.Time
	Start         time.Time
	End           time.Time

	CalendarID CalendarID
	StartDay   daycode.Code
	EndDay     daycode.Code
	AllDay     bool
	Cancelled  bool
}

// Key is the (master, original instance time) identity of a row.
type Key struct {
	MasterID      EventID
	OriginalStart int64 // unix milliseconds
}

func (o Occurrence) Key() Key {
	return Key{MasterID: o.MasterID, OriginalStart: o.OriginalStart.UnixMilli()}
}

// ResolvedEventID is the event whose data should be displayed.
func (o Occurrence) ResolvedEventID() EventID {
	if o.ExceptionID != 0 {
		return o.ExceptionID
	}
	return o.MasterID
}

// SameContent compares everything but the row id.
func (o Occurrence) SameContent(other Occurrence) bool {
	return o.MasterID == other.MasterID &&
		o.ExceptionID == other.ExceptionID &&
		o.OriginalStart.Equal(other.OriginalStart) &&
		o.Start.Equal(other.Start) &&
		o.End.Equal(other.End) &&
		o.CalendarID == other.CalendarID &&
		o.StartDay == other.StartDay &&
		o.EndDay == other.EndDay &&
		o.AllDay == other.AllDay &&
		o.Cancelled == other.Cancelled
}

// Overlaps reports whether the occurrence intersects [from, to). Zero length
// occurrences count when their start lies inside the range.
func (o Occurrence) Overlaps(from, to time.Time) bool {
	if !o.Start.Before(to) {
		return false
	}
	if o.End.After(o.Start) {
		return o.End.After(from)
	}
	return !o.Start.Before(from)
}

// OnDay reports whether day lies within [StartDay, EndDay].
func (o Occurrence) OnDay(day daycode.Code) bool {
	return !day.Before(o.StartDay) && !day.After(o.EndDay)
}

// Resolved pairs an occurrence with the event that should be displayed for
// it: the exception when one applies, the master otherwise.
type Resolved struct {
	Occurrence Occurrence
	Event      Event
}

// SearchHit is one resolved event matching a search, with the start of its
// next occurrence.
type SearchHit struct {
	Event          Event
	NextOccurrence time.Time
}

// Window is the half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) IsZero() bool { return w.Start.IsZero() && w.End.IsZero() }

// Empty reports a window that cannot contain anything.
func (w Window) Empty() bool { return !w.Start.Before(w.End) }

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + ")"
}
