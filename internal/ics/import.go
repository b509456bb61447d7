package ics

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"time"

	appLog "pcal/internal/log"
	"pcal/internal/model"
	"pcal/internal/store"
)

// Mutator applies event changes. *engine.Engine implements it.
type Mutator interface {
	Upsert(ctx context.Context, ev model.Event) error
	Delete(ctx context.Context, id model.EventID) error
}

// Result reports one source's import.
type Result struct {
	Source    Source
	Upserted  int
	Unchanged int
	Skipped   int
	Deleted   int
	Errors    []error
}

// Importer mirrors parsed feeds into the event store: one calendar per
// source, events keyed by a stable id derived from the calendar, UID and
// RECURRENCE-ID.
type Importer struct {
	mut Mutator
	st  store.Store
}

func NewImporter(mut Mutator, st store.Store) *Importer {
	return &Importer{mut: mut, st: st}
}

// EventID derives the id of a VEVENT. Zero recurrence means the master.
func EventID(cal model.CalendarID, uid string, recurrence time.Time) model.EventID {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(int64(cal), 10)))
	h.Write([]byte{0})
	h.Write([]byte(uid))
	if !recurrence.IsZero() {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(recurrence.UnixMilli(), 10)))
	}
	id := model.EventID(h.Sum64() &^ (1 << 63))
	if id == 0 {
		id = 1
	}
	return id
}

// Import makes the calendar of src match events. Masters are written before
// their exceptions; events of the calendar missing from the feed are deleted,
// exceptions first. A failing event is reported and skipped.
func (im *Importer) Import(ctx context.Context, src Source, events []ParsedEvent) (Result, error) {
	res := Result{Source: src}
	masters, exceptions := im.convert(src, events, &res)

	seen := make(map[model.EventID]bool, len(masters)+len(exceptions))
	for _, ev := range masters {
		seen[ev.Info().ID] = true
	}
	for _, ev := range exceptions {
		seen[ev.Info().ID] = true
	}

	prev, err := im.existing(ctx, src.CalendarID)
	if err != nil {
		return res, err
	}

	for _, ev := range append(masters, exceptions...) {
		if old, ok := prev[ev.Info().ID]; ok && sameEvent(old, ev) {
			res.Unchanged++
			continue
		}
		if err := im.mut.Upsert(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			appLog.Error("ics event import failed", err, "source", src.ID, "uid", ev.Info().UID, "event_id", ev.Info().ID)
			res.Errors = append(res.Errors, fmt.Errorf("uid %s: %w", ev.Info().UID, err))
			continue
		}
		res.Upserted++
	}

	var gone []model.Event
	for id, ev := range prev {
		if !seen[id] {
			gone = append(gone, ev)
		}
	}
	slices.SortFunc(gone, func(a, b model.Event) int {
		_, aEx := a.(*model.Exception)
		_, bEx := b.(*model.Exception)
		switch {
		case aEx && !bEx:
			return -1
		case bEx && !aEx:
			return 1
		}
		return cmpID(a.Info().ID, b.Info().ID)
	})
	for _, ev := range gone {
		err := im.mut.Delete(ctx, ev.Info().ID)
		switch {
		case err == nil:
			res.Deleted++
		case errors.Is(err, store.ErrNotFound):
		case ctx.Err() != nil:
			return res, ctx.Err()
		default:
			res.Errors = append(res.Errors, fmt.Errorf("delete %d: %w", ev.Info().ID, err))
		}
	}

	appLog.Info("ics import completed", "source", src.ID, "calendar_id", src.CalendarID,
		"upserted", res.Upserted, "unchanged", res.Unchanged, "skipped", res.Skipped,
		"deleted", res.Deleted, "errors", len(res.Errors))
	return res, nil
}

// Refresh fetches, parses and imports every source. A source that cannot be
// fetched or parsed keeps its previous events.
func (im *Importer) Refresh(ctx context.Context, f *Fetcher, sources []Source) ([]Result, []error) {
	fetched, errs := f.FetchAll(ctx, sources)
	results := make([]Result, 0, len(fetched))
	for _, fr := range fetched {
		parsed, err := ParseICS(fr.Source, fr.Body)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", fr.Source.ID, err))
			continue
		}
		res, err := im.Import(ctx, fr.Source, parsed)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", fr.Source.ID, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

func (im *Importer) existing(ctx context.Context, cal model.CalendarID) (map[model.EventID]model.Event, error) {
	out := make(map[model.EventID]model.Event)
	err := im.st.View(ctx, func(r store.Reader) error {
		ids, err := r.CalendarEvents(ctx, cal)
		if err != nil {
			return err
		}
		for _, id := range ids {
			ev, err := r.Event(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = ev
		}
		return nil
	})
	return out, err
}

// convert maps parsed VEVENTs to events. Repeated UIDs (or UID and
// RECURRENCE-ID pairs) keep the highest SEQUENCE; cancelled masters are
// dropped.
func (im *Importer) convert(src Source, events []ParsedEvent, res *Result) ([]model.Event, []model.Event) {
	type entry struct {
		ev  model.Event
		seq int
	}
	var order []model.EventID
	byID := make(map[model.EventID]entry)
	add := func(ev model.Event, seq int) {
		id := ev.Info().ID
		if cur, ok := byID[id]; ok {
			res.Skipped++
			if cur.seq > seq {
				return
			}
		} else {
			order = append(order, id)
		}
		byID[id] = entry{ev: ev, seq: seq}
	}

	for _, p := range events {
		info := model.EventInfo{
			UID:         p.UID,
			CalendarID:  src.CalendarID,
			Title:       p.Summary,
			Location:    p.Location,
			Description: p.Description,
			Start:       p.Start,
			End:         p.End,
			TZID:        p.TZID,
			AllDay:      p.AllDay,
			Sequence:    p.Seq,
			Reminders:   p.Reminders,
		}
		if !p.IsOverride() {
			if p.Cancelled {
				res.Skipped++
				continue
			}
			info.ID = EventID(src.CalendarID, p.UID, time.Time{})
			add(&model.Master{EventInfo: info, RRule: p.RawRRule, ExDates: p.ExDates}, p.Seq)
			continue
		}
		info.ID = EventID(src.CalendarID, p.UID, *p.Recurrence)
		add(&model.Exception{
			EventInfo:     info,
			MasterID:      EventID(src.CalendarID, p.UID, time.Time{}),
			OriginalStart: *p.Recurrence,
			Cancelled:     p.Cancelled,
		}, p.Seq)
	}

	var masters, exceptions []model.Event
	for _, id := range order {
		switch ev := byID[id].ev.(type) {
		case *model.Master:
			masters = append(masters, ev)
		case *model.Exception:
			exceptions = append(exceptions, ev)
		}
	}
	return masters, exceptions
}

func cmpID(a, b model.EventID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// sameEvent compares the imported fields, ignoring time zone
// representation and the pending-delete flag.
func sameEvent(a, b model.Event) bool {
	ai, bi := a.Info(), b.Info()
	if ai.ID != bi.ID || ai.UID != bi.UID || ai.CalendarID != bi.CalendarID ||
		ai.Title != bi.Title || ai.Location != bi.Location || ai.Description != bi.Description ||
		!ai.Start.Equal(bi.Start) || !ai.End.Equal(bi.End) ||
		ai.TZID != bi.TZID || ai.AllDay != bi.AllDay || ai.Sequence != bi.Sequence ||
		!slices.Equal(ai.Reminders, bi.Reminders) {
		return false
	}
	switch x := a.(type) {
	case *model.Master:
		y, ok := b.(*model.Master)
		return ok && x.RRule == y.RRule && slices.EqualFunc(x.ExDates, y.ExDates, time.Time.Equal)
	case *model.Exception:
		y, ok := b.(*model.Exception)
		return ok && x.MasterID == y.MasterID && x.Cancelled == y.Cancelled &&
			x.OriginalStart.Equal(y.OriginalStart)
	}
	return false
}
