// Package query answers range, day and search questions over the
// Occurrence Table, always returning the resolved event (the exception when
// one overrides the instance). Each query also has a live form that pushes a
// fresh snapshot whenever a relevant change commits.
package query

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"pcal/internal/daycode"
	"pcal/internal/model"
	"pcal/internal/notify"
	"pcal/internal/store"
)

// Clock supplies the display timezone and the current time. *engine.Engine
// implements it.
type Clock interface {
	Location() *time.Location
	Now() time.Time
}

// Service runs queries. It never writes.
type Service struct {
	st    store.Store
	hub   *notify.Hub
	clock Clock
	vis   *Visibility
}

func New(st store.Store, hub *notify.Hub, clock Clock, vis *Visibility) *Service {
	if vis == nil {
		vis = NewVisibility(hub)
	}
	return &Service{st: st, hub: hub, clock: clock, vis: vis}
}

// Visibility is the calendar filter applied to every query.
func (s *Service) Visibility() *Visibility { return s.vis }

// Range returns the visible, non-cancelled occurrences overlapping
// [from, to), ordered by start.
func (s *Service) Range(ctx context.Context, from, to time.Time) ([]model.Resolved, error) {
	if !from.Before(to) {
		return nil, nil
	}
	var out []model.Resolved
	err := s.st.View(ctx, func(r store.Reader) error {
		rows, err := r.OccurrencesInRange(ctx, from, to, s.vis.Filter())
		if err != nil {
			return err
		}
		out, err = resolve(ctx, r, rows)
		return err
	})
	return out, err
}

// Day returns the visible, non-cancelled occurrences whose day span
// contains day.
func (s *Service) Day(ctx context.Context, day daycode.Code) ([]model.Resolved, error) {
	if !day.Valid() {
		return nil, errors.New("invalid day code " + day.String())
	}
	var out []model.Resolved
	err := s.st.View(ctx, func(r store.Reader) error {
		rows, err := r.OccurrencesOnDay(ctx, day, s.vis.Filter())
		if err != nil {
			return err
		}
		out, err = resolve(ctx, r, rows)
		return err
	})
	return out, err
}

// Search matches every whitespace separated term of text, ignoring case,
// against the title, description and location of resolved events. within,
// when set, limits the occurrences considered. Events pending removal are
// skipped. Each event appears once with its next occurrence: upcoming hits
// come first, soonest first, then past hits, most recent first.
func (s *Service) Search(ctx context.Context, text string, within *model.Window) ([]model.SearchHit, error) {
	terms := strings.Fields(strings.ToLower(text))
	if len(terms) == 0 {
		return nil, nil
	}
	now := s.clock.Now()

	var hits []model.SearchHit
	err := s.st.View(ctx, func(r store.Reader) error {
		var (
			rows []model.Occurrence
			err  error
		)
		if within != nil {
			rows, err = r.OccurrencesInRange(ctx, within.Start, within.End, s.vis.Filter())
		} else {
			rows, err = r.AllOccurrences(ctx, s.vis.Filter())
		}
		if err != nil {
			return err
		}
		resolved, err := resolve(ctx, r, rows)
		if err != nil {
			return err
		}

		pending := make(map[model.EventID]bool)
		isPending := func(id model.EventID) bool {
			if v, ok := pending[id]; ok {
				return v
			}
			ev, err := r.Event(ctx, id)
			v := err == nil && ev.Info().PendingDelete
			pending[id] = v
			return v
		}

		byEvent := make(map[model.EventID]int)
		for _, res := range resolved {
			info := res.Event.Info()
			if info.PendingDelete || isPending(res.Occurrence.MasterID) || !matches(info, terms) {
				continue
			}
			start := res.Occurrence.Start
			i, seen := byEvent[info.ID]
			if !seen {
				byEvent[info.ID] = len(hits)
				hits = append(hits, model.SearchHit{Event: res.Event, NextOccurrence: start})
				continue
			}
			if better(start, hits[i].NextOccurrence, now) {
				hits[i].NextOccurrence = start
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i].NextOccurrence, hits[j].NextOccurrence
		aUp, bUp := !a.Before(now), !b.Before(now)
		switch {
		case aUp != bUp:
			return aUp
		case !a.Equal(b):
			if aUp {
				return a.Before(b)
			}
			return a.After(b)
		default:
			return hits[i].Event.Info().ID < hits[j].Event.Info().ID
		}
	})
	return hits, nil
}

// better reports whether candidate is a better "next occurrence" than cur:
// the earliest start at or after now, else the latest one before it.
func better(candidate, cur, now time.Time) bool {
	cUp, curUp := !candidate.Before(now), !cur.Before(now)
	switch {
	case cUp && !curUp:
		return true
	case !cUp && curUp:
		return false
	case cUp:
		return candidate.Before(cur)
	default:
		return candidate.After(cur)
	}
}

func matches(info *model.EventInfo, terms []string) bool {
	hay := strings.ToLower(info.Title + "\n" + info.Description + "\n" + info.Location)
	for _, t := range terms {
		if !strings.Contains(hay, t) {
			return false
		}
	}
	return true
}

// resolve pairs each row with the event to display. Rows whose event has
// vanished are dropped.
func resolve(ctx context.Context, r store.Reader, rows []model.Occurrence) ([]model.Resolved, error) {
	cache := make(map[model.EventID]model.Event)
	lookup := func(id model.EventID) (model.Event, error) {
		if ev, ok := cache[id]; ok {
			return ev, nil
		}
		ev, err := r.Event(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			cache[id] = nil
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		cache[id] = ev
		return ev, nil
	}

	out := make([]model.Resolved, 0, len(rows))
	for _, o := range rows {
		ev, err := lookup(o.ResolvedEventID())
		if err != nil {
			return nil, err
		}
		if ev == nil && o.ExceptionID != 0 {
			if ev, err = lookup(o.MasterID); err != nil {
				return nil, err
			}
		}
		if ev == nil {
			continue
		}
		out = append(out, model.Resolved{Occurrence: o, Event: ev})
	}
	return out, nil
}
