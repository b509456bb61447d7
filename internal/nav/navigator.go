package nav

import (
	"context"
	"sync"
	"time"

	"pcal/internal/daycode"
	"pcal/internal/engine"
	appLog "pcal/internal/log"
	"pcal/internal/model"
	"pcal/internal/query"
)

// Session is the navigation state of one client (a screen, an HTTP stream).
// It is passed into every call instead of living in the engine.
type Session struct {
	mu      sync.Mutex
	started bool
	focus   time.Time
}

// Started reports whether the startup extension has run for this session.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Focus is the last time the session navigated to.
func (s *Session) Focus() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

func (s *Session) setFocus(t time.Time) {
	s.mu.Lock()
	s.focus = t
	s.mu.Unlock()
}

// Materializer is the part of the engine navigation needs.
type Materializer interface {
	EnsureAround(ctx context.Context, t time.Time) (engine.Summary, error)
	EnsureMaterialized(ctx context.Context, through time.Time) (engine.Summary, error)
	Location() *time.Location
	Now() time.Time
}

// View is what a navigation request delivers.
type View struct {
	// First and Last are the inclusive day range shown.
	First, Last daycode.Code
	Items       []model.Resolved
	// Changed counts rows the request had to materialize first.
	Changed int
}

// Navigator debounces month and day navigation. Each request first makes
// sure the window around the target is materialized, then queries it.
type Navigator struct {
	eng Materializer
	q   *query.Service
	deb *Debouncer
}

func NewNavigator(eng Materializer, q *query.Service, quiet time.Duration) *Navigator {
	return &Navigator{eng: eng, q: q, deb: NewDebouncer(quiet)}
}

// Start runs the startup extension once per session.
func (n *Navigator) Start(ctx context.Context, s *Session) (engine.Summary, error) {
	if !s.begin() {
		return engine.Summary{}, nil
	}
	now := n.eng.Now()
	s.setFocus(now)
	sum, err := n.eng.EnsureAround(ctx, now)
	if err != nil {
		// Let a later Start retry.
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return sum, err
	}
	return sum, nil
}

// ShowMonth schedules the month containing t. deliver runs only for the
// latest request and never after its context is cancelled.
func (n *Navigator) ShowMonth(ctx context.Context, s *Session, t time.Time, deliver func(View, error)) {
	loc := n.eng.Location()
	t = t.In(loc)
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	to := from.AddDate(0, 1, 0)
	view := View{First: daycode.FromTime(from, loc), Last: daycode.FromTime(to, loc).Prev()}
	n.show(ctx, s, from, to, view, func(ctx context.Context) ([]model.Resolved, error) {
		return n.q.Range(ctx, from, to)
	}, deliver)
}

// ShowDay schedules a single day.
func (n *Navigator) ShowDay(ctx context.Context, s *Session, day daycode.Code, deliver func(View, error)) {
	loc := n.eng.Location()
	view := View{First: day, Last: day}
	n.show(ctx, s, day.Time(loc), day.Next().Time(loc), view, func(ctx context.Context) ([]model.Resolved, error) {
		return n.q.Day(ctx, day)
	}, deliver)
}

// show materializes around focus and through end, then fetches.
func (n *Navigator) show(ctx context.Context, s *Session, focus, end time.Time, view View,
	fetch func(context.Context) ([]model.Resolved, error), deliver func(View, error)) {
	s.setFocus(focus)
	n.deb.Schedule(ctx, func(ctx context.Context) {
		sum, err := n.eng.EnsureAround(ctx, focus)
		if err == nil {
			var tail engine.Summary
			tail, err = n.eng.EnsureMaterialized(ctx, end)
			sum.Changed += tail.Changed
		}
		if err != nil {
			if ctx.Err() == nil {
				deliver(View{}, err)
			}
			return
		}
		items, err := fetch(ctx)
		if ctx.Err() != nil {
			appLog.Debug("navigation superseded", "focus", focus)
			return
		}
		view.Items = items
		view.Changed = sum.Changed
		deliver(view, err)
	})
}

// Wait blocks until the scheduled request, if any, has been delivered or
// dropped.
func (n *Navigator) Wait() {
	n.deb.Wait()
}

// Stop cancels pending work and waits for a running request to return.
func (n *Navigator) Stop() {
	n.deb.Cancel()
	n.deb.Wait()
}
