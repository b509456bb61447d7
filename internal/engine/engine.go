// Package engine is the single writer of the Occurrence Table. It accepts
// event mutations, regenerates the affected series inside the materialized
// window, grows that window on demand and publishes every commit to the
// change stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pcal/internal/daycode"
	appLog "pcal/internal/log"
	"pcal/internal/model"
	"pcal/internal/notify"
	"pcal/internal/recurrence"
	"pcal/internal/store"
)

const (
	defaultPastDays   = 31
	defaultFutureDays = 92
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	// Location is the display timezone used for timed day codes.
	Location *time.Location
	// PastDays and FutureDays size the window created on first use, counted
	// from the start of today.
	PastDays   int
	FutureDays int
	// MaxInstances caps instances per series per extension.
	MaxInstances int
	// Workers bounds how many series expand in parallel.
	Workers int
	// Now is the clock; tests pin it.
	Now func() time.Time
}

// Summary reports the outcome of a batch regeneration.
type Summary struct {
	// Changed is the number of Occurrence rows inserted, updated or deleted.
	Changed   int
	Succeeded int
	Failed    int
	Failures  []*SeriesError
	// Horizon is the materialized window after the call.
	Horizon model.Window
}

func (s *Summary) fail(err *SeriesError) {
	s.Failed++
	s.Failures = append(s.Failures, err)
}

// Engine serializes all writes to the store. Reads go straight to the store.
type Engine struct {
	st   store.Store
	hub  *notify.Hub
	opts Options
	loc  atomic.Pointer[time.Location]

	mu sync.Mutex
}

func New(st store.Store, hub *notify.Hub, opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PastDays <= 0 {
		opts.PastDays = defaultPastDays
	}
	if opts.FutureDays <= 0 {
		opts.FutureDays = defaultFutureDays
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{st: st, hub: hub, opts: opts}
	e.loc.Store(opts.Location)
	return e
}

// Location is the display timezone for timed day codes.
func (e *Engine) Location() *time.Location { return e.loc.Load() }

// Now is the engine clock.
func (e *Engine) Now() time.Time { return e.opts.Now() }

// Horizon returns the materialized window.
func (e *Engine) Horizon(ctx context.Context) (model.Window, error) {
	var h model.Window
	err := e.st.View(ctx, func(r store.Reader) (err error) {
		h, err = r.Horizon(ctx)
		return err
	})
	return h, err
}

// DefaultWindow is the window around t that startup and navigation keep
// materialized.
func (e *Engine) DefaultWindow(t time.Time) model.Window {
	day := daycode.FromTime(t, e.Location()).Time(e.Location())
	return model.Window{
		Start: day.AddDate(0, 0, -e.opts.PastDays),
		End:   day.AddDate(0, 0, e.opts.FutureDays),
	}
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Upsert stores a master or exception and regenerates its series inside the
// current window, in one transaction.
//
// Events failing validation, and masters whose rule does not parse, are
// rejected: nothing is stored and existing rows stay as they are. The same
// holds when the series cannot be expanded (ErrWindowExtension). An
// exception whose master is missing is stored inert and logged.
func (e *Engine) Upsert(ctx context.Context, ev model.Event) error {
	if err := model.Validate(ev); err != nil {
		return invalid("%v", err)
	}
	if m, ok := ev.(*model.Master); ok {
		if err := recurrence.Validate(m); err != nil {
			appLog.Error("rejecting event with invalid recurrence", err, "event_id", m.ID, "rrule", m.RRule)
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var touched model.Window
	err := e.st.Update(ctx, func(w store.Writer) error {
		prev, err := w.Event(ctx, ev.Info().ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		var targets []model.EventID
		switch x := ev.(type) {
		case *model.Master:
			targets = append(targets, x.ID)
		case *model.Exception:
			ok, err := checkMaster(ctx, w, x)
			if err != nil {
				return err
			}
			if ok {
				targets = append(targets, x.MasterID)
			}
		}
		switch p := prev.(type) {
		case *model.Master:
			if _, still := ev.(*model.Master); !still {
				// A master turned into an exception; its own rows go.
				targets = append(targets, p.ID)
			}
		case *model.Exception:
			if p.MasterID != masterOf(ev) {
				targets = append(targets, p.MasterID)
			}
		}

		if err := w.PutEvent(ctx, ev); err != nil {
			return err
		}
		for _, id := range targets {
			span, err := e.regenerate(ctx, w, id, e.Location())
			if err != nil {
				return err
			}
			touched = union(touched, span)
		}
		return nil
	})
	if err != nil {
		return err
	}

	appLog.Debug("event upserted", "event_id", ev.Info().ID, "uid", ev.Info().UID)
	e.publish(touched, false)
	return nil
}

// checkMaster reports whether the exception's master exists. A missing
// master is logged and tolerated; a master with another uid is an error.
func checkMaster(ctx context.Context, r store.Reader, ex *model.Exception) (bool, error) {
	parent, err := r.Event(ctx, ex.MasterID)
	if errors.Is(err, store.ErrNotFound) {
		appLog.Error("exception stored without its master", ErrOrphanedException,
			"event_id", ex.ID, "master_id", ex.MasterID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m, ok := parent.(*model.Master)
	if !ok {
		return false, invalid("exception %d points at event %d which is not a master", ex.ID, ex.MasterID)
	}
	if m.UID != "" && ex.UID != "" && m.UID != ex.UID {
		return false, invalid("exception %d uid %q differs from master %d uid %q", ex.ID, ex.UID, m.ID, m.UID)
	}
	return true, nil
}

func masterOf(ev model.Event) model.EventID {
	if ex, ok := ev.(*model.Exception); ok {
		return ex.MasterID
	}
	return 0
}

// Delete removes an event. Deleting a master removes every row of its series
// and leaves its exceptions orphaned; deleting an exception regenerates its
// master.
func (e *Engine) Delete(ctx context.Context, id model.EventID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var touched model.Window
	err := e.st.Update(ctx, func(w store.Writer) error {
		prev, err := w.Event(ctx, id)
		if err != nil {
			return fmt.Errorf("delete event %d: %w", id, err)
		}
		if err := w.DeleteEvent(ctx, id); err != nil {
			return err
		}

		switch p := prev.(type) {
		case *model.Master:
			before, err := w.Occurrences(ctx, id)
			if err != nil {
				return err
			}
			if _, err := w.DeleteOccurrences(ctx, id); err != nil {
				return err
			}
			touched = spanOf(before)

			orphans, err := w.Exceptions(ctx, id)
			if err != nil {
				return err
			}
			if len(orphans) > 0 {
				appLog.Info("master deleted; exceptions left inert", "master_id", id, "exceptions", len(orphans))
			}
		case *model.Exception:
			if _, err := w.Event(ctx, p.MasterID); err == nil {
				span, err := e.regenerate(ctx, w, p.MasterID, e.Location())
				if err != nil {
					return err
				}
				touched = span
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	appLog.Debug("event deleted", "event_id", id)
	e.publish(touched, false)
	return nil
}

// MarkDirty re-expands the series owning ids inside the current window.
// Exception ids map to their master. Unknown ids are skipped. A series that
// fails keeps its previous rows and is reported in the Summary.
func (e *Engine) MarkDirty(ctx context.Context, ids ...model.EventID) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		batch   []series
		horizon model.Window
	)
	err := e.st.View(ctx, func(r store.Reader) error {
		var err error
		if horizon, err = r.Horizon(ctx); err != nil {
			return err
		}
		masters, err := dirtyMasters(ctx, r, ids)
		if err != nil {
			return err
		}
		batch, err = loadSeries(ctx, r, masters)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	return e.rebuild(ctx, batch, horizon, e.Location(), false)
}

func dirtyMasters(ctx context.Context, r store.Reader, ids []model.EventID) ([]model.EventID, error) {
	seen := make(map[model.EventID]bool, len(ids))
	var out []model.EventID
	for _, id := range ids {
		ev, err := r.Event(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		mid := id
		if ex, ok := ev.(*model.Exception); ok {
			mid = ex.MasterID
		}
		if !seen[mid] {
			seen[mid] = true
			out = append(out, mid)
		}
	}
	return out, nil
}

// Relocate switches the display timezone and re-stamps every timed row.
// The switch only takes effect when the rebuild commits.
func (e *Engine) Relocate(ctx context.Context, loc *time.Location) (Summary, error) {
	if loc == nil {
		return Summary{}, errors.New("relocate: nil location")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		all     []series
		horizon model.Window
	)
	err := e.st.View(ctx, func(r store.Reader) error {
		var err error
		if horizon, err = r.Horizon(ctx); err != nil {
			return err
		}
		all, err = loadSeries(ctx, r, nil)
		return err
	})
	if err != nil {
		return Summary{}, err
	}

	sum, err := e.rebuild(ctx, all, horizon, loc, true)
	if err != nil {
		return sum, err
	}
	e.loc.Store(loc)
	appLog.Info("display timezone changed", "location", loc.String(), "changed", sum.Changed)
	return sum, nil
}

// PurgeOrphans permanently removes exceptions whose master is gone and
// returns how many were removed.
func (e *Engine) PurgeOrphans(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	err := e.st.Update(ctx, func(w store.Writer) error {
		orphans, err := w.OrphanedExceptions(ctx)
		if err != nil {
			return err
		}
		for _, ex := range orphans {
			if err := w.DeleteEvent(ctx, ex.ID); err != nil {
				return err
			}
		}
		n = len(orphans)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		appLog.Info("purged orphaned exceptions", "count", n)
	}
	return n, nil
}

// =============================================================================
// REGENERATION
// =============================================================================

// series is one master with the exceptions pointing at it.
type series struct {
	master     *model.Master
	exceptions []*model.Exception
}

func loadSeries(ctx context.Context, r store.Reader, ids []model.EventID) ([]series, error) {
	var masters []*model.Master
	if ids == nil {
		all, err := r.Masters(ctx)
		if err != nil {
			return nil, err
		}
		masters = all
	} else {
		for _, id := range ids {
			ev, err := r.Event(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if m, ok := ev.(*model.Master); ok {
				masters = append(masters, m)
			}
		}
	}

	out := make([]series, 0, len(masters))
	for _, m := range masters {
		exs, err := r.Exceptions(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, series{master: m, exceptions: exs})
	}
	return out, nil
}

func (e *Engine) materialize(ctx context.Context, s series, w model.Window, loc *time.Location) ([]model.Occurrence, error) {
	return recurrence.Materialize(ctx, s.master, s.exceptions, w, loc,
		recurrence.Options{MaxInstances: e.opts.MaxInstances})
}

// regenerate rebuilds one series over the whole horizon inside an open
// write transaction and returns the span of rows it touched, old and new.
// A missing master just loses its rows.
func (e *Engine) regenerate(ctx context.Context, w store.Writer, masterID model.EventID, loc *time.Location) (model.Window, error) {
	horizon, err := w.Horizon(ctx)
	if err != nil {
		return model.Window{}, err
	}
	before, err := w.Occurrences(ctx, masterID)
	if err != nil {
		return model.Window{}, err
	}

	all, err := loadSeries(ctx, w, []model.EventID{masterID})
	if err != nil {
		return model.Window{}, err
	}
	var rows []model.Occurrence
	if len(all) == 1 && !horizon.IsZero() {
		rows, err = e.materialize(ctx, all[0], horizon, loc)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return model.Window{}, ctxErr
			}
			return model.Window{}, &SeriesError{MasterID: masterID, Err: err}
		}
	}

	if _, err := w.ReplaceOccurrences(ctx, masterID, nil, rows); err != nil {
		return model.Window{}, err
	}
	return union(spanOf(before), spanOf(rows)), nil
}

type expanded struct {
	masterID model.EventID
	rows     []model.Occurrence
	err      error
}

// expandAll materializes every series over w with bounded parallelism.
// Per-series failures land in the result; only cancellation aborts.
func (e *Engine) expandAll(ctx context.Context, all []series, w model.Window, loc *time.Location) ([]expanded, error) {
	out := make([]expanded, len(all))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, s := range all {
		g.Go(func() error {
			rows, err := e.materialize(gctx, s, w, loc)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
			}
			out[i] = expanded{masterID: s.master.ID, rows: rows, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// rebuild replaces every row of the given series over the horizon. Failed
// series keep their rows.
func (e *Engine) rebuild(ctx context.Context, all []series, horizon model.Window, loc *time.Location, global bool) (Summary, error) {
	sum := Summary{Horizon: horizon}
	if horizon.IsZero() || len(all) == 0 {
		if global {
			e.publish(model.Window{}, true)
		}
		return sum, nil
	}

	results, err := e.expandAll(ctx, all, horizon, loc)
	if err != nil {
		return Summary{}, err
	}

	var touched model.Window
	err = e.st.Update(ctx, func(w store.Writer) error {
		for _, res := range results {
			if res.err != nil {
				continue
			}
			before, err := w.Occurrences(ctx, res.masterID)
			if err != nil {
				return err
			}
			d, err := w.ReplaceOccurrences(ctx, res.masterID, nil, res.rows)
			if err != nil {
				return err
			}
			sum.Changed += d.Changed()
			touched = union(touched, union(spanOf(before), spanOf(res.rows)))
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	tally(&sum, results)
	e.publish(touched, global)
	return sum, nil
}

func tally(sum *Summary, results []expanded) {
	for _, res := range results {
		if res.err == nil {
			sum.Succeeded++
			continue
		}
		serr := &SeriesError{MasterID: res.masterID, Err: res.err}
		appLog.Error("series materialization failed", serr, "master_id", res.masterID)
		sum.fail(serr)
	}
}

func (e *Engine) publish(span model.Window, global bool) {
	if e.hub == nil || (span.IsZero() && !global) {
		return
	}
	e.hub.Publish(notify.Change{Span: span, Global: global})
}

func spanOf(rows []model.Occurrence) model.Window {
	var w model.Window
	for _, o := range rows {
		end := o.End
		if !end.After(o.Start) {
			end = o.Start.Add(time.Millisecond)
		}
		w = union(w, model.Window{Start: o.Start, End: end})
	}
	return w
}

func union(a, b model.Window) model.Window {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if b.Start.Before(a.Start) {
		a.Start = b.Start
	}
	if b.End.After(a.End) {
		a.End = b.End
	}
	return a
}
