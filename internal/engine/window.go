package engine

import (
	"context"
	"time"

	appLog "pcal/internal/log"
	"pcal/internal/model"
	"pcal/internal/store"
)

// EnsureMaterialized extends the future edge of the window to through.
// Only the new slice [old end, through) is expanded. Calling it again with
// the same or an earlier time does nothing and reports zero changes.
//
// On an empty table the first call materializes from DefaultWindow's start.
func (e *Engine) EnsureMaterialized(ctx context.Context, through time.Time) (Summary, error) {
	return e.extend(ctx, func(h model.Window) model.Window {
		if h.IsZero() {
			start := e.DefaultWindow(e.Now()).Start
			if !start.Before(through) {
				start = e.DefaultWindow(through).Start
			}
			return model.Window{Start: start, End: through}
		}
		return model.Window{Start: h.Start, End: through}
	})
}

// EnsureMaterializedFrom extends the past edge of the window back to from.
func (e *Engine) EnsureMaterializedFrom(ctx context.Context, from time.Time) (Summary, error) {
	return e.extend(ctx, func(h model.Window) model.Window {
		if h.IsZero() {
			end := e.DefaultWindow(e.Now()).End
			if !from.Before(end) {
				end = e.DefaultWindow(from).End
			}
			return model.Window{Start: from, End: end}
		}
		return model.Window{Start: from, End: h.End}
	})
}

// EnsureAround makes sure DefaultWindow(t) is materialized, growing either
// edge as needed in one commit.
func (e *Engine) EnsureAround(ctx context.Context, t time.Time) (Summary, error) {
	want := e.DefaultWindow(t)
	return e.extend(ctx, func(model.Window) model.Window { return want })
}

// extend grows the horizon to cover target(h). The new slices on either side
// are expanded for every series and committed together with the new
// horizon; a cancelled call commits nothing.
func (e *Engine) extend(ctx context.Context, target func(h model.Window) model.Window) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		horizon model.Window
		all     []series
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

	want := target(horizon)
	next, slices := grow(horizon, want)
	if len(slices) == 0 {
		return Summary{Horizon: horizon}, nil
	}

	loc := e.Location()
	type slicePlan struct {
		scope   model.Window
		results []expanded
	}
	plans := make([]slicePlan, 0, len(slices))
	for _, sl := range slices {
		results, err := e.expandAll(ctx, all, sl, loc)
		if err != nil {
			appLog.Debug("window extension abandoned", "window", sl.String(), "error", err.Error())
			return Summary{Horizon: horizon}, err
		}
		plans = append(plans, slicePlan{scope: sl, results: results})
	}

	sum := Summary{Horizon: next}
	var delta store.Delta
	err = e.st.Update(ctx, func(w store.Writer) error {
		for _, p := range plans {
			scope := p.scope
			for _, res := range p.results {
				if res.err != nil {
					continue
				}
				d, err := w.ReplaceOccurrences(ctx, res.masterID, &scope, res.rows)
				if err != nil {
					return err
				}
				delta.Add(d)
			}
		}
		return w.SetHorizon(ctx, next)
	})
	if err != nil {
		return Summary{Horizon: horizon}, err
	}

	// A series counts as failed if any slice failed for it.
	failed := make(map[model.EventID]error)
	for _, p := range plans {
		for _, res := range p.results {
			if res.err != nil {
				if _, seen := failed[res.masterID]; !seen {
					failed[res.masterID] = res.err
				}
			}
		}
	}
	merged := make([]expanded, 0, len(all))
	for _, s := range all {
		merged = append(merged, expanded{masterID: s.master.ID, err: failed[s.master.ID]})
	}
	tally(&sum, merged)
	sum.Changed = delta.Changed()

	appLog.Info("window extended", "horizon", next.String(), "changed", sum.Changed,
		"succeeded", sum.Succeeded, "failed", sum.Failed)
	e.publish(delta.Span, false)
	return sum, nil
}

// grow returns the union of h and want, and the slices of it not yet in h.
// A zero h yields want itself as the only slice.
func grow(h, want model.Window) (model.Window, []model.Window) {
	if want.Empty() {
		return h, nil
	}
	if h.IsZero() {
		return want, []model.Window{want}
	}

	next := h
	var slices []model.Window
	if want.Start.Before(h.Start) {
		slices = append(slices, model.Window{Start: want.Start, End: h.Start})
		next.Start = want.Start
	}
	if want.End.After(h.End) {
		slices = append(slices, model.Window{Start: h.End, End: want.End})
		next.End = want.End
	}
	return next, slices
}
