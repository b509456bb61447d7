// Package memory is an in-memory store.Store for tests and single-process use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pcal/internal/daycode"
	"pcal/internal/model"
	"pcal/internal/store"
)

// Store keeps events and occurrence rows in maps guarded by one RWMutex.
// Update holds the write lock for the whole callback and restores a snapshot
// when the callback fails.
type Store struct {
	mu sync.RWMutex
	st state
}

type state struct {
	events  map[model.EventID]model.Event
	rows    map[model.OccurrenceID]model.Occurrence
	byKey   map[model.Key]model.OccurrenceID
	nextID  model.OccurrenceID
	horizon model.Window
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: state{
		events: make(map[model.EventID]model.Event),
		rows:   make(map[model.OccurrenceID]model.Occurrence),
		byKey:  make(map[model.Key]model.OccurrenceID),
	}}
}

func (s *Store) View(ctx context.Context, fn func(store.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{st: &s.st})
}

func (s *Store) Update(ctx context.Context, fn func(store.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.st.snapshot()
	if err := fn(&tx{st: &s.st, writable: true}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *Store) Close() error { return nil }

// snapshot copies the maps. Stored events are never mutated in place, so
// sharing the pointers is safe.
func (st *state) snapshot() state {
	c := state{
		events:  make(map[model.EventID]model.Event, len(st.events)),
		rows:    make(map[model.OccurrenceID]model.Occurrence, len(st.rows)),
		byKey:   make(map[model.Key]model.OccurrenceID, len(st.byKey)),
		nextID:  st.nextID,
		horizon: st.horizon,
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	for k, v := range st.rows {
		c.rows[k] = v
	}
	for k, v := range st.byKey {
		c.byKey[k] = v
	}
	return c
}

type tx struct {
	st       *state
	writable bool
}

func (t *tx) Event(_ context.Context, id model.EventID) (model.Event, error) {
	ev, ok := t.st.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return model.Clone(ev), nil
}

func (t *tx) Masters(_ context.Context) ([]*model.Master, error) {
	var out []*model.Master
	for _, ev := range t.st.events {
		if m, ok := ev.(*model.Master); ok {
			out = append(out, model.Clone(m).(*model.Master))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) Exceptions(_ context.Context, masterID model.EventID) ([]*model.Exception, error) {
	return t.exceptions(func(ex *model.Exception) bool { return ex.MasterID == masterID }), nil
}

func (t *tx) OrphanedExceptions(_ context.Context) ([]*model.Exception, error) {
	return t.exceptions(func(ex *model.Exception) bool {
		_, ok := t.st.events[ex.MasterID].(*model.Master)
		return !ok
	}), nil
}

func (t *tx) exceptions(match func(*model.Exception) bool) []*model.Exception {
	var out []*model.Exception
	for _, ev := range t.st.events {
		if ex, ok := ev.(*model.Exception); ok && match(ex) {
			out = append(out, model.Clone(ex).(*model.Exception))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *tx) CalendarEvents(_ context.Context, cal model.CalendarID) ([]model.EventID, error) {
	var out []model.EventID
	for id, ev := range t.st.events {
		if ev.Info().CalendarID == cal {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *tx) Occurrences(_ context.Context, masterID model.EventID) ([]model.Occurrence, error) {
	out := t.scan(func(o model.Occurrence) bool { return o.MasterID == masterID })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OriginalStart.Equal(out[j].OriginalStart) {
			return out[i].OriginalStart.Before(out[j].OriginalStart)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) OccurrencesInRange(_ context.Context, from, to time.Time, f store.Filter) ([]model.Occurrence, error) {
	return sortByStart(t.scan(func(o model.Occurrence) bool {
		return f.Allows(o) && o.Overlaps(from, to)
	})), nil
}

func (t *tx) OccurrencesOnDay(_ context.Context, day daycode.Code, f store.Filter) ([]model.Occurrence, error) {
	return sortByStart(t.scan(func(o model.Occurrence) bool {
		return f.Allows(o) && o.OnDay(day)
	})), nil
}

func (t *tx) AllOccurrences(_ context.Context, f store.Filter) ([]model.Occurrence, error) {
	return sortByStart(t.scan(f.Allows)), nil
}

func (t *tx) scan(match func(model.Occurrence) bool) []model.Occurrence {
	var out []model.Occurrence
	for _, o := range t.st.rows {
		if match(o) {
			out = append(out, o)
		}
	}
	return out
}

func sortByStart(rows []model.Occurrence) []model.Occurrence {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Start.Equal(rows[j].Start) {
			return rows[i].Start.Before(rows[j].Start)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows
}

func (t *tx) Horizon(_ context.Context) (model.Window, error) {
	return t.st.horizon, nil
}

func (t *tx) PutEvent(_ context.Context, ev model.Event) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	t.st.events[ev.Info().ID] = model.Clone(ev)
	return nil
}

func (t *tx) DeleteEvent(_ context.Context, id model.EventID) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	if _, ok := t.st.events[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.st.events, id)
	return nil
}

func (t *tx) ReplaceOccurrences(ctx context.Context, masterID model.EventID, scope *model.Window, rows []model.Occurrence) (store.Delta, error) {
	if !t.writable {
		return store.Delta{}, store.ErrReadOnly
	}
	all, _ := t.Occurrences(ctx, masterID)
	plan := store.Diff(all, scope, rows)

	for _, o := range plan.Delete {
		delete(t.st.rows, o.ID)
		if t.st.byKey[o.Key()] == o.ID {
			delete(t.st.byKey, o.Key())
		}
	}
	for _, o := range plan.Update {
		t.st.rows[o.ID] = o
	}
	for _, o := range plan.Insert {
		t.st.nextID++
		o.ID = t.st.nextID
		t.st.rows[o.ID] = o
		t.st.byKey[o.Key()] = o.ID
	}
	return plan.Delta, nil
}

func (t *tx) DeleteOccurrences(ctx context.Context, masterID model.EventID) (store.Delta, error) {
	return t.ReplaceOccurrences(ctx, masterID, nil, nil)
}

func (t *tx) SetHorizon(_ context.Context, w model.Window) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	t.st.horizon = w
	return nil
}
