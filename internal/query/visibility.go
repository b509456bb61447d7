package query

import (
	"sort"
	"sync"

	"pcal/internal/model"
	"pcal/internal/notify"
	"pcal/internal/store"
)

// Visibility is the set of calendars currently shown. Every query reads it;
// changing it re-evaluates every live query.
type Visibility struct {
	mu   sync.RWMutex
	cals map[model.CalendarID]bool
	hub  *notify.Hub
}

// NewVisibility shows the given calendars, or all of them when none are
// given.
func NewVisibility(hub *notify.Hub, cals ...model.CalendarID) *Visibility {
	v := &Visibility{hub: hub}
	v.cals = toSet(cals)
	return v
}

// Set replaces the visible calendars. An empty list shows everything.
func (v *Visibility) Set(cals ...model.CalendarID) {
	v.mu.Lock()
	v.cals = toSet(cals)
	v.mu.Unlock()

	if v.hub != nil {
		v.hub.Publish(notify.Change{Global: true})
	}
}

// Visible lists the shown calendars; nil means all.
func (v *Visibility) Visible() []model.CalendarID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cals == nil {
		return nil
	}
	out := make([]model.CalendarID, 0, len(v.cals))
	for id := range v.cals {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Filter is the store filter for the current selection. Cancelled rows are
// always excluded.
func (v *Visibility) Filter() store.Filter {
	if v == nil {
		return store.Filter{}
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.cals == nil {
		return store.Filter{}
	}
	cp := make(map[model.CalendarID]bool, len(v.cals))
	for k := range v.cals {
		cp[k] = true
	}
	return store.Filter{Calendars: cp}
}

func toSet(cals []model.CalendarID) map[model.CalendarID]bool {
	if len(cals) == 0 {
		return nil
	}
	set := make(map[model.CalendarID]bool, len(cals))
	for _, id := range cals {
		set[id] = true
	}
	return set
}
