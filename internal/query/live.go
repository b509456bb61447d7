package query

import (
	"context"
	"errors"
	"sync"
	"time"

	"pcal/internal/daycode"
	appLog "pcal/internal/log"
	"pcal/internal/model"
	"pcal/internal/notify"
)

// Subscription delivers result snapshots of a live query. C always holds the
// latest undelivered snapshot; older ones are dropped. C is closed after
// Close or when the parent context ends.
type Subscription[T any] struct {
	C <-chan []T

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the subscription and waits for its goroutine to exit.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// LiveRange is Range, re-evaluated after every change overlapping
// [from, to).
func (s *Service) LiveRange(ctx context.Context, from, to time.Time) *Subscription[model.Resolved] {
	w := model.Window{Start: from, End: to}
	return watch(ctx, s,
		func(c notify.Change) bool { return c.Affects(w) },
		func(ctx context.Context) ([]model.Resolved, error) { return s.Range(ctx, from, to) })
}

// LiveDay is Day, re-evaluated after every change touching that day.
func (s *Service) LiveDay(ctx context.Context, day daycode.Code) *Subscription[model.Resolved] {
	return watch(ctx, s,
		func(c notify.Change) bool { return c.Affects(s.dayWindow(day)) },
		func(ctx context.Context) ([]model.Resolved, error) { return s.Day(ctx, day) })
}

// LiveSearch is Search, re-evaluated after every change inside within, or
// after any change when within is nil.
func (s *Service) LiveSearch(ctx context.Context, text string, within *model.Window) *Subscription[model.SearchHit] {
	var w model.Window
	if within != nil {
		w = *within
	}
	return watch(ctx, s,
		func(c notify.Change) bool { return c.Affects(w) },
		func(ctx context.Context) ([]model.SearchHit, error) { return s.Search(ctx, text, within) })
}

// dayWindow is a time range certain to contain every row on day: the local
// day widened by a day each side, since all-day rows are stamped in UTC.
func (s *Service) dayWindow(day daycode.Code) model.Window {
	loc := s.clock.Location()
	return model.Window{
		Start: day.Prev().Time(loc),
		End:   day.Next().Next().Time(loc),
	}
}

func watch[T any](parent context.Context, s *Service, affects func(notify.Change) bool, eval func(context.Context) ([]T, error)) *Subscription[T] {
	ctx, cancel := context.WithCancel(parent)
	out := make(chan []T, 1)
	sub := &Subscription[T]{C: out, cancel: cancel, done: make(chan struct{})}

	// Subscribe before the first evaluation so no commit slips between.
	changes, unsubscribe := s.hub.Subscribe(affects)

	go func() {
		defer close(sub.done)
		defer close(out)
		defer unsubscribe()

		push := func() bool {
			snap, err := eval(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return false
				}
				appLog.Error("live query evaluation failed", err)
				return true
			}
			select {
			case out <- snap:
			default:
				select {
				case <-out:
				default:
				}
				out <- snap
			}
			return true
		}

		if !push() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok || !push() {
					return
				}
			}
		}
	}()
	return sub
}
