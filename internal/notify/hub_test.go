package notify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/model"
	"pcal/internal/notify"
)

func day(d int) model.Window {
	start := time.Date(2026, time.January, d, 0, 0, 0, 0, time.UTC)
	return model.Window{Start: start, End: start.AddDate(0, 0, 1)}
}

func TestHub_PredicateAndVersion(t *testing.T) {
	h := notify.New()
	jan5, cancel := h.Subscribe(func(c notify.Change) bool { return c.Affects(day(5)) })
	defer cancel()
	all, cancelAll := h.Subscribe(nil)
	defer cancelAll()

	h.Publish(notify.Change{Span: day(9)})
	select {
	case <-jan5:
		t.Fatal("unrelated change delivered")
	default:
	}
	c := <-all
	assert.Equal(t, uint64(1), c.Version)

	h.Publish(notify.Change{Span: day(5)})
	c = <-jan5
	assert.Equal(t, uint64(2), c.Version)
	<-all

	h.Publish(notify.Change{Global: true})
	c = <-jan5
	assert.True(t, c.Global)
	assert.Equal(t, uint64(3), h.Version())
}

func TestHub_CoalescesToLatest(t *testing.T) {
	h := notify.New()
	ch, cancel := h.Subscribe(nil)
	defer cancel()

	for i := 0; i < 10; i++ {
		h.Publish(notify.Change{Global: true})
	}
	c := <-ch
	assert.Equal(t, uint64(10), c.Version)
	select {
	case <-ch:
		t.Fatal("expected a single coalesced signal")
	default:
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := notify.New()
	ch, cancel := h.Subscribe(nil)
	require.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers())

	h.Publish(notify.Change{Global: true})
}

func TestChange_Affects(t *testing.T) {
	c := notify.Change{Span: model.Window{
		Start: time.Date(2026, time.January, 30, 22, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.February, 2, 3, 0, 0, 0, time.UTC),
	}}
	assert.True(t, c.Affects(day(31)))
	assert.False(t, c.Affects(day(29)))
	assert.True(t, c.Affects(model.Window{}))
	assert.False(t, notify.Change{}.Affects(day(1)))
}
