package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/model"
	"pcal/internal/store"
	"pcal/internal/store/memory"
	"pcal/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return memory.New() })
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	err := s.View(ctx, func(r store.Reader) error {
		w, ok := r.(store.Writer)
		require.True(t, ok)
		return w.PutEvent(ctx, storetest.Master(1, 1))
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Update(ctx, func(w store.Writer) error {
		_, err := w.ReplaceOccurrences(ctx, 1, nil, []model.Occurrence{storetest.Row(1, 1, time.Now(), time.Hour)})
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)
}
