package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/model"
	"pcal/internal/store"
	"pcal/internal/store/sqlite"
	"pcal/internal/store/storetest"
)

func open(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, open)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pcal.db")

	s, err := sqlite.New(path)
	require.NoError(t, err)
	start := time.Date(2026, time.January, 6, 14, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(ctx, func(w store.Writer) error {
		if err := w.PutEvent(ctx, storetest.Master(1, 1)); err != nil {
			return err
		}
		if _, err := w.ReplaceOccurrences(ctx, 1, nil, []model.Occurrence{storetest.Row(1, 1, start, time.Hour)}); err != nil {
			return err
		}
		return w.SetHorizon(ctx, model.Window{Start: start, End: start.AddDate(0, 3, 0)})
	}))
	require.NoError(t, s.Close())

	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		rows, err := r.Occurrences(ctx, 1)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].Start.Equal(start))

		h, err := r.Horizon(ctx)
		require.NoError(t, err)
		assert.True(t, h.End.Equal(start.AddDate(0, 3, 0)))
		return nil
	}))
}

func TestSQLiteStore_ViewIsReadOnly(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	err := s.View(ctx, func(r store.Reader) error {
		return r.(store.Writer).SetHorizon(ctx, model.Window{})
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}
