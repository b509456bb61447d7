package ics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcal/internal/ics"
)

func TestFetcher_ConditionalRequests(t *testing.T) {
	var (
		broken atomic.Bool
		hits   atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if broken.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(crlf(feed))
	}))
	defer srv.Close()

	ctx := context.Background()
	f := ics.NewFetcher(t.TempDir())
	src := ics.Source{ID: "work", URL: srv.URL + "/private.ics?token=secret", CalendarID: 7}

	res, err := f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, crlf(feed), res.Body)

	res, err = f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache, "304 reuses the cached body")
	assert.Equal(t, crlf(feed), res.Body)

	broken.Store(true)
	res, err = f.FetchOne(ctx, src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(3), hits.Load())

	_, err = ics.NewFetcher(t.TempDir()).FetchOne(ctx, src)
	assert.Error(t, err, "no cache to fall back on")
}

func TestFetcher_FetchAllKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.ics" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	sources := []ics.Source{
		{ID: "a", URL: srv.URL + "/a.ics"},
		{ID: "missing", URL: srv.URL + "/missing.ics"},
		{ID: "b", URL: srv.URL + "/b.ics"},
		{ID: "blank"},
		{ID: "c", URL: srv.URL + "/c.ics"},
	}
	results, errs := ics.NewFetcher(t.TempDir()).FetchAll(context.Background(), sources)
	require.Len(t, results, 3)
	assert.Len(t, errs, 2)
	for i, want := range []string{"/a.ics", "/b.ics", "/c.ics"} {
		assert.Equal(t, want, string(results[i].Body))
	}
	assert.Equal(t, "c", results[2].Source.ID)
}

func TestImporter_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(crlf(feed))
	}))
	defer srv.Close()

	f := newImportFixture(t)
	results, errs := f.im.Refresh(context.Background(), ics.NewFetcher(t.TempDir()), []ics.Source{
		{ID: "work", URL: srv.URL + "/work.ics", CalendarID: 7},
		{ID: "down", URL: "http://127.0.0.1:1/down.ics", CalendarID: 8},
	})
	require.Len(t, results, 1)
	assert.Len(t, errs, 1)
	assert.Equal(t, 4, results[0].Upserted)
}
