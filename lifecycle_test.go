package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinecache/offlinecache/cachestore"
	"github.com/offlinecache/offlinecache/pkg/serializer"
)

func newLifecycleFixture(t *testing.T, origin, version string, manifest []string, skipWaiting bool) (*Lifecycle, *cachestore.Store) {
	t.Helper()
	originURL, err := url.Parse(origin)
	require.NoError(t, err)
	store := cachestore.NewStore(cachestore.NewMemoryProvider())
	logger := zerolog.Nop()
	lifecycle := NewLifecycle(LifecycleConfig{
		Store:       store,
		Fetcher:     NewOriginFetcher(*originURL, NewMetrics()),
		Manifest:    manifest,
		Version:     version,
		SkipWaiting: skipWaiting,
		Logger:      &logger,
	})
	return lifecycle, store
}

func staticAssetOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/app.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte("body { margin: 0 }"))
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Write([]byte("console.log('hi')"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestInstallWritesAllManifestEntries(t *testing.T) {
	server := staticAssetOrigin(t)
	lifecycle, store := newLifecycleFixture(t, server.URL, "v1.0.0", []string{"/app.css", "/app.js"}, false)

	require.NoError(t, lifecycle.Install(context.Background()))
	assert.Equal(t, StateInstalled, lifecycle.State())

	gen := store.Generation("static-v1.0.0")
	for _, path := range []string{"/app.css", "/app.js"} {
		snap, ok, err := gen.Get(cachestore.Key("GET", path))
		require.NoError(t, err)
		require.True(t, ok, "manifest entry %s missing", path)
		assert.NotEmpty(t, snap.Body)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	server := staticAssetOrigin(t)
	lifecycle, store := newLifecycleFixture(t, server.URL, "v2.0.0",
		[]string{"/app.css", "/does-not-exist.js"}, false)

	// a prior generation keeps serving regardless of the failed install
	prior := store.Generation("static-v1.0.0")
	require.NoError(t, prior.Put(cachestore.Key("GET", "/app.css"), serializer.Snapshot{Status: 200, Body: []byte("old")}))

	err := lifecycle.Install(context.Background())
	require.ErrorIs(t, err, ErrInstallIncomplete)
	assert.Equal(t, StateInstalling, lifecycle.State(), "manager stays retryable")

	// no partial generation was written
	var keys []string
	require.NoError(t, store.Generation("static-v2.0.0").Keys(func(key string) { keys = append(keys, key) }))
	assert.Empty(t, keys)

	// the prior generation is untouched
	snap, ok, err := prior.Get(cachestore.Key("GET", "/app.css"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(snap.Body))
}

func TestInstallIsRetryable(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/app.css", func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			http.Error(w, "not yet", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ready"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	lifecycle, _ := newLifecycleFixture(t, server.URL, "v1.0.0", []string{"/app.css"}, false)

	require.ErrorIs(t, lifecycle.Install(context.Background()), ErrInstallIncomplete)

	broken.Store(false)
	require.NoError(t, lifecycle.Install(context.Background()))
	assert.Equal(t, StateInstalled, lifecycle.State())
}

func TestInstallIsIdempotent(t *testing.T) {
	server := staticAssetOrigin(t)
	lifecycle, store := newLifecycleFixture(t, server.URL, "v1.0.0", []string{"/app.css"}, false)
	ctx := context.Background()

	require.NoError(t, lifecycle.Install(ctx))
	require.NoError(t, lifecycle.Activate(ctx))

	gen := store.Generation("static-v1.0.0")
	key := cachestore.Key("GET", "/app.css")
	before, ok, err := gen.Get(key)
	require.NoError(t, err)
	require.True(t, ok)

	// re-running install with an unchanged manifest changes nothing
	require.NoError(t, lifecycle.Install(ctx))
	after, ok, err := gen.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before.Body, after.Body)
	assert.Equal(t, before.Status, after.Status)

	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1.0.0"}, names)
}

func TestActivateDeletesSupersededGenerations(t *testing.T) {
	server := staticAssetOrigin(t)
	lifecycle, store := newLifecycleFixture(t, server.URL, "v2", nil, false)

	seed := serializer.Snapshot{Status: 200, Body: []byte("x")}
	require.NoError(t, store.Generation("static-v1").Put(cachestore.Key("GET", "/a"), seed))
	require.NoError(t, store.Generation("dynamic-v1").Put(cachestore.Key("GET", "/b"), seed))
	require.NoError(t, store.Generation("static-v2").Put(cachestore.Key("GET", "/c"), seed))
	// dynamic-v2 never existed; activation must not error on that

	require.NoError(t, lifecycle.Install(context.Background()))
	require.NoError(t, lifecycle.Activate(context.Background()))
	assert.Equal(t, StateActive, lifecycle.State())

	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v2"}, names, "only the current named set survives")
}

func TestActivateEmitsTakeoverEvent(t *testing.T) {
	server := staticAssetOrigin(t)
	lifecycle, _ := newLifecycleFixture(t, server.URL, "v1", nil, false)
	ctx := context.Background()

	require.NoError(t, lifecycle.Install(ctx))
	require.NoError(t, lifecycle.Activate(ctx))

	select {
	case event := <-lifecycle.Events():
		assert.Equal(t, "installed", event.Type)
	default:
		t.Fatal("no installed event")
	}
	select {
	case event := <-lifecycle.Events():
		assert.Equal(t, "activated", event.Type)
		assert.Equal(t, "v1", event.Version)
	default:
		t.Fatal("no activated event")
	}
}

func TestSkipWaitingPromotesImmediately(t *testing.T) {
	server := staticAssetOrigin(t)
	lifecycle, _ := newLifecycleFixture(t, server.URL, "v1", []string{"/app.css"}, true)

	require.NoError(t, lifecycle.Install(context.Background()))
	assert.Equal(t, StateActive, lifecycle.State())
}
