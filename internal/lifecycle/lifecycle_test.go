package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/lifecycle"
	"github.com/any-hub/media-cache/internal/preload"
)

type mapFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newMapFetcher(fail ...string) *mapFetcher {
	f := &mapFetcher{calls: map[string]int{}, fail: map[string]bool{}}
	for _, key := range fail {
		f.fail[key] = true
	}
	return f
}

func (f *mapFetcher) Fetch(_ context.Context, key string) (*cache.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if f.fail[key] {
		return nil, errors.New("origin down")
	}
	return &cache.Resource{Key: key, ContentType: "text/html", Body: []byte("<html>" + key)}, nil
}

func (f *mapFetcher) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type countingRunner struct {
	runs    atomic.Int32
	release chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) preload.Summary {
	r.runs.Add(1)
	if r.release != nil {
		<-r.release
	}
	return preload.Summary{}
}

func newStore(t *testing.T, gen string) cache.Store {
	t.Helper()
	store, err := cache.NewMemoryStore(gen)
	require.NoError(t, err)
	return store
}

func waitDone(t *testing.T, m *lifecycle.Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("preload pass did not finish")
	}
}

func TestInstallPrecachesShell(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "v1")
	shellKeys := []string{"https://app/index.html", "https://app/about.html"}
	fetcher := newMapFetcher()

	m := lifecycle.New(store, fetcher, nil, nil, lifecycle.Options{ShellKeys: shellKeys})
	report := m.Install(ctx)

	assert.Equal(t, lifecycle.InstallReport{Fetched: 2}, report)
	for _, key := range shellKeys {
		res, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "<html>"+key, string(res.Body))
	}

	// 已缓存的条目不会再次回源。
	again := m.Install(ctx)
	assert.Equal(t, lifecycle.InstallReport{Cached: 2}, again)
	assert.Equal(t, 1, fetcher.count(shellKeys[0]))
}

func TestInstallFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, "v1")
	fetcher := newMapFetcher("https://app/broken.html")

	m := lifecycle.New(store, fetcher, nil, nil, lifecycle.Options{
		ShellKeys: []string{"https://app/broken.html", "https://app/index.html"},
	})
	report := m.Install(ctx)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Fetched)
	_, err := store.Get(ctx, "https://app/broken.html")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestActivateDropsStaleGenerations(t *testing.T) {
	ctx := context.Background()
	current, err := cache.NewMemoryStore("v2")
	require.NoError(t, err)
	viewer, ok := current.(interface{ WithGeneration(string) cache.Store })
	require.True(t, ok)

	res := &cache.Resource{ContentType: "audio/mpeg", Body: []byte("old")}
	require.NoError(t, viewer.WithGeneration("v1").Put(ctx, "k", res))
	require.NoError(t, viewer.WithGeneration("v0").Put(ctx, "k", res))
	require.NoError(t, current.Put(ctx, "k", res))

	m := lifecycle.New(current, newMapFetcher(), nil, nil, lifecycle.Options{})
	report, err := m.Activate(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"v0", "v1"}, report.Dropped)
	assert.False(t, report.PreloadStarted)
	gens, err := current.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, gens)

	_, err = current.Get(ctx, "k")
	assert.NoError(t, err)
	waitDone(t, m)
}

func TestActivateStartsPreloadOnce(t *testing.T) {
	ctx := context.Background()
	runner := &countingRunner{release: make(chan struct{})}
	m := lifecycle.New(newStore(t, "v1"), newMapFetcher(), runner, nil, lifecycle.Options{Preload: true})

	first, err := m.Activate(ctx)
	require.NoError(t, err)
	second, err := m.Activate(ctx)
	require.NoError(t, err)

	assert.True(t, first.PreloadStarted)
	assert.False(t, second.PreloadStarted)

	close(runner.release)
	waitDone(t, m)
	assert.Equal(t, int32(1), runner.runs.Load())
}

func TestActivateWithoutPreload(t *testing.T) {
	runner := &countingRunner{}
	m := lifecycle.New(newStore(t, "v1"), newMapFetcher(), runner, nil, lifecycle.Options{Preload: false})

	_, _, err := m.Start(context.Background())
	require.NoError(t, err)
	waitDone(t, m)
	assert.Zero(t, runner.runs.Load())
}

func TestActivateKeepsForeignDirectories(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	logFile := filepath.Join(base, "logs", "media-cache.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(logFile), 0o755))
	require.NoError(t, os.WriteFile(logFile, []byte("keep"), 0o644))

	old, err := cache.NewFileStore(base, "media-v1")
	require.NoError(t, err)
	require.NoError(t, old.Put(ctx, "k", &cache.Resource{Body: []byte("old")}))

	current, err := cache.NewFileStore(base, "media-v2")
	require.NoError(t, err)
	m := lifecycle.New(current, newMapFetcher(), nil, nil, lifecycle.Options{})
	report, err := m.Activate(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"media-v1"}, report.Dropped)
	assert.FileExists(t, logFile)
	assert.NoDirExists(t, filepath.Join(base, "media-v1"))
}
