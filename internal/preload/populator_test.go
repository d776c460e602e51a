package preload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/events"
	"github.com/any-hub/media-cache/internal/origin"
)

const base = "https://origin.example/audio/"

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, key string) (*cache.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	return &cache.Resource{Key: key, ContentType: "audio/mpeg", Body: []byte("body:" + key)}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(_ context.Context, e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%02d track.mp3", i)
	}
	return out
}

func setup(t *testing.T, list []string, fetcher Fetcher) (*Populator, cache.Store, *recorder) {
	t.Helper()
	store, err := cache.NewMemoryStore("media-v1")
	require.NoError(t, err)
	bus := events.NewBus()
	rec := &recorder{}
	bus.Subscribe(rec.handle)
	return New(store, fetcher, bus, nil, nil, Options{Base: base, Names: list}), store, rec
}

func TestRunFetchesOnlyMissingItems(t *testing.T) {
	list := names(5)
	fetcher := &fakeFetcher{}
	p, store, rec := setup(t, list, fetcher)

	ctx := context.Background()
	for _, name := range list[:2] {
		key := cache.MediaKey(base, name)
		require.NoError(t, store.Put(ctx, key, &cache.Resource{Body: []byte("cached")}))
	}

	summary := p.Run(ctx)

	assert.Equal(t, 3, fetcher.count(), "N-M fetches")
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Done)
	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 2, summary.Skipped)
	assert.Zero(t, summary.Failed)
	require.Len(t, summary.Items, 5)
	assert.Equal(t, OutcomeSkip, summary.Items[0].Outcome)
	assert.Equal(t, OutcomeOK, summary.Items[4].Outcome)

	got := rec.snapshot()
	require.Len(t, got, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, events.Progress(i+1, 5), got[i])
	}
	assert.Equal(t, events.Complete(5, 5), got[5])

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Entries)
}

func TestRunContinuesPastUnreachableItem(t *testing.T) {
	list := names(4)
	badKey := cache.MediaKey(base, list[1])
	fetcher := &fakeFetcher{fail: map[string]error{
		badKey: &origin.FetchError{Kind: origin.KindUnreachable, Key: badKey, Err: errors.New("dial tcp: refused")},
	}}
	p, store, rec := setup(t, list, fetcher)

	summary := p.Run(context.Background())

	assert.Equal(t, 3, summary.Done)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, OutcomeFail, summary.Items[1].Outcome)
	assert.True(t, origin.IsKind(summary.Items[1].Err, origin.KindUnreachable))
	assert.NotEmpty(t, summary.Items[1].Error)

	got := rec.snapshot()
	require.Len(t, got, 4)
	assert.Equal(t, []events.Event{
		events.Progress(1, 4),
		events.Progress(2, 4),
		events.Progress(3, 4),
		events.Complete(3, 4),
	}, got)

	_, err := store.Get(context.Background(), badKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

type brokenStore struct {
	cache.Store
}

func (brokenStore) Put(context.Context, string, *cache.Resource) error {
	return cache.ErrQuotaExceeded
}

func TestRunCountsStoreFailureAsFail(t *testing.T) {
	inner, err := cache.NewMemoryStore("media-v1")
	require.NoError(t, err)
	p := New(brokenStore{Store: inner}, &fakeFetcher{}, nil, nil, nil, Options{Base: base, Names: names(2)})

	summary := p.Run(context.Background())
	assert.Equal(t, 0, summary.Done)
	assert.Equal(t, 2, summary.Failed)
	assert.ErrorIs(t, summary.Items[0].Err, cache.ErrQuotaExceeded)
}

func TestRunEmptyListStillCompletes(t *testing.T) {
	p, _, rec := setup(t, nil, &fakeFetcher{})
	summary := p.Run(context.Background())
	assert.Zero(t, summary.Total)
	assert.Equal(t, []events.Event{events.Complete(0, 0)}, rec.snapshot())
}

func TestSecondRunSkipsEverything(t *testing.T) {
	fetcher := &fakeFetcher{}
	p, _, _ := setup(t, names(3), fetcher)
	p.Run(context.Background())
	summary := p.Run(context.Background())

	assert.Equal(t, 3, fetcher.count())
	assert.Equal(t, 3, summary.Skipped)
}

func TestLastKeepsMostRecentSummary(t *testing.T) {
	p, _, _ := setup(t, names(1), &fakeFetcher{})
	_, ok := p.Last()
	assert.False(t, ok)

	p.Run(context.Background())
	last, ok := p.Last()
	require.True(t, ok)
	assert.Equal(t, 1, last.Done)
	assert.False(t, p.Running())
}

func TestRateLimitPacesFetches(t *testing.T) {
	store, err := cache.NewMemoryStore("media-v1")
	require.NoError(t, err)
	p := New(store, &fakeFetcher{}, nil, nil, nil, Options{Base: base, Names: names(3), Rate: 50})

	started := time.Now()
	summary := p.Run(context.Background())
	assert.Equal(t, 3, summary.Fetched)
	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)
}
