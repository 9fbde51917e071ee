package workspace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"study-portal/pkg/apperror"
	"study-portal/pkg/cache"
	"study-portal/pkg/feed"
	"study-portal/pkg/mutation"
	"study-portal/pkg/prefetch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteFunc func(ctx context.Context, req mutation.Request) (mutation.Response, error)

func (f remoteFunc) Mutate(ctx context.Context, req mutation.Request) (mutation.Response, error) {
	return f(ctx, req)
}

var rejectAll = remoteFunc(func(context.Context, mutation.Request) (mutation.Response, error) {
	return mutation.Response{OK: false, Reason: "NETWORK"}, nil
})

// backend is an in-memory record source with a load counter.
type backend struct {
	mu      sync.Mutex
	records map[cache.Key]cache.Snapshot
	loads   atomic.Int32
	gate    chan struct{}
}

func newBackend() *backend {
	return &backend{records: make(map[cache.Key]cache.Snapshot)}
}

func (b *backend) set(key cache.Key, value any, version int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = cache.Snapshot{Value: value, Version: version}
}

func (b *backend) load(ctx context.Context, key cache.Key) (cache.Snapshot, error) {
	b.loads.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return cache.Snapshot{}, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.records[key]
	if !ok {
		return cache.Snapshot{}, apperror.NewNotFoundError(key.String())
	}
	return snap, nil
}

func (b *backend) LoaderFor(key cache.Key) (cache.Loader, bool) {
	if key.Entity == "unknown" {
		return nil, false
	}
	return b.load, true
}

func newClient(t *testing.T, b *backend, remote mutation.RemoteAPI, policy StalePolicy, opts ...Option) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StalePolicy = policy
	cfg.Feed = feed.Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, DegradedAfter: 3}
	c := New(b, remote, cfg, nil, opts...)
	t.Cleanup(c.Close)
	return c
}

var (
	ada      = cache.NewKey("employees", "e1", nil)
	projects = cache.NewKey("projects", "list", nil)
)

func TestRead_MissFetchesOnceThenHits(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"id": "e1", "name": "Ada"}, 1)
	c := newClient(t, b, rejectAll, StaleWhileRevalidate)

	entry, err := c.Read(context.Background(), ada)
	require.NoError(t, err)
	assert.Equal(t, cache.Fresh, entry.Staleness)
	assert.Equal(t, int64(1), entry.Version)

	_, err = c.Read(context.Background(), ada)
	require.NoError(t, err)
	assert.Equal(t, int32(1), b.loads.Load())
	assert.Equal(t, 1, c.Store().Len())
}

func TestRead_ConcurrentMissesShareOneFetch(t *testing.T) {
	b := newBackend()
	b.gate = make(chan struct{})
	b.set(ada, cache.Record{"name": "Ada"}, 1)
	c := newClient(t, b, rejectAll, StaleWhileRevalidate)

	var wg sync.WaitGroup
	results := make([]cache.Entry, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := c.Read(context.Background(), ada)
			assert.NoError(t, err)
			results[i] = entry
		}(i)
	}

	require.Eventually(t, func() bool { return b.loads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	assert.Equal(t, int32(1), b.loads.Load())
	for _, entry := range results {
		assert.Equal(t, int64(1), entry.Version)
	}
	assert.Equal(t, 1, c.Store().Len())
}

func TestRead_StaleWhileRevalidate(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"name": "Ada"}, 1)
	c := newClient(t, b, rejectAll, StaleWhileRevalidate)

	_, err := c.Read(context.Background(), ada)
	require.NoError(t, err)

	b.set(ada, cache.Record{"name": "Ada Lovelace"}, 2)
	c.Invalidate(cache.EntityPattern("employees"))

	entry, err := c.Read(context.Background(), ada)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version, "stale value served immediately")

	require.Eventually(t, func() bool {
		e, ok := c.Peek(ada)
		return ok && e.Staleness == cache.Fresh && e.Version == 2
	}, time.Second, time.Millisecond)
}

func TestRead_BlockingRefetchesStale(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"name": "Ada"}, 1)
	c := newClient(t, b, rejectAll, Blocking)

	_, err := c.Read(context.Background(), ada)
	require.NoError(t, err)
	b.set(ada, cache.Record{"name": "Ada Lovelace"}, 2)
	c.Invalidate(cache.ParsePattern("employees:e1"))

	entry, err := c.Read(context.Background(), ada)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
	assert.Equal(t, "Ada Lovelace", entry.Value.(cache.Record)["name"])
}

func TestRead_Errors(t *testing.T) {
	b := newBackend()
	c := newClient(t, b, rejectAll, StaleWhileRevalidate)

	_, err := c.Read(context.Background(), ada)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	_, ok := c.Peek(ada)
	assert.False(t, ok, "failed fetch leaves no entry behind")

	_, err = c.Read(context.Background(), cache.NewKey("unknown", "x", nil))
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	b.gate = make(chan struct{})
	b.set(ada, cache.Record{"name": "Ada"}, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Read(ctx, ada)
	assert.ErrorIs(t, err, apperror.ErrCancelled)
	assert.False(t, apperror.Surface(err))
}

func TestMutate_CommitInvalidatesDependents(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"id": "e1", "wages": 100.0}, 3)
	b.set(projects, []cache.Record{{"id": "p1"}}, 1)

	remote := remoteFunc(func(_ context.Context, req mutation.Request) (mutation.Response, error) {
		assert.Equal(t, "employees", req.EntityType)
		assert.Equal(t, "e1", req.ID)
		return mutation.Response{OK: true, Version: 4}, nil
	})
	c := newClient(t, b, remote, StaleWhileRevalidate)
	ctx := context.Background()

	_, err := c.Read(ctx, ada)
	require.NoError(t, err)
	_, err = c.Read(ctx, projects)
	require.NoError(t, err)

	result, err := c.Mutate(ctx, mutation.Intent{Target: ada, Changes: map[string]any{"wages": 120.0}, ExpectedVersion: 3})
	require.NoError(t, err)
	assert.Equal(t, mutation.Committed, result.Outcome)

	entry, _ := c.Peek(ada)
	assert.Equal(t, int64(4), entry.Version)
	assert.Equal(t, cache.Fresh, entry.Staleness)
	assert.Equal(t, 120.0, entry.Value.(cache.Record)["wages"])

	list, _ := c.Peek(projects)
	assert.Equal(t, cache.Stale, list.Staleness)
}

func TestRead_RefetchKeepsOutstandingEdit(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"name": "Ada", "role": "engineer"}, 1)

	release := make(chan struct{})
	remote := remoteFunc(func(ctx context.Context, req mutation.Request) (mutation.Response, error) {
		<-release
		return mutation.Response{OK: true, Version: 2}, nil
	})
	c := newClient(t, b, remote, Blocking)
	ctx := context.Background()

	_, err := c.Read(ctx, ada)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, mutation.Intent{Target: ada, Changes: map[string]any{"role": "lead"}, ExpectedVersion: 1})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.Status().OutstandingMutations == 1 }, time.Second, time.Millisecond)

	c.Invalidate(cache.EntityPattern("employees"))
	entry, err := c.Read(ctx, ada)
	require.NoError(t, err)
	assert.Equal(t, "lead", entry.Value.(cache.Record)["role"], "optimistic edit survives the refetch")

	close(release)
	require.NoError(t, <-done)
	entry, _ = c.Peek(ada)
	assert.Equal(t, "lead", entry.Value.(cache.Record)["role"])
	assert.Equal(t, int64(2), entry.Version)
}

func TestPrefetch(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"name": "Ada"}, 1)
	c := newClient(t, b, rejectAll, StaleWhileRevalidate)

	assert.True(t, c.Prefetch(ada, prefetch.Normal, nil))
	require.Eventually(t, func() bool {
		e, ok := c.Peek(ada)
		return ok && e.Staleness == cache.Fresh
	}, time.Second, time.Millisecond)

	assert.False(t, c.Prefetch(cache.NewKey("unknown", "x", nil), prefetch.Low, nil))
	assert.False(t, c.Prefetch(ada, prefetch.Normal, nil), "fresh keys are skipped")

	custom := func(context.Context, cache.Key) (cache.Snapshot, error) {
		return cache.Snapshot{}, errors.New("boom")
	}
	assert.True(t, c.Prefetch(cache.NewKey("studies", "s1", nil), prefetch.High, custom))
}

func TestApplyChange_WithoutFeed(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"name": "Ada"}, 1)
	b.set(projects, []cache.Record{}, 1)
	c := newClient(t, b, rejectAll, StaleWhileRevalidate)
	ctx := context.Background()

	_, err := c.Read(ctx, ada)
	require.NoError(t, err)
	_, err = c.Read(ctx, projects)
	require.NoError(t, err)

	keys, err := c.ApplyChange(feed.Message{Table: "timesheets", EventType: "INSERT"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []cache.Key{ada, projects}, keys)

	_, err = c.ApplyChange(feed.Message{Table: "timesheets", EventType: "MERGE"})
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Nil(t, c.WatchFeed(4))
}

type chanSource struct {
	msgs chan feed.Message
}

func (s *chanSource) Name() string { return "chan" }

func (s *chanSource) Open(ctx context.Context) (feed.Stream, error) {
	return s, nil
}

func (s *chanSource) Recv(ctx context.Context) (feed.Message, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-ctx.Done():
		return feed.Message{}, ctx.Err()
	}
}

func (s *chanSource) Close() error { return nil }

func TestStart_WithFeed(t *testing.T) {
	b := newBackend()
	b.set(ada, cache.Record{"name": "Ada"}, 1)
	source := &chanSource{msgs: make(chan feed.Message, 1)}
	c := newClient(t, b, rejectAll, StaleWhileRevalidate, WithFeed(source))

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()), "second start is a no-op")
	_, err := c.Read(context.Background(), ada)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := c.Status()
		return s.Feed != nil && s.Feed.Status == feed.StatusLive
	}, time.Second, time.Millisecond)

	source.msgs <- feed.Message{Table: "employees", EventType: "UPDATE", New: map[string]any{"id": "e1"}}
	require.Eventually(t, func() bool {
		e, _ := c.Peek(ada)
		return e.Staleness != cache.Fresh
	}, time.Second, time.Millisecond)

	c.Close()
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestParseStalePolicy(t *testing.T) {
	p, err := ParseStalePolicy("SWR")
	require.NoError(t, err)
	assert.Equal(t, StaleWhileRevalidate, p)

	p, err = ParseStalePolicy("blocking")
	require.NoError(t, err)
	assert.Equal(t, Blocking, p)

	_, err = ParseStalePolicy("eventually")
	assert.Error(t, err)
}
