package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"study-portal/pkg/apperror"
	"study-portal/pkg/cache"
	"study-portal/pkg/mutation"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig(server.URL)
	cfg.Token = "token-123"
	cfg.Breaker.MinRequests = 3
	cfg.Breaker.FailureThreshold = 0.3
	cfg.Breaker.Timeout = time.Minute
	return NewClient(cfg, nil), server
}

func TestMutate_Committed(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/records/employees/e1", r.URL.Path)
		assert.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))

		var body mutateBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Grace", body.FieldChanges["name"])
		assert.Equal(t, int64(3), body.ExpectedVersion)

		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"version": 4,
			"record":  map[string]any{"id": "e1", "name": "Grace", "version": 4},
		})
	})

	resp, err := client.Mutate(context.Background(), mutation.Request{
		EntityType:      "employees",
		ID:              "e1",
		FieldChanges:    map[string]any{"name": "Grace"},
		ExpectedVersion: 3,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, int64(4), resp.Version)
	assert.Equal(t, "Grace", resp.Record["name"])
}

func TestMutate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		reason string
	}{
		{
			name:   "conflict with body",
			status: http.StatusConflict,
			body:   map[string]any{"ok": false, "reason": "CONFLICT", "message": "version mismatch"},
			reason: "CONFLICT",
		},
		{name: "validation without reason", status: http.StatusUnprocessableEntity, body: map[string]any{"ok": false}, reason: "VALIDATION"},
		{name: "bad request", status: http.StatusBadRequest, body: map[string]any{"success": false}, reason: "VALIDATION"},
		{name: "not found", status: http.StatusNotFound, body: map[string]any{}, reason: "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			resp, err := client.Mutate(context.Background(), mutation.Request{EntityType: "projects", ID: "p1", FieldChanges: map[string]any{"name": "x"}})
			require.NoError(t, err)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.reason, resp.Reason)
		})
	}
}

func TestMutate_ServerErrorIsNetwork(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
	})

	_, err := client.Mutate(context.Background(), mutation.Request{EntityType: "projects", ID: "p1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrNetwork)
}

func TestMutate_CancelledContext(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Mutate(ctx, mutation.Request{EntityType: "projects", ID: "p1"})
	assert.ErrorIs(t, err, apperror.ErrCancelled)
	assert.False(t, apperror.Surface(err))
}

func TestBreaker_OpensOnServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	failing := atomic.Bool{}

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "reason": "CONFLICT"})
	})
	ctx := context.Background()
	req := mutation.Request{EntityType: "projects", ID: "p1"}

	for i := 0; i < 5; i++ {
		_, err := client.Mutate(ctx, req)
		require.NoError(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, client.BreakerState(), "conflicts do not trip the breaker")

	failing.Store(true)
	for i := 0; i < 3; i++ {
		client.Mutate(ctx, req)
	}
	assert.Equal(t, gobreaker.StateOpen, client.BreakerState())

	before := calls.Load()
	_, err := client.Mutate(ctx, req)
	assert.ErrorIs(t, err, apperror.ErrNetwork)
	assert.Contains(t, err.Error(), "temporarily unavailable")
	assert.Equal(t, before, calls.Load(), "open breaker short-circuits the call")
}

func TestLoad(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/records/employees/e1":
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"id": "e1", "name": "Ada", "version": 7},
			})
		case "/api/v1/records/projects":
			assert.Equal(t, "active", r.URL.Query().Get("status"))
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data": []map[string]any{
					{"id": "p1", "version": 2},
					{"id": "p2", "version": 5},
				},
			})
		case "/api/v1/dashboard/summary":
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    map[string]any{"totalQre": 1250.5},
			})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Record not found"})
		}
	})
	ctx := context.Background()

	snap, err := client.Load(ctx, cache.NewKey("employees", "e1", nil))
	require.NoError(t, err)
	assert.Equal(t, int64(7), snap.Version)
	rec, ok := cache.AsRecord(snap.Value)
	require.True(t, ok)
	assert.Equal(t, "Ada", rec["name"])

	snap, err = client.Load(ctx, cache.NewKey("projects", ScopeList, map[string]string{"status": "active"}))
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)
	assert.Len(t, snap.Value, 2)

	snap, err = client.Load(ctx, cache.NewKey("dashboard", ScopeSummary, nil))
	require.NoError(t, err)
	assert.Equal(t, 1250.5, snap.Value.(map[string]any)["totalQre"])

	_, err = client.Load(ctx, cache.NewKey("employees", "missing", nil))
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	loader, ok := client.LoaderFor(cache.NewKey("studies", "s1", nil))
	assert.True(t, ok)
	assert.NotNil(t, loader)
}

func TestClientDrivesExecutor(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "reason": "CONFLICT", "message": "stale version"})
	})
	store := cache.NewStore(cache.DefaultStoreConfig(), nil)
	defer store.Close()

	key := cache.NewKey("employees", "e1", nil)
	original := cache.Record{"id": "e1", "name": "Ada"}
	store.Put(key, original, 3, cache.Fresh)

	exec := mutation.NewExecutor(store, client, nil, mutation.DefaultConfig(), nil)
	_, err := exec.Apply(context.Background(), mutation.Intent{
		Target:          key,
		Changes:         map[string]any{"name": "Grace"},
		ExpectedVersion: 3,
	})
	assert.ErrorIs(t, err, apperror.ErrConflict)

	entry, ok := store.Peek(key)
	require.True(t, ok)
	assert.Equal(t, original, entry.Value)
	assert.Equal(t, int64(3), entry.Version)
	assert.Equal(t, cache.Stale, entry.Staleness)
}
