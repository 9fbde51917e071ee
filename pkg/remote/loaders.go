package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"study-portal/pkg/apperror"
	"study-portal/pkg/cache"
)

// Scopes with a special meaning for the loaders. Any other scope is a record id.
const (
	ScopeList    = "list"
	ScopeSummary = "summary"

	dashboardEntity = "dashboard"
)

// envelope is the backing store's standard response body.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   any             `json:"error"`
}

// Load fetches the snapshot for key. It is a cache.Loader:
//
//	dashboard:<any>         GET /api/v1/dashboard/summary
//	<entity>:list?<filter>  GET /api/v1/records/<entity>?<filter>
//	<entity>:<id>           GET /api/v1/records/<entity>/<id>
func (c *Client) Load(ctx context.Context, key cache.Key) (cache.Snapshot, error) {
	switch {
	case key.Entity == dashboardEntity:
		return c.FetchDashboard(ctx)
	case key.Scope == ScopeList:
		return c.FetchList(ctx, key.Entity, key.ParamMap())
	default:
		return c.FetchRecord(ctx, key.Entity, key.Scope)
	}
}

// LoaderFor returns the loader for key. Every key is served by Load.
func (c *Client) LoaderFor(key cache.Key) (cache.Loader, bool) {
	if key.IsZero() {
		return nil, false
	}
	return c.Load, true
}

// FetchRecord loads one record.
func (c *Client) FetchRecord(ctx context.Context, entity, id string) (cache.Snapshot, error) {
	var rec cache.Record
	if err := c.get(ctx, recordPath(entity, id), nil, &rec); err != nil {
		return cache.Snapshot{}, err
	}
	return cache.Snapshot{Value: rec, Version: versionOf(rec)}, nil
}

// FetchList loads every record of entity whose fields equal filter. The
// snapshot version is the highest record version in the list.
func (c *Client) FetchList(ctx context.Context, entity string, filter map[string]string) (cache.Snapshot, error) {
	query := url.Values{}
	for field, value := range filter {
		query.Set(field, value)
	}

	var list []cache.Record
	if err := c.get(ctx, "/api/v1/records/"+url.PathEscape(entity), query, &list); err != nil {
		return cache.Snapshot{}, err
	}
	if list == nil {
		list = []cache.Record{}
	}
	var version int64
	for _, rec := range list {
		version = max(version, versionOf(rec))
	}
	return cache.Snapshot{Value: list, Version: version}, nil
}

// FetchDashboard loads the aggregate QRE summary.
func (c *Client) FetchDashboard(ctx context.Context) (cache.Snapshot, error) {
	var summary map[string]any
	if err := c.get(ctx, "/api/v1/dashboard/summary", nil, &summary); err != nil {
		return cache.Snapshot{}, err
	}
	return cache.Snapshot{Value: summary, Version: versionOf(summary)}, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, into any) error {
	status, data, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)
	switch {
	case status == http.StatusNotFound:
		return apperror.NewNotFoundError(path)
	case status >= 300:
		return apperror.New(reasonForStatus(status), orDefault(env.Message, http.StatusText(status)))
	case decodeErr != nil:
		return apperror.NewNetworkError("malformed response from "+path, decodeErr)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		return apperror.NewNetworkError("malformed payload from "+path, err)
	}
	return nil
}

func versionOf(rec map[string]any) int64 {
	switch v := rec["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
