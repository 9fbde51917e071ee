// Package portal exposes a workspace over HTTP so UI collaborators can read
// cached entries, submit edits, steer prefetching and watch keys for changes.
package portal

import (
	"errors"
	"net/http"

	feedhub "study-portal/internal/websocket"
	"study-portal/pkg/apperror"
	"study-portal/pkg/cache"
	"study-portal/pkg/feed"
	"study-portal/pkg/mutation"
	"study-portal/pkg/prefetch"
	"study-portal/pkg/utils"
	"study-portal/pkg/workspace"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler serves the cache consumer interface of one workspace.
type Handler struct {
	workspace *workspace.Client
	validator *validator.Validate
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

func NewHandler(ws *workspace.Client, allowedOrigins []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		workspace: ws,
		validator: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     feedhub.OriginChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// EntryResponse is a cache entry together with its key.
type EntryResponse struct {
	Key string `json:"key"`
	cache.Entry
}

// MutationRequest is the body of POST /mutations.
type MutationRequest struct {
	Key             string         `json:"key" validate:"required"`
	FieldChanges    map[string]any `json:"fieldChanges" validate:"required,min=1"`
	ExpectedVersion int64          `json:"expectedVersion" validate:"required,gte=1"`
}

// MutationResponse reports a settled mutation. Reason is set when the edit
// was rolled back.
type MutationResponse struct {
	Outcome string       `json:"outcome"`
	Version int64        `json:"version,omitempty"`
	Record  cache.Record `json:"record,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
}

// PrefetchRequest is the body of POST /prefetch.
type PrefetchRequest struct {
	Keys     []string `json:"keys" validate:"required,min=1,dive,required"`
	Priority string   `json:"priority"`
}

// InvalidateRequest is the body of POST /invalidate.
type InvalidateRequest struct {
	Pattern string `json:"pattern" validate:"required"`
}

// GetEntry reads /cache/:entity/:scope. Query parameters become key params.
func (h *Handler) GetEntry(c *gin.Context) {
	key := keyFromRequest(c)
	entry, err := h.workspace.Read(c.Request.Context(), key)
	if err != nil {
		respondError(c, "Failed to read entry", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Entry retrieved successfully", EntryResponse{Key: key.String(), Entry: entry})
}

// PeekEntry returns the cached entry without fetching.
func (h *Handler) PeekEntry(c *gin.Context) {
	key := keyFromRequest(c)
	entry, ok := h.workspace.Peek(key)
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Entry not cached", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Entry retrieved successfully", EntryResponse{Key: key.String(), Entry: entry})
}

// Mutate applies an optimistic edit and waits for it to settle.
func (h *Handler) Mutate(c *gin.Context) {
	var req MutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}
	key, err := cache.ParseKey(req.Key)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid key", err)
		return
	}

	result, err := h.workspace.Mutate(c.Request.Context(), mutation.Intent{
		Target:          key,
		Changes:         req.FieldChanges,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		status := http.StatusInternalServerError
		resp := MutationResponse{Outcome: result.Outcome.String(), Message: err.Error()}
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			status = appErr.HTTPStatus()
			resp.Reason = string(appErr.Type)
			resp.Message = appErr.Message
		}
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, MutationResponse{
		Outcome: result.Outcome.String(),
		Version: result.Version,
		Record:  result.Record,
	})
}

// SchedulePrefetch queues background loads. Keys already cached fresh are
// skipped; scheduling a key that already has a task replaces that task.
func (h *Handler) SchedulePrefetch(c *gin.Context) {
	var req PrefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}
	priority, err := prefetch.ParsePriority(req.Priority)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid priority", err)
		return
	}

	keys := make([]cache.Key, 0, len(req.Keys))
	for _, raw := range req.Keys {
		key, err := cache.ParseKey(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid key", err)
			return
		}
		keys = append(keys, key)
	}

	queued := make([]string, 0, len(keys))
	for _, key := range keys {
		if h.workspace.Prefetch(key, priority, nil) {
			queued = append(queued, key.String())
		}
	}
	utils.SuccessResponse(c, http.StatusAccepted, "Prefetch scheduled", gin.H{"queued": queued})
}

// CancelPrefetch cancels the task for ?key=, or every task without it.
func (h *Handler) CancelPrefetch(c *gin.Context) {
	raw := c.Query("key")
	if raw == "" {
		h.workspace.CancelAllPrefetches()
		utils.SuccessResponse(c, http.StatusOK, "All prefetches cancelled", nil)
		return
	}
	key, err := cache.ParseKey(raw)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid key", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Prefetch cancelled", gin.H{"cancelled": h.workspace.CancelPrefetch(key)})
}

// Invalidate marks every entry matching a pattern such as projects:* stale.
func (h *Handler) Invalidate(c *gin.Context) {
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}
	keys := h.workspace.Invalidate(cache.ParsePattern(req.Pattern))
	utils.SuccessResponse(c, http.StatusOK, "Entries invalidated", gin.H{"keys": keyStrings(keys)})
}

// ApplyChange routes a change message posted by an in-process producer.
func (h *Handler) ApplyChange(c *gin.Context) {
	var msg feed.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	keys, err := h.workspace.ApplyChange(msg)
	if err != nil {
		respondError(c, "Failed to apply change", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Change applied", gin.H{"keys": keyStrings(keys)})
}

// Status reports cache, prefetch, mutation and feed state.
func (h *Handler) Status(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Workspace status", h.workspace.Status())
}

func keyFromRequest(c *gin.Context) cache.Key {
	params := make(map[string]string)
	for name, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}
	return cache.NewKey(c.Param("entity"), c.Param("scope"), params)
}

func keyStrings(keys []cache.Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func respondError(c *gin.Context, message string, err error) {
	status := http.StatusInternalServerError
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
	}
	utils.ErrorResponse(c, status, message, err)
}
