package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"study-portal/internal/models"
	"study-portal/internal/services"
	"study-portal/pkg/apperror"
	"study-portal/pkg/mutation"
	"study-portal/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Query parameters of the list endpoint that are not field filters.
var reservedQuery = map[string]bool{"page": true, "limit": true, "token": true}

type RecordHandler struct {
	recordService *services.RecordService
	validator     *validator.Validate
}

func NewRecordHandler(recordService *services.RecordService) *RecordHandler {
	return &RecordHandler{
		recordService: recordService,
		validator:     validator.New(),
	}
}

// ListRecords returns the records of an entity. Query parameters other than
// page and limit filter on field values; page and limit paginate.
func (h *RecordHandler) ListRecords(c *gin.Context) {
	entity := c.Param("entity")

	filter := make(map[string]string)
	for field, values := range c.Request.URL.Query() {
		if !reservedQuery[field] && len(values) > 0 {
			filter[field] = values[0]
		}
	}

	records, err := h.recordService.List(c.Request.Context(), entity, filter)
	if err != nil {
		respondError(c, "Failed to retrieve records", err)
		return
	}

	data := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		data = append(data, rec.Flatten())
	}

	if c.Query("page") == "" && c.Query("limit") == "" {
		utils.SuccessResponse(c, http.StatusOK, "Records retrieved successfully", data)
		return
	}

	page := max(queryInt(c, "page", 1), 1)
	limit := min(max(queryInt(c, "limit", 50), 1), 500)
	start := min((page-1)*limit, len(data))
	end := min(start+limit, len(data))
	utils.PaginatedResponse(c, http.StatusOK, "Records retrieved successfully", data[start:end], utils.Pagination{
		Page:       page,
		Limit:      limit,
		Total:      int64(len(data)),
		TotalPages: (len(data) + limit - 1) / limit,
	})
}

// GetRecord returns one record.
func (h *RecordHandler) GetRecord(c *gin.Context) {
	rec, err := h.recordService.Get(c.Request.Context(), c.Param("entity"), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to retrieve record", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Record retrieved successfully", rec.Flatten())
}

// CreateRecord creates a record at version 1.
func (h *RecordHandler) CreateRecord(c *gin.Context) {
	var req models.CreateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	rec, err := h.recordService.Create(c.Request.Context(), c.Param("entity"), req)
	if err != nil {
		respondError(c, "Failed to create record", err)
		return
	}
	utils.SuccessResponse(c, http.StatusCreated, "Record created successfully", rec.Flatten())
}

// UpdateRecord applies a versioned edit and answers in the mutation response
// shape: {ok:true, version, record} or {ok:false, reason, message}.
func (h *RecordHandler) UpdateRecord(c *gin.Context) {
	var req models.UpdateRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rejectMutation(c, apperror.NewValidationError("invalid request format: "+err.Error()))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		rejectMutation(c, apperror.NewValidationError(err.Error()))
		return
	}

	rec, err := h.recordService.Update(c.Request.Context(), c.Param("entity"), c.Param("id"), req)
	if err != nil {
		rejectMutation(c, err)
		return
	}
	c.JSON(http.StatusOK, mutation.Response{
		OK:      true,
		Version: rec.Version,
		Record:  rec.Flatten(),
	})
}

// DeleteRecord removes a record still at the expectedVersion query value.
func (h *RecordHandler) DeleteRecord(c *gin.Context) {
	expected, err := strconv.ParseInt(c.Query("expectedVersion"), 10, 64)
	if err != nil || expected < 1 {
		utils.ErrorResponse(c, http.StatusBadRequest, "expectedVersion must be a positive integer", err)
		return
	}

	rec, err := h.recordService.Delete(c.Request.Context(), c.Param("entity"), c.Param("id"), expected)
	if err != nil {
		respondError(c, "Failed to delete record", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Record deleted successfully", rec.Flatten())
}

func rejectMutation(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	reason := apperror.ErrorTypeNetwork
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		switch appErr.Type {
		case apperror.ErrorTypeConflict, apperror.ErrorTypeValidation, apperror.ErrorTypeNotFound:
			reason = appErr.Type
		}
	}
	message := err.Error()
	if appErr != nil {
		message = appErr.Message
	}
	c.JSON(status, mutation.Response{OK: false, Reason: string(reason), Message: message})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return fallback
	}
	return v
}
