package handlers

import (
	"net/http"

	"study-portal/internal/services"
	"study-portal/pkg/utils"

	"github.com/gin-gonic/gin"
)

type DashboardHandler struct {
	recordService *services.RecordService
}

func NewDashboardHandler(recordService *services.RecordService) *DashboardHandler {
	return &DashboardHandler{recordService: recordService}
}

// GetSummary returns the QRE summary across all records.
func (h *DashboardHandler) GetSummary(c *gin.Context) {
	summary, err := h.recordService.DashboardSummary(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to build dashboard summary", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Dashboard summary retrieved successfully", summary)
}
