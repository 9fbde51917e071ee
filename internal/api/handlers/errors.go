package handlers

import (
	"errors"
	"net/http"

	"study-portal/pkg/apperror"
	"study-portal/pkg/utils"

	"github.com/gin-gonic/gin"
)

// respondError writes err with the status of its apperror type.
func respondError(c *gin.Context, message string, err error) {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		utils.ErrorResponse(c, appErr.HTTPStatus(), message, err)
		return
	}
	utils.ErrorResponse(c, http.StatusInternalServerError, message, err)
}
