package handlers

import (
	"net/http"
	"strings"

	"study-portal/pkg/jwt"
	"study-portal/pkg/utils"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	jwtUtil *jwt.JWTUtil
}

func NewAuthHandler(jwtUtil *jwt.JWTUtil) *AuthHandler {
	return &AuthHandler{jwtUtil: jwtUtil}
}

// RefreshToken returns a renewed token when the presented one expires within
// the hour, otherwise the same token.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if token == "" {
		utils.ErrorResponse(c, http.StatusUnauthorized, "Authorization header required", nil)
		return
	}

	refreshed, err := h.jwtUtil.RefreshToken(token)
	if err != nil {
		utils.ErrorResponse(c, http.StatusUnauthorized, "Token refresh failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Token refreshed successfully", map[string]string{"token": refreshed})
}
