package middleware

import (
	"net/http"
	"strings"

	"study-portal/pkg/jwt"
	"study-portal/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Context keys set by AuthMiddleware.
const (
	ClientIDKey = "client_id"
	ClaimsKey   = "claims"
)

// AuthMiddleware accepts a token from the Authorization header ("Bearer x" or
// bare) or, for websocket handshakes, from the token query parameter.
func AuthMiddleware(jwtUtil *jwt.JWTUtil) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			utils.ErrorResponse(c, http.StatusUnauthorized, "Authorization header required", nil)
			c.Abort()
			return
		}

		claims, err := jwtUtil.ValidateToken(tokenString)
		if err != nil {
			utils.ErrorResponse(c, http.StatusUnauthorized, "Invalid or expired token", err)
			c.Abort()
			return
		}

		c.Set(ClientIDKey, claims.ClientID)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// RequireWrite rejects tokens that may not change records.
func RequireWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get(ClaimsKey)
		if !ok || !claims.(*jwt.Claims).CanWrite() {
			utils.ErrorResponse(c, http.StatusForbidden, "Token does not allow writes", nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return c.Query("token")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	return strings.TrimSpace(tokenString)
}
