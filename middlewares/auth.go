package middlewares

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"petshop-service/models"
	"petshop-service/utils"
)

// Context keys set by AuthMiddleware.
const (
	ContextUserID = "userID"
	ContextRole   = "role"
)

// UserLookup resolves a token subject to a live account.
type UserLookup interface {
	GetActive(ctx context.Context, id int64) (*models.User, error)
}

// AuthMiddleware requires a valid bearer token for an active user. The role
// is read from the account row, not the token.
func AuthMiddleware(secret string, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "unauthorized"})
			return
		}

		claims, err := utils.ParseToken(secret, strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
			return
		}

		user, err := users.GetActive(c.Request.Context(), claims.UserID)
		if err != nil {
			log.Printf("Auth: rejecting token for user %d: %v", claims.UserID, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account not active", "code": "unauthorized"})
			return
		}

		c.Set(ContextUserID, user.ID)
		c.Set(ContextRole, user.Role)
		c.Next()
	}
}

// RequireRole must run after AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions", "code": "forbidden"})
			return
		}
		c.Next()
	}
}
