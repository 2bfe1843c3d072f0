package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/streamly-studio/backend/internal/auth"
	"github.com/streamly-studio/backend/pkg/response"
)

const (
	// ContextIdentity is the key for the caller's identity in gin context.
	ContextIdentity = "identity"
	// ContextUserName is the key for the caller's display name in gin context.
	ContextUserName = "user_name"
)

// JWT returns a middleware that validates JWT and sets user claims in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextIdentity, claims.Identity())
		c.Set(ContextUserName, claims.Name)
		c.Next()
	}
}

// Identity returns the authenticated identity, or "" on unauthenticated routes.
func Identity(c *gin.Context) string {
	return c.GetString(ContextIdentity)
}
