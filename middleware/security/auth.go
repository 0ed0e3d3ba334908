package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ChatRelay/tools/security"
)

const ctxUserKey = "userID"

// Middleware authenticates a bearer token and puts the user id into the gin
// context. Tokens are accepted from the Authorization header or, for browser
// websocket clients that cannot set headers, the "token" query parameter.
func Middleware(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUserKey, claims.UserID())
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(c.Query("token"))
}

// UserID reads the authenticated user id set by Middleware.
func UserID(c *gin.Context) string {
	return c.GetString(ctxUserKey)
}
