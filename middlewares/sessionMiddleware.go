package middlewares

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/verenigingen/eboekhouden/config"
)

// RevokedTokenKey is the Redis key an operator sets to log a bearer token out early.
func RevokedTokenKey(token string) string {
	return "eboekhouden:revoked:" + token
}

// SessionMiddleware rejects bearer tokens that were revoked before they expired.
// Without Redis every token is accepted.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
		token := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(auth, "Bearer "), "bearer "))
		if token == "" {
			c.Next()
			return
		}
		_, revoked, err := config.GetRedisValue(c.Request.Context(), RevokedTokenKey(token))
		if err != nil {
			config.LogError(config.GetLogger(), "middlewares", "SessionMiddleware", "read revocation", nil, err)
		}
		if revoked {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// LogoutHandler revokes the caller's bearer token until it would have expired.
// It must run behind AuthMiddleware.
func LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := CtxValue(c.Request.Context())
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		auth := strings.TrimSpace(c.Request.Header.Get("Authorization"))
		token := strings.TrimSpace(auth[len("bearer "):])
		ttl := time.Until(time.Unix(claims.ExpiresAt, 0))
		if ttl <= 0 {
			c.Status(http.StatusNoContent)
			return
		}
		if err := config.SetRedisValue(c.Request.Context(), RevokedTokenKey(token), claims.UserName, ttl); err != nil {
			config.LogError(config.GetLogger(), "middlewares", "LogoutHandler", "revoke token", claims.UserName, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not revoke token"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
