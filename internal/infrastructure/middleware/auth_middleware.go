package middleware

import (
	"net/http"
	"strings"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	ContextUserID = "user_id"
	ContextClaims = "claims"
)

// AuthMiddleware requires a bearer token. When allowQueryToken is set, a
// token query parameter is accepted on websocket upgrades, since browsers
// cannot set headers there.
func AuthMiddleware(authService services.AuthService, allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c, allowQueryToken)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		ctx := services.ContextWithUser(c.Request.Context(), claims.UserID)
		ctx = logger.WithValue(ctx, logger.UserIDKey, string(claims.UserID))
		c.Request = c.Request.WithContext(ctx)
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// GroupPermissionMiddleware rejects tokens scoped to another group. It must
// run after AuthMiddleware.
func GroupPermissionMiddleware(authService services.AuthService, groupID func() domain.GroupID) gin.HandlerFunc {
	return func(c *gin.Context) {
		val, exists := c.Get(ContextClaims)
		claims, ok := val.(*services.Claims)
		if !exists || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		if err := authService.CheckGroupPermission(claims, groupID()); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context, allowQuery bool) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if allowQuery && websocket.IsWebSocketUpgrade(c.Request) {
		if token := c.Query("token"); token != "" {
			return token, true
		}
	}
	return "", false
}
