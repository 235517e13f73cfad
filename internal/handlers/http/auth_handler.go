package http

import (
	"net/http"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/services"
	"meshcall/internal/infrastructure/middleware"
	"meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

// SetupRoutes registers the token routes. They must sit behind
// AuthMiddleware.
func (h *AuthHandler) SetupRoutes(api gin.IRoutes) {
	api.POST("/auth/refresh", h.RefreshToken)
}

// RefreshToken exchanges a valid token for a fresh one with the same scope.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	val, _ := c.Get(middleware.ContextClaims)
	claims, ok := val.(*services.Claims)
	if !ok {
		_ = c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	token, err := h.authService.GenerateToken(claims.UserID, claims.GroupID)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"user_id":      claims.UserID,
		"group_id":     optionalGroup(claims.GroupID),
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}

func optionalGroup(g domain.GroupID) interface{} {
	if g == "" {
		return nil
	}
	return g
}
