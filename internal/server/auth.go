package server

import (
	"errors"
	"net/http"

	"github.com/cartoonrewatch/crt80/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type meUserPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

type meResponsePayload struct {
	Authenticated bool           `json:"authenticated"`
	User          *meUserPayload `json:"user,omitempty"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if !errors.Is(err, auth.ErrMissingSessionToken) {
			h.logTokenFailure(err)
		}
		c.JSON(http.StatusOK, meResponsePayload{Authenticated: false})
		return
	}
	c.JSON(http.StatusOK, meResponsePayload{
		Authenticated: true,
		User: &meUserPayload{
			ID:       claims.UserID,
			Username: claims.DisplayName(),
			Admin:    h.users.IsAdmin(claims.UserID),
		},
	})
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !h.origins.credentialed(c.Request) {
		h.logger.Info("admin request from untrusted origin", zap.String("origin", c.GetHeader("Origin")))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !h.users.IsAdmin(claims.UserID) {
		h.logger.Info("admin access denied", zap.String("user_id", claims.UserID))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(usernameContextKey, claims.DisplayName())
	c.Next()
}

func (h *httpHandler) logTokenFailure(err error) {
	switch {
	case errors.Is(err, auth.ErrMissingSessionToken):
		h.logger.Debug("session token missing")
	case errors.Is(err, auth.ErrExpiredSessionToken):
		h.logger.Info("session validation failed", zap.Error(err))
	default:
		h.logger.Warn("session validation failed", zap.Error(err))
	}
}
