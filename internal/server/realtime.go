package server

import (
	"errors"
	"net/http"

	"github.com/cartoonrewatch/crt80/internal/auth"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newUpgrader(origins originPolicy) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.accepts,
	}
}

// handleViewers upgrades the request and serves the viewer connection until
// the peer goes away. The chat identity is resolved once, here, and only for
// origins trusted with the viewer's session.
func (h *httpHandler) handleViewers(c *gin.Context) {
	var identity *viewers.ChatIdentity
	if h.origins.credentialed(c.Request) {
		identity = h.chatIdentity(c.Request)
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("viewer upgrade failed", zap.Error(err))
		return
	}
	viewers.NewClient(conn, h.protocol, h.logger).Serve(identity)
}

func (h *httpHandler) chatIdentity(r *http.Request) *viewers.ChatIdentity {
	claims, err := h.sessions.ValidateRequest(r)
	if err != nil {
		if !errors.Is(err, auth.ErrMissingSessionToken) {
			h.logTokenFailure(err)
		}
		return nil
	}
	profile, err := h.users.ResolveProfile(claims)
	if err != nil {
		h.logger.Warn("chat identity resolution failed",
			zap.String("operation", "viewers.identity"),
			zap.String("reason", "resolve_failed"),
			zap.Error(err))
		return nil
	}
	return &viewers.ChatIdentity{UserID: profile.UserID, Username: profile.Username}
}
