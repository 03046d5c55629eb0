// Package api exposes the notification facade over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"protocol-notifier/internal/history"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/notification"
	"protocol-notifier/internal/preferences"
	"protocol-notifier/internal/scheduler"
	"protocol-notifier/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, notification.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotScheduled),
		errors.Is(err, history.ErrEntryNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrAlreadyActioned):
		return http.StatusConflict
	case errors.Is(err, history.ErrInvalidDay):
		return http.StatusBadRequest
	case errors.Is(err, preferences.ErrInvalid),
		errors.Is(err, scheduler.ErrTimeInPast),
		errors.Is(err, models.ErrSchedulingFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrCancellationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ServeWebSocket upgrades the connection and registers it for the user.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	if h.ws == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "WebSocket channel is disabled"})
		return
	}
	userID := c.DefaultQuery("user_id", h.userID)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade failed for user %s: %v", userID, err)
		return
	}
	h.ws.Serve(userID, conn)
}
