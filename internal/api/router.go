package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"protocol-notifier/internal/history"
	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/notification"
	"protocol-notifier/internal/providers"
)

// Options configures the router. WebSocket and Optimizer may be nil.
type Options struct {
	BasePath  string
	UserID    string
	WebSocket *providers.WebSocketManager
	Optimizer *history.StorageOptimizer
}

func NewRouter(svc *notification.Service, logger *logging.Logger, opts Options) *gin.Engine {
	if opts.BasePath == "" {
		opts.BasePath = "/api/v0"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger.WithComponent("api")))

	h := NewHandler(svc, logger, opts)
	api := r.Group(opts.BasePath)
	{
		// Permissions
		api.GET("/permissions", h.GetPermission)
		api.POST("/permissions/request", h.RequestPermission)

		// Protocol operations
		api.POST("/reminders/daily", h.ScheduleDailyReminder)
		api.POST("/reminders/daily/suppress-today", h.SuppressDailyReminderToday)
		api.POST("/reminders/dose", h.ScheduleDoseReminder)
		api.DELETE("/reminders/dose/:step_id", h.CancelDoseReminders)
		api.POST("/washouts", h.ScheduleWashout)
		api.DELETE("/washouts/:id", h.CancelWashout)
		api.POST("/test-reminders", h.ScheduleTestStartReminder)
		api.POST("/tests/:id/started", h.TestStarted)

		// Notifications
		api.GET("/notifications/pending", h.GetPending)
		api.POST("/notifications/:id/snooze", h.SnoozeDoseReminder)
		api.DELETE("/notifications/:id", h.CancelNotification)
		api.DELETE("/notifications", h.CancelAllNotifications)
		api.POST("/events", h.ReportEvent)

		// Preferences
		api.GET("/preferences", h.GetPreferences)
		api.PUT("/preferences", h.UpdatePreferences)

		// History and analytics
		api.GET("/history", h.GetHistory)
		api.GET("/history/backups", h.GetBackups)
		api.POST("/history/cleanup", h.RunCleanup)
		api.GET("/statistics", h.GetStatistics)
		api.GET("/statistics/daily", h.GetDailyStatistics)

		// Adherence
		api.GET("/adherence/score", h.GetAdherenceScore)
		api.GET("/adherence/patterns", h.GetAdherencePatterns)
		api.GET("/adherence/frequency", h.GetFrequencyRecommendation)
		api.POST("/adherence/frequency/adjust", h.AdjustFrequency)

		// Retry queue
		api.GET("/retry-queue", h.GetRetryQueue)
		api.POST("/reconnect", h.Reconnect)

		api.GET("/ws", h.ServeWebSocket)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
