package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/history"
	"protocol-notifier/internal/logging"
	"protocol-notifier/internal/models"
	"protocol-notifier/internal/notification"
	"protocol-notifier/internal/providers"
)

type Handler struct {
	svc       *notification.Service
	ws        *providers.WebSocketManager
	optimizer *history.StorageOptimizer
	logger    *logging.Logger
	userID    string
}

func NewHandler(svc *notification.Service, logger *logging.Logger, opts Options) *Handler {
	return &Handler{
		svc:       svc,
		ws:        opts.WebSocket,
		optimizer: opts.Optimizer,
		logger:    logger.WithComponent("api"),
		userID:    opts.UserID,
	}
}

func (h *Handler) fail(c *gin.Context, what string, err error) {
	h.logger.Errorf("Failed to %s: %v", what, err)
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (h *Handler) GetPermission(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"available": h.svc.AreNotificationsAvailable(c.Request.Context())})
}

func (h *Handler) RequestPermission(c *gin.Context) {
	status, err := h.svc.RequestPermission(c.Request.Context())
	if err != nil {
		h.fail(c, "request permission", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) ScheduleDailyReminder(c *gin.Context) {
	id, err := h.svc.ScheduleDailyReminder(c.Request.Context())
	if err != nil {
		h.fail(c, "schedule daily reminder", err)
		return
	}
	h.logger.Infof("Scheduled daily reminder %s", id)
	c.JSON(http.StatusCreated, gin.H{"ids": []string{id}})
}

func (h *Handler) SuppressDailyReminderToday(c *gin.Context) {
	id, err := h.svc.SuppressDailyReminderToday(c.Request.Context())
	if err != nil {
		h.fail(c, "suppress daily reminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *Handler) ScheduleDoseReminder(c *gin.Context) {
	var in notification.DoseReminderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Errorf("Invalid request body for dose reminder: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	ids, err := h.svc.ScheduleDoseReminder(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "schedule dose reminder", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ids": ids})
}

func (h *Handler) CancelDoseReminders(c *gin.Context) {
	if err := h.svc.CancelDoseReminders(c.Request.Context(), c.Param("step_id")); err != nil {
		h.fail(c, "cancel dose reminders", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ScheduleWashout(c *gin.Context) {
	var in notification.WashoutInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Errorf("Invalid request body for washout: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	ids, err := h.svc.ScheduleWashoutNotifications(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "schedule washout notifications", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ids": ids})
}

func (h *Handler) CancelWashout(c *gin.Context) {
	if err := h.svc.CancelWashoutNotifications(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "cancel washout notifications", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ScheduleTestStartReminder(c *gin.Context) {
	var in notification.TestStartInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.logger.Errorf("Invalid request body for test start reminder: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	ids, err := h.svc.ScheduleTestStartReminder(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "schedule test start reminder", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ids": ids})
}

func (h *Handler) TestStarted(c *gin.Context) {
	if err := h.svc.CancelTestStartReminders(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "cancel test start reminders", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetPending(c *gin.Context) {
	pending, err := h.svc.PendingNotifications(c.Request.Context())
	if err != nil {
		h.fail(c, "list pending notifications", err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (h *Handler) SnoozeDoseReminder(c *gin.Context) {
	id, err := h.svc.SnoozeDoseReminder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "snooze dose reminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *Handler) CancelNotification(c *gin.Context) {
	if err := h.svc.CancelNotification(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "cancel notification", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) CancelAllNotifications(c *gin.Context) {
	if err := h.svc.CancelAllNotifications(c.Request.Context()); err != nil {
		h.fail(c, "cancel all notifications", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReportEvent accepts a delivered or response event from a client that has
// no WebSocket open.
func (h *Handler) ReportEvent(c *gin.Context) {
	var ev delivery.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		h.logger.Errorf("Invalid request body for event: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if ev.NotificationID == "" || (ev.Kind != delivery.EventDelivered && ev.Kind != delivery.EventResponse) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notification_id and a known kind are required"})
		return
	}
	if ev.Kind == delivery.EventResponse && ev.ActionIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action_identifier is required for responses"})
		return
	}
	h.svc.QueueEvent(ev)
	c.JSON(http.StatusAccepted, gin.H{"message": "Event queued"})
}

func (h *Handler) GetPreferences(c *gin.Context) {
	prefs, err := h.svc.Preferences(c.Request.Context())
	if err != nil {
		h.fail(c, "load preferences", err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

// UpdatePreferences merges the request body over the stored record, so
// fields left out keep their values.
func (h *Handler) UpdatePreferences(c *gin.Context) {
	merged, err := h.svc.Preferences(c.Request.Context())
	if err != nil {
		h.fail(c, "load preferences", err)
		return
	}
	if err := c.ShouldBindJSON(&merged); err != nil {
		h.logger.Errorf("Invalid request body for preferences: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	updated, err := h.svc.UpdatePreferences(c.Request.Context(), func(p *models.Preferences) { *p = merged })
	if err != nil {
		h.fail(c, "update preferences", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) GetHistory(c *gin.Context) {
	var f models.HistoryFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		h.logger.Errorf("Invalid history filter: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid history filter"})
		return
	}
	entries, err := h.svc.History(c.Request.Context(), f)
	if err != nil {
		h.fail(c, "list history", err)
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetStatistics(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
		return
	}
	stats, err := h.svc.Statistics(c.Request.Context(), days)
	if err != nil {
		h.fail(c, "compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetDailyStatistics serves the snapshot taken for ?date=YYYY-MM-DD,
// yesterday by default.
func (h *Handler) GetDailyStatistics(c *gin.Context) {
	stats, found, err := h.svc.DailyStatistics(c.Request.Context(), c.Query("date"))
	if err != nil {
		h.fail(c, "load daily statistics", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No snapshot for that day"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetBackups(c *gin.Context) {
	if h.optimizer == nil {
		c.JSON(http.StatusOK, []history.BackupInfo{})
		return
	}
	backups, err := h.optimizer.Backups(c.Request.Context())
	if err != nil {
		h.fail(c, "list backups", err)
		return
	}
	c.JSON(http.StatusOK, backups)
}

func (h *Handler) RunCleanup(c *gin.Context) {
	if h.optimizer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Storage optimizer is disabled"})
		return
	}
	result, err := h.optimizer.Cleanup(c.Request.Context())
	if err != nil {
		h.fail(c, "clean up history", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetAdherenceScore(c *gin.Context) {
	score, err := h.svc.AdherenceScore(c.Request.Context())
	if err != nil {
		h.fail(c, "compute adherence score", err)
		return
	}
	c.JSON(http.StatusOK, score)
}

func (h *Handler) GetAdherencePatterns(c *gin.Context) {
	pattern, err := h.svc.AdherencePatterns(c.Request.Context())
	if err != nil {
		h.fail(c, "detect adherence patterns", err)
		return
	}
	c.JSON(http.StatusOK, pattern)
}

func (h *Handler) GetFrequencyRecommendation(c *gin.Context) {
	rec, err := h.svc.RecommendNotificationFrequency(c.Request.Context())
	if err != nil {
		h.fail(c, "recommend notification frequency", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) AdjustFrequency(c *gin.Context) {
	rec, changed, err := h.svc.AdjustNotificationFrequency(c.Request.Context())
	if err != nil {
		h.fail(c, "adjust notification frequency", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed, "recommendation": rec})
}

func (h *Handler) GetRetryQueue(c *gin.Context) {
	status, err := h.svc.RetryQueueStatus(c.Request.Context())
	if err != nil {
		h.fail(c, "load retry queue", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) Reconnect(c *gin.Context) {
	result, err := h.svc.OnNetworkReconnect(c.Request.Context())
	if err != nil {
		h.fail(c, "retry queued operations", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
