// internal/notification/handlers.go

package notification

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/imadgeboyega/studyhub-backend/internal/auth"
	"github.com/imadgeboyega/studyhub-backend/internal/common/utils"
)

type Handler struct {
	service Service
	hub     *Hub
	auth    *auth.Middleware
	logger  *zap.Logger
}

func NewHandler(service Service, hub *Hub, authMiddleware *auth.Middleware, logger *zap.Logger) *Handler {
	return &Handler{service: service, hub: hub, auth: authMiddleware, logger: logger}
}

// respondError maps service errors to HTTP responses
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var verr *ValidationError
	var ferr *utils.FieldError
	switch {
	case errors.As(err, &verr):
		utils.RespondWithFieldError(w, verr.Field, verr.Message)
	case errors.As(err, &ferr):
		utils.RespondWithFieldError(w, ferr.Field, ferr.Message)
	case errors.Is(err, ErrNotFound):
		utils.RespondWithError(w, http.StatusNotFound, capitalize(err.Error()))
	case errors.Is(err, ErrForbidden):
		utils.RespondWithError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, ErrChannelMismatch):
		utils.RespondWithFieldError(w, "channel_id", err.Error())
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, ErrInactive),
		errors.Is(err, ErrScheduleNotRunnable):
		utils.RespondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error(fallback, zap.String("path", r.URL.Path), zap.Error(err))
		utils.RespondWithError(w, http.StatusInternalServerError, fallback)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// decode parses the JSON body into dst and runs struct validation
func decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &ValidationError{Field: "body", Message: "Invalid request payload"}
	}
	return utils.ValidateStruct(dst)
}

func (h *Handler) caller(r *http.Request) Caller {
	userID, _ := auth.GetUserIDFromContext(r.Context())
	return Caller{UserID: userID, Staff: h.auth.IsStaff(r.Context())}
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

func queryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}

func queryBool(r *http.Request, key string) *bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil
	}
	return &v
}

// Templates

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	templates, err := h.service.ListTemplates(r.Context(), TemplateFilter{
		ChannelType: ChannelType(q.Get("channel_type")),
		Category:    Category(q.Get("category")),
		IsActive:    queryBool(r, "is_active"),
		Search:      q.Get("search"),
	})
	if err != nil {
		h.respondError(w, r, err, "Failed to list templates")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, templates)
}

func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	t, err := h.service.CreateTemplate(r.Context(), &req, h.caller(r).UserID)
	if err != nil {
		h.respondError(w, r, err, "Failed to create template")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, t)
}

func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid template ID")
		return
	}

	t, err := h.service.GetTemplate(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to get template")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid template ID")
		return
	}
	var req UpdateTemplateRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	t, err := h.service.UpdateTemplate(r.Context(), id, &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to update template")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) TestTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid template ID")
		return
	}
	var req TestTemplateRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.respondError(w, r, err, "Invalid request payload")
			return
		}
	}

	rendered, err := h.service.TestTemplate(r.Context(), id, req.Data)
	if err != nil {
		h.respondError(w, r, err, "Failed to render template")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, rendered)
}

func (h *Handler) DuplicateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid template ID")
		return
	}

	t, err := h.service.DuplicateTemplate(r.Context(), id, h.caller(r).UserID)
	if err != nil {
		h.respondError(w, r, err, "Failed to duplicate template")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, t)
}

func (h *Handler) setTemplateActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid template ID")
			return
		}

		t, err := h.service.SetTemplateActive(r.Context(), id, active)
		if err != nil {
			h.respondError(w, r, err, "Failed to update template")
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, t)
	}
}

func (h *Handler) TemplatesByCategory(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.service.TemplatesByCategory(r.Context())
	if err != nil {
		h.respondError(w, r, err, "Failed to group templates")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, grouped)
}

func (h *Handler) TemplatesByChannelType(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.service.TemplatesByChannelType(r.Context())
	if err != nil {
		h.respondError(w, r, err, "Failed to group templates")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, grouped)
}

// Channels

func redactAll(channels []*Channel) []*Channel {
	out := make([]*Channel, len(channels))
	for i, c := range channels {
		out[i] = c.Redacted()
	}
	return out
}

func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.service.ListChannels(r.Context(), ChannelFilter{
		ChannelType: ChannelType(r.URL.Query().Get("channel_type")),
		IsActive:    queryBool(r, "is_active"),
		IsDefault:   queryBool(r, "is_default"),
	})
	if err != nil {
		h.respondError(w, r, err, "Failed to list channels")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, redactAll(channels))
}

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	c, err := h.service.CreateChannel(r.Context(), &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to create channel")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, c.Redacted())
}

func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid channel ID")
		return
	}

	c, err := h.service.GetChannel(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to get channel")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, c.Redacted())
}

func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid channel ID")
		return
	}
	var req UpdateChannelRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	c, err := h.service.UpdateChannel(r.Context(), id, &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to update channel")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, c.Redacted())
}

func (h *Handler) SetDefaultChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid channel ID")
		return
	}

	c, err := h.service.SetDefaultChannel(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to set default channel")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, c.Redacted())
}

func (h *Handler) TestChannel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid channel ID")
		return
	}

	result, err := h.service.TestChannel(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to test channel")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) setChannelActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid channel ID")
			return
		}

		c, err := h.service.SetChannelActive(r.Context(), id, active)
		if err != nil {
			h.respondError(w, r, err, "Failed to update channel")
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, c.Redacted())
	}
}

func (h *Handler) DefaultChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.service.DefaultChannels(r.Context())
	if err != nil {
		h.respondError(w, r, err, "Failed to list default channels")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, redactAll(channels))
}

func (h *Handler) ChannelsByType(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.service.ChannelsByType(r.Context())
	if err != nil {
		h.respondError(w, r, err, "Failed to group channels")
		return
	}
	out := make(map[ChannelType][]*Channel, len(grouped))
	for t, channels := range grouped {
		out[t] = redactAll(channels)
	}
	utils.RespondWithJSON(w, http.StatusOK, out)
}

// Notifications

func (h *Handler) notificationFilter(r *http.Request) NotificationFilter {
	q := r.URL.Query()
	caller := h.caller(r)
	filter := NotificationFilter{
		UserID:          &caller.UserID,
		Status:          Status(q.Get("status")),
		Category:        Category(q.Get("category")),
		Priority:        queryInt(r, "priority"),
		ChannelType:     ChannelType(q.Get("channel_type")),
		Search:          q.Get("search"),
		UnreadOnly:      q.Get("unread_only") == "true",
		IncludeArchived: q.Get("include_archived") == "true",
		Limit:           queryInt(r, "limit"),
		Offset:          queryInt(r, "offset"),
	}

	// staff may look at another user's inbox or at a whole batch
	if caller.Staff {
		if userID := queryInt64(r, "user_id"); userID != 0 {
			filter.UserID = &userID
		}
		if batchID := queryInt64(r, "batch_id"); batchID != 0 {
			filter.BatchID = &batchID
			if q.Get("user_id") == "" {
				filter.UserID = nil
			}
		}
	}
	return filter
}

// ListNotifications retrieves notifications for the authenticated user
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	response, err := h.service.ListNotifications(r.Context(), h.notificationFilter(r))
	if err != nil {
		h.respondError(w, r, err, "Failed to get notifications")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, response)
}

// UnreadNotifications lists the caller's unread inbox
func (h *Handler) UnreadNotifications(w http.ResponseWriter, r *http.Request) {
	filter := h.notificationFilter(r)
	filter.UnreadOnly = true

	response, err := h.service.ListNotifications(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err, "Failed to get notifications")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, response)
}

// SendNotification renders a template for one user (staff)
func (h *Handler) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendNotificationRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	n, err := h.service.SendNotification(r.Context(), &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to send notification")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, n)
}

// GetNotification retrieves a specific notification
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}

	n, err := h.service.GetNotification(r.Context(), id, h.caller(r))
	if err != nil {
		h.respondError(w, r, err, "Failed to get notification")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, n)
}

// inboxAction wraps the owner-only read/archive toggles
func (h *Handler) inboxAction(action func(*http.Request, int64, int64) error, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid notification ID")
			return
		}

		if err := action(r, id, h.caller(r).UserID); err != nil {
			h.respondError(w, r, err, "Failed to update notification")
			return
		}
		utils.RespondWithMessage(w, http.StatusOK, message)
	}
}

func (h *Handler) MarkRead() http.HandlerFunc {
	return h.inboxAction(func(r *http.Request, id, userID int64) error {
		return h.service.MarkRead(r.Context(), id, userID)
	}, "Notification marked as read")
}

func (h *Handler) MarkUnread() http.HandlerFunc {
	return h.inboxAction(func(r *http.Request, id, userID int64) error {
		return h.service.MarkUnread(r.Context(), id, userID)
	}, "Notification marked as unread")
}

func (h *Handler) Archive() http.HandlerFunc {
	return h.inboxAction(func(r *http.Request, id, userID int64) error {
		return h.service.Archive(r.Context(), id, userID)
	}, "Notification archived")
}

func (h *Handler) Unarchive() http.HandlerFunc {
	return h.inboxAction(func(r *http.Request, id, userID int64) error {
		return h.service.Unarchive(r.Context(), id, userID)
	}, "Notification unarchived")
}

// MarkAllRead marks all notifications as read for the user
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	updated, err := h.service.MarkAllRead(r.Context(), h.caller(r).UserID)
	if err != nil {
		h.respondError(w, r, err, "Failed to mark all as read")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"message": "All notifications marked as read",
		"updated": updated,
	})
}

func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}

	n, err := h.service.CancelNotification(r.Context(), id, h.caller(r))
	if err != nil {
		h.respondError(w, r, err, "Failed to cancel notification")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, n)
}

func (h *Handler) ResendNotification(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}

	n, err := h.service.ResendNotification(r.Context(), id, h.caller(r))
	if err != nil {
		h.respondError(w, r, err, "Failed to resend notification")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, n)
}

// RecordEvent receives provider and engagement callbacks
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}
	var req EventRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	n, err := h.service.RecordEvent(r.Context(), id, h.caller(r), &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to record event")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, n)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStats(r.Context(), h.caller(r).UserID, queryInt(r, "days"))
	if err != nil {
		h.respondError(w, r, err, "Failed to get stats")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, stats)
}

// NotificationLogs lists the delivery log of one notification (staff)
func (h *Handler) NotificationLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}

	logs, err := h.service.ListDeliveryLogs(r.Context(), LogFilter{NotificationID: id, Limit: queryInt(r, "limit")})
	if err != nil {
		h.respondError(w, r, err, "Failed to get delivery logs")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, logs)
}

// Batches

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.service.ListBatches(r.Context(), BatchFilter{
		Status:     BatchStatus(r.URL.Query().Get("status")),
		TemplateID: queryInt64(r, "template_id"),
		ScheduleID: queryInt64(r, "schedule_id"),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	})
	if err != nil {
		h.respondError(w, r, err, "Failed to list batches")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, batches)
}

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	b, err := h.service.CreateBatch(r.Context(), &req, h.caller(r).UserID)
	if err != nil {
		h.respondError(w, r, err, "Failed to create batch")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, b)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid batch ID")
		return
	}

	b, err := h.service.GetBatch(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to get batch")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, b)
}

func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid batch ID")
		return
	}

	b, err := h.service.StartBatch(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to start batch")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, b)
}

func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid batch ID")
		return
	}

	b, err := h.service.CancelBatch(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to cancel batch")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, b)
}

func (h *Handler) BatchStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid batch ID")
		return
	}

	stats, err := h.service.GetBatchStats(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to get batch stats")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, stats)
}

// Schedules

func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.service.ListSchedules(r.Context(), ScheduleFilter{
		Frequency: ScheduleFrequency(r.URL.Query().Get("frequency")),
		IsActive:  queryBool(r, "is_active"),
	})
	if err != nil {
		h.respondError(w, r, err, "Failed to list schedules")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, schedules)
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	sc, err := h.service.CreateSchedule(r.Context(), &req, h.caller(r).UserID)
	if err != nil {
		h.respondError(w, r, err, "Failed to create schedule")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, sc)
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid schedule ID")
		return
	}

	sc, err := h.service.GetSchedule(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to get schedule")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, sc)
}

func (h *Handler) setScheduleActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid schedule ID")
			return
		}

		sc, err := h.service.SetScheduleActive(r.Context(), id, active)
		if err != nil {
			h.respondError(w, r, err, "Failed to update schedule")
			return
		}
		utils.RespondWithJSON(w, http.StatusOK, sc)
	}
}

func (h *Handler) RunScheduleNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid schedule ID")
		return
	}

	b, err := h.service.RunScheduleNow(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err, "Failed to run schedule")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, b)
}

func (h *Handler) DueSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.service.DueSchedules(r.Context())
	if err != nil {
		h.respondError(w, r, err, "Failed to list due schedules")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, schedules)
}

// Preferences

func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := h.service.GetPreferences(r.Context(), h.caller(r).UserID)
	if err != nil {
		h.respondError(w, r, err, "Failed to get preferences")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, prefs)
}

func (h *Handler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	var req UpdatePreferenceRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	pref, err := h.service.UpdatePreference(r.Context(), h.caller(r).UserID, &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to update preferences")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, pref)
}

func (h *Handler) BulkUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req BulkPreferenceRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	prefs, err := h.service.BulkUpdatePreferences(r.Context(), h.caller(r).UserID, &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to update preferences")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, prefs)
}

// Delivery logs

func (h *Handler) ListDeliveryLogs(w http.ResponseWriter, r *http.Request) {
	filter := LogFilter{
		NotificationID: queryInt64(r, "notification_id"),
		ChannelID:      queryInt64(r, "channel_id"),
		Limit:          queryInt(r, "limit"),
		Offset:         queryInt(r, "offset"),
	}
	for _, level := range r.URL.Query()["level"] {
		for _, l := range strings.Split(level, ",") {
			if l = strings.TrimSpace(l); l != "" {
				filter.Levels = append(filter.Levels, LogLevel(l))
			}
		}
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			utils.RespondWithFieldError(w, "since", "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}

	logs, err := h.service.ListDeliveryLogs(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err, "Failed to list delivery logs")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, logs)
}

func (h *Handler) ErrorRate(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours")
	if hours <= 0 {
		hours = 24
	}

	rate, err := h.service.ErrorRate(r.Context(), time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		h.respondError(w, r, err, "Failed to compute error rate")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, rate)
}

// Push tokens

// RegisterPushToken registers a device push token
func (h *Handler) RegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req RegisterPushTokenRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, r, err, "Invalid request payload")
		return
	}

	token, err := h.service.RegisterPushToken(r.Context(), h.caller(r).UserID, &req)
	if err != nil {
		h.respondError(w, r, err, "Failed to register push token")
		return
	}
	utils.RespondWithJSON(w, http.StatusCreated, token)
}

// UnregisterPushToken removes a device push token
func (h *Handler) UnregisterPushToken(w http.ResponseWriter, r *http.Request) {
	if err := h.service.UnregisterPushToken(r.Context(), h.caller(r).UserID, r.URL.Query().Get("token")); err != nil {
		h.respondError(w, r, err, "Failed to unregister push token")
		return
	}
	utils.RespondWithMessage(w, http.StatusOK, "Push token removed")
}

// Live stream

// ServeWS attaches the caller to the in-app hub
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := h.caller(r).UserID
	if err := h.hub.ServeWS(w, r, userID); err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
