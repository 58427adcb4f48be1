// internal/notification/routes.go

package notification

import (
	"github.com/gorilla/mux"

	"github.com/imadgeboyega/studyhub-backend/internal/auth"
)

const idPath = "/{id:[0-9]+}"

func RegisterRoutes(router *mux.Router, handler *Handler, authMiddleware *auth.Middleware) {
	// Protected routes
	api := router.PathPrefix("/api/v1/notifications").Subrouter()
	api.StrictSlash(true)
	api.Use(authMiddleware.Authenticate)

	// Live in-app stream
	api.HandleFunc("/ws", handler.ServeWS).Methods("GET")

	// User inbox
	api.HandleFunc("/notifications/", handler.ListNotifications).Methods("GET")
	api.HandleFunc("/notifications/unread/", handler.UnreadNotifications).Methods("GET")
	api.HandleFunc("/notifications/stats/", handler.GetStats).Methods("GET")
	api.HandleFunc("/notifications/mark-all-read/", handler.MarkAllRead).Methods("POST")
	api.HandleFunc("/notifications"+idPath+"/", handler.GetNotification).Methods("GET")
	api.HandleFunc("/notifications"+idPath+"/mark-read/", handler.MarkRead()).Methods("POST")
	api.HandleFunc("/notifications"+idPath+"/mark-unread/", handler.MarkUnread()).Methods("POST")
	api.HandleFunc("/notifications"+idPath+"/archive/", handler.Archive()).Methods("POST")
	api.HandleFunc("/notifications"+idPath+"/unarchive/", handler.Unarchive()).Methods("POST")
	api.HandleFunc("/notifications"+idPath+"/cancel/", handler.CancelNotification).Methods("POST")
	api.HandleFunc("/notifications"+idPath+"/resend/", handler.ResendNotification).Methods("POST")
	api.HandleFunc("/notifications"+idPath+"/events/", handler.RecordEvent).Methods("POST")

	// Preferences
	api.HandleFunc("/preferences/", handler.GetPreferences).Methods("GET")
	api.HandleFunc("/preferences/", handler.UpdatePreference).Methods("PUT")
	api.HandleFunc("/preferences/bulk-update/", handler.BulkUpdatePreferences).Methods("POST")

	// Push tokens
	api.HandleFunc("/push-tokens/", handler.RegisterPushToken).Methods("POST")
	api.HandleFunc("/push-tokens/", handler.UnregisterPushToken).Methods("DELETE")

	// Staff routes
	staff := api.NewRoute().Subrouter()
	staff.StrictSlash(true)
	staff.Use(authMiddleware.RequireStaff)

	staff.HandleFunc("/notifications/", handler.SendNotification).Methods("POST")
	staff.HandleFunc("/notifications"+idPath+"/logs/", handler.NotificationLogs).Methods("GET")

	// Templates
	staff.HandleFunc("/templates/", handler.ListTemplates).Methods("GET")
	staff.HandleFunc("/templates/", handler.CreateTemplate).Methods("POST")
	staff.HandleFunc("/templates/by-category/", handler.TemplatesByCategory).Methods("GET")
	staff.HandleFunc("/templates/by-channel-type/", handler.TemplatesByChannelType).Methods("GET")
	staff.HandleFunc("/templates"+idPath+"/", handler.GetTemplate).Methods("GET")
	staff.HandleFunc("/templates"+idPath+"/", handler.UpdateTemplate).Methods("PUT")
	staff.HandleFunc("/templates"+idPath+"/test/", handler.TestTemplate).Methods("POST")
	staff.HandleFunc("/templates"+idPath+"/duplicate/", handler.DuplicateTemplate).Methods("POST")
	staff.HandleFunc("/templates"+idPath+"/activate/", handler.setTemplateActive(true)).Methods("POST")
	staff.HandleFunc("/templates"+idPath+"/deactivate/", handler.setTemplateActive(false)).Methods("POST")

	// Channels
	staff.HandleFunc("/channels/", handler.ListChannels).Methods("GET")
	staff.HandleFunc("/channels/", handler.CreateChannel).Methods("POST")
	staff.HandleFunc("/channels/defaults/", handler.DefaultChannels).Methods("GET")
	staff.HandleFunc("/channels/by-type/", handler.ChannelsByType).Methods("GET")
	staff.HandleFunc("/channels"+idPath+"/", handler.GetChannel).Methods("GET")
	staff.HandleFunc("/channels"+idPath+"/", handler.UpdateChannel).Methods("PUT")
	staff.HandleFunc("/channels"+idPath+"/set-default/", handler.SetDefaultChannel).Methods("POST")
	staff.HandleFunc("/channels"+idPath+"/test/", handler.TestChannel).Methods("POST")
	staff.HandleFunc("/channels"+idPath+"/activate/", handler.setChannelActive(true)).Methods("POST")
	staff.HandleFunc("/channels"+idPath+"/deactivate/", handler.setChannelActive(false)).Methods("POST")

	// Batches
	staff.HandleFunc("/batches/", handler.ListBatches).Methods("GET")
	staff.HandleFunc("/batches/", handler.CreateBatch).Methods("POST")
	staff.HandleFunc("/batches"+idPath+"/", handler.GetBatch).Methods("GET")
	staff.HandleFunc("/batches"+idPath+"/start/", handler.StartBatch).Methods("POST")
	staff.HandleFunc("/batches"+idPath+"/cancel/", handler.CancelBatch).Methods("POST")
	staff.HandleFunc("/batches"+idPath+"/stats/", handler.BatchStats).Methods("GET")

	// Schedules
	staff.HandleFunc("/schedules/", handler.ListSchedules).Methods("GET")
	staff.HandleFunc("/schedules/", handler.CreateSchedule).Methods("POST")
	staff.HandleFunc("/schedules/due/", handler.DueSchedules).Methods("GET")
	staff.HandleFunc("/schedules"+idPath+"/", handler.GetSchedule).Methods("GET")
	staff.HandleFunc("/schedules"+idPath+"/activate/", handler.setScheduleActive(true)).Methods("POST")
	staff.HandleFunc("/schedules"+idPath+"/deactivate/", handler.setScheduleActive(false)).Methods("POST")
	staff.HandleFunc("/schedules"+idPath+"/run-now/", handler.RunScheduleNow).Methods("POST")

	// Delivery logs
	staff.HandleFunc("/logs/", handler.ListDeliveryLogs).Methods("GET")
	staff.HandleFunc("/logs/error-rate/", handler.ErrorRate).Methods("GET")
}
