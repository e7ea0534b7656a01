package httpapi

import (
	"crm-callsync/internal/auth"
	"crm-callsync/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register wires HTTP routes to handlers.
// Keep this file free of business logic.
func Register(r *gin.Engine, h Handlers) {
	// public
	r.GET("/healthz", h.Healthz)
	r.POST("/api/auth/login", h.Login)
	r.POST("/api/auth/refresh", h.Refresh)

	// Upload URLs are pre-authorized by their storage key.
	r.PUT("/uploads/:key", h.Upload)
	r.GET("/files/:key", h.File)

	// protected API group
	v := r.Group("/api")
	v.Use(auth.RequireAccessToken(h.Auth), rbac.RequireDevice())
	{
		agents := v.Group("")
		agents.Use(rbac.RequireAnyRole(rbac.RoleAgent))

		agents.POST("/recordings/init", h.InitRecording)
		agents.GET("/recordings/:id", h.GetRecording)
		agents.POST("/recordings/:id/complete", h.CompleteRecording)

		agents.POST("/call-logs", h.SyncCallLog)
		agents.GET("/call-logs", h.ListCallLogs)

		agents.GET("/leads", h.SearchLeads)
		agents.GET("/leads/:id", h.GetLead)
		agents.GET("/leads/:id/activity", h.Activity)

		mutations := agents.Group("/leads/:id")
		mutations.Use(Idempotency(h.Dedup))
		mutations.POST("/notes", h.AddNote)
		mutations.POST("/status", h.UpdateStatus)
		mutations.POST("/followups", h.AddFollowup)

		// ADMIN routes
		admin := v.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		admin.POST("/leads", h.CreateLead)
	}
}
