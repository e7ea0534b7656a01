package rbac

import (
	"net/http"

	"crm-callsync/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireDevice enforces that the caller's token is bound to an agent and a
// device. Call logs and recordings are attributed to that pair.
func RequireDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := auth.AgentID(c.Request.Context())
		if err != nil || agent == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "agent_id required")
			return
		}
		device, err := auth.DeviceID(c.Request.Context())
		if err != nil || device == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "device_id required")
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Supervisors pass every check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			abort(c, http.StatusUnauthorized, "unauthorized", "role required")
			return
		}
		if IsSupervisor(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			abort(c, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}
