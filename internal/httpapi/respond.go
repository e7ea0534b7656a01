package httpapi

import (
	"errors"
	"net/http"

	"crm-callsync/internal/devapi"
	"crm-callsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func abortWith(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": msg}})
}

// fail maps service errors onto the error envelope.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, devapi.ErrInvalidArgument):
		abortWith(c, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, devapi.ErrNotFound):
		abortWith(c, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, devapi.ErrInFlight):
		abortWith(c, http.StatusConflict, "in_flight", "request in flight")
	case errors.Is(err, devapi.ErrInvalidState):
		abortWith(c, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, devapi.ErrUnauthorized):
		abortWith(c, http.StatusUnauthorized, "unauthorized", "invalid credentials")
	default:
		_ = c.Error(err)
		logger.FromGin(c).Error("request failed", "error", err)
		abortWith(c, http.StatusInternalServerError, "internal", "internal error")
	}
}
