package httpapi

import (
	"context"
	"net/http"
	"strings"

	"crm-callsync/internal/api"
	"crm-callsync/internal/auth"
	"crm-callsync/internal/devapi"
	"crm-callsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

const claimDone = devapi.ClaimDone

// Idempotency replays lead mutations carrying an Idempotency-Key at most
// once per agent. A replay of a finished request answers 200 with status
// "duplicate"; a replay of a running one answers 409. Requests that fail
// release the key so the client may retry.
func Idempotency(d devapi.Deduper) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(api.HeaderIdempotencyKey))
		if d == nil || key == "" {
			c.Next()
			return
		}
		agentID, _ := auth.AgentID(c.Request.Context())
		claimKey := "idem:" + agentID + ":" + key
		log := logger.FromGin(c)

		held, claimed, err := d.Claim(c.Request.Context(), claimKey, devapi.ClaimPending, devapi.PendingClaimTTL)
		if err != nil {
			log.Warn("idempotency claim failed", "error", err)
			c.Next()
			return
		}
		if !claimed {
			if held == devapi.ClaimPending {
				abortWith(c, http.StatusConflict, "in_flight", "request in flight")
				return
			}
			respond(c, http.StatusOK, gin.H{"status": "duplicate"})
			c.Abort()
			return
		}

		c.Next()

		ctx := context.WithoutCancel(c.Request.Context())
		if c.Writer.Status() < http.StatusMultipleChoices {
			err = d.Update(ctx, claimKey, claimDone, devapi.DoneClaimTTL)
		} else {
			err = d.Release(ctx, claimKey, devapi.ClaimPending)
		}
		if err != nil {
			log.Warn("idempotency settle failed", "error", err)
		}
	}
}
