package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/auth"
	"crm-callsync/internal/devapi"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Directory *devapi.Directory
	Service   *devapi.Service
	// Dedup backs the Idempotency-Key middleware; nil disables it.
	Dedup devapi.Deduper
	// Health checks backing stores for /healthz; nil always reports ok.
	Health func(ctx context.Context) error
}

func actor(c *gin.Context) devapi.Actor {
	id, _ := auth.IdentityFrom(c.Request.Context())
	return devapi.Actor{AgentID: id.AgentID, DeviceID: id.DeviceID, IP: c.ClientIP()}
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		abortWith(c, http.StatusBadRequest, "invalid_argument", name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		abortWith(c, http.StatusBadRequest, "invalid_argument", "invalid json")
		return false
	}
	return true
}

func limitQuery(c *gin.Context) int {
	n, _ := strconv.Atoi(c.Query("limit"))
	return n
}

// Healthz reports 503 while a backing store is unreachable.
func (h Handlers) Healthz(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Auth ---

// Login issues a token pair bound to the agent and device.
func (h Handlers) Login(c *gin.Context) {
	var req api.LoginRequest
	if !bind(c, &req) {
		return
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.DeviceID) == "" {
		abortWith(c, http.StatusBadRequest, "invalid_argument", "agent_id and device_id required")
		return
	}
	role, err := h.Directory.Authenticate(req.AgentID, req.APIKey)
	if err != nil {
		fail(c, err)
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.AgentID, req.DeviceID, role)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, pair)
}

// Refresh exchanges a refresh token for a new pair. The role is re-read so
// directory changes apply on the next refresh.
func (h Handlers) Refresh(c *gin.Context) {
	var req api.RefreshRequest
	if !bind(c, &req) {
		return
	}
	now := time.Now()
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		abortWith(c, http.StatusUnauthorized, "unauthorized", "invalid refresh token")
		return
	}
	role, err := h.Directory.Role(claims.AgentID)
	if err != nil {
		fail(c, err)
		return
	}
	pair, err := h.Auth.IssuePair(now, claims.AgentID, claims.DeviceID, role)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, pair)
}

// --- Recordings ---

func (h Handlers) InitRecording(c *gin.Context) {
	var req api.InitRecordingRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.Service.InitRecording(c.Request.Context(), actor(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

// Upload receives raw audio at the URL handed out by InitRecording. The
// unguessable storage key authorizes the request.
func (h Handlers) Upload(c *gin.Context) {
	out, err := h.Service.StoreUpload(c.Request.Context(), c.Param("key"), c.Request.Body)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h Handlers) File(c *gin.Context) {
	rc, rec, err := h.Service.OpenFile(c.Request.Context(), c.Param("key"))
	if err != nil {
		fail(c, err)
		return
	}
	defer func() { _ = rc.Close() }()
	c.DataFromReader(http.StatusOK, rec.FileSizeBytes, rec.ContentType, rc, nil)
}

func (h Handlers) CompleteRecording(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req api.CompleteRecordingRequest
	if !bind(c, &req) {
		return
	}
	rec, err := h.Service.CompleteRecording(c.Request.Context(), actor(c), id, req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

func (h Handlers) GetRecording(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	rec, err := h.Service.GetRecording(c.Request.Context(), actor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rec)
}

// --- Call logs ---

func (h Handlers) SyncCallLog(c *gin.Context) {
	var req api.CallLogRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.Service.SyncCallLog(c.Request.Context(), actor(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if out.Duplicate() {
		status = http.StatusOK
	}
	respond(c, status, out)
}

func (h Handlers) ListCallLogs(c *gin.Context) {
	out, err := h.Service.ListCallLogs(c.Request.Context(), actor(c), limitQuery(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

// --- Leads ---

func (h Handlers) SearchLeads(c *gin.Context) {
	out, err := h.Service.SearchLeads(c.Request.Context(), c.Query("search"), limitQuery(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h Handlers) GetLead(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	out, err := h.Service.GetLead(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h Handlers) AddNote(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req api.NoteRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.Service.AddNote(c.Request.Context(), actor(c), id, req.Body)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

func (h Handlers) UpdateStatus(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req api.StatusRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.Service.UpdateStatus(c.Request.Context(), actor(c), id, req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

func (h Handlers) AddFollowup(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req api.FollowupRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.Service.AddFollowup(c.Request.Context(), actor(c), id, req.DueAt, req.Note)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}

func (h Handlers) Activity(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	out, err := h.Service.Activity(c.Request.Context(), id, limitQuery(c))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, out)
}

// --- Admin ---

type createLeadRequest struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Status string `json:"status,omitempty"`
}

// CreateLead is supervisor-only.
func (h Handlers) CreateLead(c *gin.Context) {
	var req createLeadRequest
	if !bind(c, &req) {
		return
	}
	out, err := h.Service.CreateLead(c.Request.Context(), req.Name, req.Phone, req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, out)
}
