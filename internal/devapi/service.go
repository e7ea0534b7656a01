package devapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/audit"
	"crm-callsync/internal/calls"
	"crm-callsync/internal/phone"

	"github.com/google/uuid"
)

// Options wires a Service. Store and Blobs are required.
type Options struct {
	Store Store
	Blobs BlobStore
	// Dedup guards call log submissions; nil relies on the store alone.
	Dedup Deduper
	Audit *audit.Service
	// PublicURL prefixes upload and file URLs handed to clients.
	PublicURL      string
	MaxUploadBytes int64
	Log            *slog.Logger
}

// Service implements the backend operations behind the HTTP handlers.
type Service struct {
	store     Store
	blobs     BlobStore
	dedup     Deduper
	audit     *audit.Service
	publicURL string
	maxUpload int64
	log       *slog.Logger
	clock     func() time.Time
}

const defaultMaxUpload = 100 << 20

func NewService(opts Options) (*Service, error) {
	if opts.Store == nil || opts.Blobs == nil {
		return nil, errors.New("devapi: store and blobs are required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	return &Service{
		store:     opts.Store,
		blobs:     opts.Blobs,
		dedup:     opts.Dedup,
		audit:     opts.Audit,
		publicURL: strings.TrimRight(opts.PublicURL, "/"),
		maxUpload: opts.MaxUploadBytes,
		log:       opts.Log.With("component", "devapi"),
		clock:     time.Now,
	}, nil
}

func (s *Service) now() time.Time { return s.clock().UTC() }

func (s *Service) record(ctx context.Context, actor Actor, e audit.Event) {
	if s.audit == nil {
		return
	}
	e.AgentID = actor.AgentID
	e.DeviceID = actor.DeviceID
	e.IPAddress = actor.IP
	s.audit.Record(ctx, e)
}

func invalid(msg string) error { return fmt.Errorf("%w: %s", ErrInvalidArgument, msg) }

func parseTime(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, invalid(field + " must be RFC3339")
	}
	return t.UTC(), nil
}

func parseOptionalTime(field string, raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := parseTime(field, *raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

/* ===================== RECORDINGS ===================== */

// InitRecording registers a recording and returns where to PUT its audio.
func (s *Service) InitRecording(ctx context.Context, actor Actor, req api.InitRecordingRequest) (api.RecordingInit, error) {
	if strings.TrimSpace(req.ContentType) == "" {
		return api.RecordingInit{}, invalid("content_type required")
	}
	recordedAt := s.now()
	if strings.TrimSpace(req.RecordedAt) != "" {
		t, err := parseTime("recorded_at", req.RecordedAt)
		if err != nil {
			return api.RecordingInit{}, err
		}
		recordedAt = t
	}
	if req.LeadID != nil {
		if _, err := s.store.GetLead(ctx, *req.LeadID); err != nil {
			return api.RecordingInit{}, err
		}
	}

	rec, err := s.store.CreateRecording(ctx, Recording{
		AgentID:        actor.AgentID,
		DeviceID:       actor.DeviceID,
		LeadID:         req.LeadID,
		CallLogID:      req.CallLogID,
		ContentType:    req.ContentType,
		ConsentGranted: req.ConsentGranted,
		RecordedAt:     recordedAt,
		StorageKey:     uuid.NewString(),
		Status:         RecordingPending,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return api.RecordingInit{}, err
	}
	s.log.Info("recording registered", "recording_id", rec.ID, "agent_id", actor.AgentID)
	return api.RecordingInit{
		ID:         rec.ID,
		UploadURL:  s.publicURL + "/uploads/" + rec.StorageKey,
		StorageKey: rec.StorageKey,
	}, nil
}

// StoreUpload saves the audio for a registered recording. Re-uploading
// before completion replaces the stored audio.
func (s *Service) StoreUpload(ctx context.Context, storageKey string, body io.Reader) (api.UploadResult, error) {
	rec, err := s.store.GetRecordingByKey(ctx, storageKey)
	if err != nil {
		return api.UploadResult{}, err
	}
	if rec.Status == RecordingUploaded {
		return api.UploadResult{}, fmt.Errorf("%w: recording %d already completed", ErrInvalidState, rec.ID)
	}

	limited := &io.LimitedReader{R: body, N: s.maxUpload + 1}
	n, err := s.blobs.Put(ctx, storageKey, limited)
	if err != nil {
		return api.UploadResult{}, fmt.Errorf("devapi: store audio: %w", err)
	}
	if n > s.maxUpload {
		return api.UploadResult{}, invalid("upload too large")
	}
	if n == 0 {
		return api.UploadResult{}, invalid("empty upload")
	}

	rec.Status = RecordingStored
	rec.FileURL = s.publicURL + "/files/" + storageKey
	rec.FileSizeBytes = n
	if err := s.store.UpdateRecording(ctx, rec); err != nil {
		return api.UploadResult{}, err
	}
	return api.UploadResult{FileURL: rec.FileURL, FileSizeBytes: n}, nil
}

// CompleteRecording marks a stored recording uploaded. Completing an
// already uploaded recording is a no-op.
func (s *Service) CompleteRecording(ctx context.Context, actor Actor, id int64, req api.CompleteRecordingRequest) (Recording, error) {
	if req.Status != api.RecordingStatusUploaded {
		return Recording{}, invalid("status must be " + api.RecordingStatusUploaded)
	}
	if req.DurationSeconds < 0 {
		return Recording{}, invalid("duration_seconds must not be negative")
	}
	rec, err := s.GetRecording(ctx, actor, id)
	if err != nil {
		return Recording{}, err
	}
	switch rec.Status {
	case RecordingUploaded:
		return rec, nil
	case RecordingPending:
		return Recording{}, fmt.Errorf("%w: recording %d has no audio", ErrInvalidState, id)
	}

	completed := s.now()
	rec.Status = RecordingUploaded
	rec.DurationSeconds = req.DurationSeconds
	rec.CompletedAt = &completed
	if err := s.store.UpdateRecording(ctx, rec); err != nil {
		return Recording{}, err
	}

	s.record(ctx, actor, audit.Event{
		Type:        audit.EventRecordingCompleted,
		LeadID:      rec.LeadID,
		RecordingID: &rec.ID,
		Message:     fmt.Sprintf("recording uploaded (%ds)", rec.DurationSeconds),
	})
	return rec, nil
}

// GetRecording returns a recording owned by actor.
func (s *Service) GetRecording(ctx context.Context, actor Actor, id int64) (Recording, error) {
	rec, err := s.store.GetRecording(ctx, id)
	if err != nil {
		return Recording{}, err
	}
	if rec.AgentID != actor.AgentID {
		return Recording{}, ErrNotFound
	}
	return rec, nil
}

// OpenFile streams the audio of an uploaded or stored recording.
func (s *Service) OpenFile(ctx context.Context, storageKey string) (io.ReadCloser, Recording, error) {
	rec, err := s.store.GetRecordingByKey(ctx, storageKey)
	if err != nil {
		return nil, Recording{}, err
	}
	if rec.Status == RecordingPending {
		return nil, Recording{}, ErrNotFound
	}
	rc, err := s.blobs.Open(ctx, storageKey)
	if err != nil {
		return nil, Recording{}, err
	}
	return rc, rec, nil
}

/* ===================== CALL LOGS ===================== */

func callLogClaimKey(agentID, deviceCallID string) string {
	return "calllog:" + agentID + ":" + deviceCallID
}

// SyncCallLog stores a call log for actor unless it was already submitted.
func (s *Service) SyncCallLog(ctx context.Context, actor Actor, req api.CallLogRequest) (api.CallLogResponse, error) {
	if phone.IsBlank(req.PhoneNumber) {
		return api.CallLogResponse{}, invalid("phone_number required")
	}
	if req.DurationSeconds < 0 {
		return api.CallLogResponse{}, invalid("duration_seconds must not be negative")
	}
	started, err := parseTime("started_at", req.StartedAt)
	if err != nil {
		return api.CallLogResponse{}, err
	}
	ended, err := parseOptionalTime("ended_at", req.EndedAt)
	if err != nil {
		return api.CallLogResponse{}, err
	}
	consentAt, err := parseOptionalTime("consent_recorded_at", req.ConsentRecordedAt)
	if err != nil {
		return api.CallLogResponse{}, err
	}

	deviceCallID := strings.TrimSpace(req.DeviceCallID)
	if deviceCallID == "" {
		deviceCallID = "synthetic:" + phone.Normalize(req.PhoneNumber) + ":" + strconv.FormatInt(started.UnixMilli(), 10)
	}

	key := callLogClaimKey(actor.AgentID, deviceCallID)
	claimed := false
	if s.dedup != nil {
		held, ok, err := s.dedup.Claim(ctx, key, ClaimPending, PendingClaimTTL)
		switch {
		case err != nil:
			s.log.Warn("call log claim failed", "agent_id", actor.AgentID, "device_call_id", deviceCallID, "error", err)
		case !ok && held == ClaimPending:
			return api.CallLogResponse{}, ErrInFlight
		case !ok:
			id, _ := strconv.ParseInt(held, 10, 64)
			return api.CallLogResponse{Status: api.CallLogDuplicate, ID: id}, nil
		default:
			claimed = true
		}
	}

	stored, created, err := s.store.InsertCallLog(ctx, calls.Record{
		AgentID:           actor.AgentID,
		PhoneNumber:       phone.Normalize(req.PhoneNumber),
		CallType:          calls.ParseCallType(req.CallType),
		DeviceCallID:      deviceCallID,
		StartedAt:         started,
		EndedAt:           ended,
		DurationSeconds:   req.DurationSeconds,
		ConsentGranted:    req.ConsentGranted,
		ConsentRecordedAt: consentAt,
		ConsentSource:     req.ConsentSource,
		Metadata:          req.Metadata,
		CreatedAt:         s.now(),
	})
	if err != nil {
		if claimed {
			if rerr := s.dedup.Release(ctx, key, ClaimPending); rerr != nil {
				s.log.Warn("call log claim release failed", "device_call_id", deviceCallID, "error", rerr)
			}
		}
		return api.CallLogResponse{}, err
	}
	if claimed {
		if uerr := s.dedup.Update(ctx, key, strconv.FormatInt(stored.ID, 10), DoneClaimTTL); uerr != nil {
			s.log.Warn("call log claim update failed", "device_call_id", deviceCallID, "error", uerr)
		}
	}

	if !created {
		return api.CallLogResponse{Status: api.CallLogDuplicate, ID: stored.ID}, nil
	}
	s.record(ctx, actor, audit.Event{
		Type:      audit.EventCallLogged,
		CallLogID: &stored.ID,
		Message:   fmt.Sprintf("%s call %s (%ds)", stored.CallType, stored.PhoneNumber, stored.DurationSeconds),
	})
	return api.CallLogResponse{Status: api.CallLogCreated, ID: stored.ID}, nil
}

func (s *Service) ListCallLogs(ctx context.Context, actor Actor, limit int) ([]calls.Record, error) {
	return s.store.ListCallLogs(ctx, actor.AgentID, limit)
}

/* ===================== LEADS ===================== */

// minPhoneQueryDigits separates phone searches from name searches.
const minPhoneQueryDigits = 7

// SearchLeads matches query against the trailing digits of lead phones when
// it looks like a number, otherwise against lead names.
func (s *Service) SearchLeads(ctx context.Context, query string, limit int) ([]Lead, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Lead{}, nil
	}
	var digits, name string
	if len(phone.Digits(query)) >= minPhoneQueryDigits {
		digits = phone.Key(query)
	} else {
		name = query
	}
	leads, err := s.store.SearchLeads(ctx, digits, name, limit)
	if err != nil {
		return nil, err
	}
	if leads == nil {
		leads = []Lead{}
	}
	return leads, nil
}

func (s *Service) CreateLead(ctx context.Context, name, number, status string) (Lead, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Lead{}, invalid("name required")
	}
	if phone.IsBlank(number) {
		return Lead{}, invalid("phone required")
	}
	if strings.TrimSpace(status) == "" {
		status = DefaultLeadStatus
	}
	now := s.now()
	return s.store.CreateLead(ctx, Lead{
		Name:      name,
		Phone:     phone.Normalize(number),
		Status:    strings.TrimSpace(status),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) AddNote(ctx context.Context, actor Actor, leadID int64, body string) (Note, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Note{}, invalid("body required")
	}
	n, err := s.store.AddNote(ctx, Note{LeadID: leadID, AgentID: actor.AgentID, Body: body, CreatedAt: s.now()})
	if err != nil {
		return Note{}, err
	}
	s.record(ctx, actor, audit.Event{Type: audit.EventNoteAdded, LeadID: &leadID, Message: body})
	return n, nil
}

func (s *Service) UpdateStatus(ctx context.Context, actor Actor, leadID int64, status string) (Lead, error) {
	status = strings.TrimSpace(status)
	if status == "" {
		return Lead{}, invalid("status required")
	}
	before, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return Lead{}, err
	}
	after, err := s.store.SetLeadStatus(ctx, leadID, status, s.now())
	if err != nil {
		return Lead{}, err
	}
	meta, _ := json.Marshal(map[string]string{"from": before.Status, "to": after.Status})
	s.record(ctx, actor, audit.Event{
		Type:     audit.EventStatusChanged,
		LeadID:   &leadID,
		Message:  "status changed to " + status,
		Metadata: string(meta),
	})
	return after, nil
}

func (s *Service) AddFollowup(ctx context.Context, actor Actor, leadID int64, dueAt, note string) (Followup, error) {
	due, err := parseTime("due_at", dueAt)
	if err != nil {
		return Followup{}, err
	}
	f, err := s.store.AddFollowup(ctx, Followup{
		LeadID:    leadID,
		AgentID:   actor.AgentID,
		DueAt:     due,
		Note:      strings.TrimSpace(note),
		CreatedAt: s.now(),
	})
	if err != nil {
		return Followup{}, err
	}
	s.record(ctx, actor, audit.Event{
		Type:    audit.EventFollowupAdded,
		LeadID:  &leadID,
		Message: "followup due " + due.Format(time.RFC3339),
	})
	return f, nil
}

// LeadDetail is a lead with its notes and followups.
type LeadDetail struct {
	Lead      Lead       `json:"lead"`
	Notes     []Note     `json:"notes"`
	Followups []Followup `json:"followups"`
}

func (s *Service) GetLead(ctx context.Context, leadID int64) (LeadDetail, error) {
	l, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return LeadDetail{}, err
	}
	notes, err := s.store.ListNotes(ctx, leadID)
	if err != nil {
		return LeadDetail{}, err
	}
	followups, err := s.store.ListFollowups(ctx, leadID)
	if err != nil {
		return LeadDetail{}, err
	}
	return LeadDetail{Lead: l, Notes: notes, Followups: followups}, nil
}

// Activity lists the audit trail of a lead, newest first.
func (s *Service) Activity(ctx context.Context, leadID int64, limit int) ([]audit.Event, error) {
	if s.audit == nil {
		return []audit.Event{}, nil
	}
	if _, err := s.store.GetLead(ctx, leadID); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, audit.Filter{LeadID: &leadID, Limit: limit})
}
