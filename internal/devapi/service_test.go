package devapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/audit"
	"crm-callsync/internal/calls"
	"crm-callsync/internal/rbac"
)

var (
	alice = Actor{AgentID: "alice", DeviceID: "phone-1"}
	bob   = Actor{AgentID: "bob", DeviceID: "phone-2"}
)

type fixture struct {
	svc   *Service
	store *MemoryStore
	dedup *MemoryDeduper
	audit *audit.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := NewMemoryStore()
	dedup := NewMemoryDeduper()
	au := audit.NewService(audit.NewMemoryRepo(), nil)
	svc, err := NewService(Options{
		Store:          store,
		Blobs:          NewMemoryBlobs(),
		Dedup:          dedup,
		Audit:          au,
		PublicURL:      "http://backend.test/",
		MaxUploadBytes: 64,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return now }
	return fixture{svc: svc, store: store, dedup: dedup, audit: au}
}

func callLog(deviceCallID string) api.CallLogRequest {
	return api.CallLogRequest{
		PhoneNumber:     "+1 (555) 123-4567",
		CallType:        "incoming",
		DeviceCallID:    deviceCallID,
		StartedAt:       "2024-03-01T09:00:00Z",
		DurationSeconds: 42,
		ConsentSource:   "device_call_log",
	}
}

func TestSyncCallLog_DuplicatePerAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.SyncCallLog(ctx, alice, callLog("c-1"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Status != api.CallLogCreated || first.ID == 0 {
		t.Fatalf("expected created, got %+v", first)
	}

	again, err := f.svc.SyncCallLog(ctx, alice, callLog("c-1"))
	if err != nil {
		t.Fatalf("again: %v", err)
	}
	if !again.Duplicate() || again.ID != first.ID {
		t.Fatalf("expected duplicate of %d, got %+v", first.ID, again)
	}

	other, err := f.svc.SyncCallLog(ctx, bob, callLog("c-1"))
	if err != nil {
		t.Fatalf("other agent: %v", err)
	}
	if other.Status != api.CallLogCreated {
		t.Fatalf("same device id under another agent must be created, got %+v", other)
	}

	logs, _ := f.svc.ListCallLogs(ctx, alice, 0)
	if len(logs) != 1 || logs[0].PhoneNumber != "+15551234567" || logs[0].CallType != calls.CallTypeIncoming {
		t.Fatalf("unexpected stored logs: %+v", logs)
	}
}

func TestSyncCallLog_DuplicateDetectedByStoreWithoutDedup(t *testing.T) {
	f := newFixture(t)
	f.svc.dedup = nil
	ctx := context.Background()

	if _, err := f.svc.SyncCallLog(ctx, alice, callLog("c-1")); err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := f.svc.SyncCallLog(ctx, alice, callLog("c-1"))
	if err != nil || !again.Duplicate() {
		t.Fatalf("expected duplicate, got %+v err=%v", again, err)
	}
}

func TestSyncCallLog_BlankDeviceIDIsSynthesized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.SyncCallLog(ctx, alice, callLog("")); err != nil {
		t.Fatalf("first: %v", err)
	}
	again, err := f.svc.SyncCallLog(ctx, alice, callLog("  "))
	if err != nil || !again.Duplicate() {
		t.Fatalf("expected duplicate, got %+v err=%v", again, err)
	}
	logs, _ := f.store.ListCallLogs(ctx, alice.AgentID, 0)
	if len(logs) != 1 || !strings.HasPrefix(logs[0].DeviceCallID, "synthetic:+15551234567:") {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestSyncCallLog_InFlightClaimRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.dedup.Claim(ctx, callLogClaimKey(alice.AgentID, "c-1"), ClaimPending, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.svc.SyncCallLog(ctx, alice, callLog("c-1")); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

type failingStore struct {
	*MemoryStore
	fails int
}

func (s *failingStore) InsertCallLog(ctx context.Context, rec calls.Record) (calls.Record, bool, error) {
	if s.fails > 0 {
		s.fails--
		return calls.Record{}, false, errors.New("db down")
	}
	return s.MemoryStore.InsertCallLog(ctx, rec)
}

func TestSyncCallLog_StoreFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.svc.store = &failingStore{MemoryStore: f.store, fails: 1}
	ctx := context.Background()

	if _, err := f.svc.SyncCallLog(ctx, alice, callLog("c-1")); err == nil {
		t.Fatalf("expected store error")
	}
	out, err := f.svc.SyncCallLog(ctx, alice, callLog("c-1"))
	if err != nil || out.Status != api.CallLogCreated {
		t.Fatalf("retry must be created, got %+v err=%v", out, err)
	}
}

func TestSyncCallLog_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := callLog("c-1")
	bad.PhoneNumber = "unknown"
	if _, err := f.svc.SyncCallLog(ctx, alice, bad); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid phone, got %v", err)
	}
	bad = callLog("c-1")
	bad.StartedAt = "yesterday"
	if _, err := f.svc.SyncCallLog(ctx, alice, bad); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid started_at, got %v", err)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.InitRecording(ctx, alice, api.InitRecordingRequest{
		ContentType:    "audio/mp4",
		ConsentGranted: true,
		RecordedAt:     "2024-03-01T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if created.UploadURL != "http://backend.test/uploads/"+created.StorageKey {
		t.Fatalf("unexpected upload url %q", created.UploadURL)
	}

	complete := api.CompleteRecordingRequest{Status: api.RecordingStatusUploaded, DurationSeconds: 42}
	if _, err := f.svc.CompleteRecording(ctx, alice, created.ID, complete); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete before upload must fail, got %v", err)
	}

	up, err := f.svc.StoreUpload(ctx, created.StorageKey, strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if up.FileSizeBytes != 5 || up.FileURL != "http://backend.test/files/"+created.StorageKey {
		t.Fatalf("unexpected upload result %+v", up)
	}

	if _, err := f.svc.CompleteRecording(ctx, bob, created.ID, complete); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other agent must not see the recording, got %v", err)
	}
	rec, err := f.svc.CompleteRecording(ctx, alice, created.ID, complete)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Status != RecordingUploaded || rec.DurationSeconds != 42 || rec.CompletedAt == nil {
		t.Fatalf("unexpected recording %+v", rec)
	}
	again, err := f.svc.CompleteRecording(ctx, alice, created.ID, complete)
	if err != nil || !again.CompletedAt.Equal(*rec.CompletedAt) {
		t.Fatalf("second complete must be a no-op, got %+v err=%v", again, err)
	}
	if _, err := f.svc.StoreUpload(ctx, created.StorageKey, strings.NewReader("more")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("upload after completion must fail, got %v", err)
	}

	rc, _, err := f.svc.OpenFile(ctx, created.StorageKey)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "audio" {
		t.Fatalf("unexpected audio %q", b)
	}

	events, _ := f.audit.List(ctx, audit.Filter{AgentID: alice.AgentID})
	if len(events) != 1 || events[0].Type != audit.EventRecordingCompleted {
		t.Fatalf("expected one completion event, got %+v", events)
	}
}

func TestStoreUpload_RejectsOversizeAndEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.InitRecording(ctx, alice, api.InitRecordingRequest{ContentType: "audio/mp4"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := f.svc.StoreUpload(ctx, created.StorageKey, strings.NewReader(strings.Repeat("x", 65))); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected too large, got %v", err)
	}
	if _, err := f.svc.StoreUpload(ctx, created.StorageKey, strings.NewReader("")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected empty, got %v", err)
	}
	if _, err := f.svc.StoreUpload(ctx, "missing", strings.NewReader("x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInitRecording_UnknownLead(t *testing.T) {
	f := newFixture(t)
	id := int64(99)
	_, err := f.svc.InitRecording(context.Background(), alice, api.InitRecordingRequest{ContentType: "audio/mp4", LeadID: &id})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSearchLeads_PhoneSuffixOrName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.ApplyLeads(ctx, []SeedLead{
		{Name: "Jane Roe", Phone: "+1 555 123 4567"},
		{Name: "John Doe", Phone: "555-987-6543", Status: "contacted"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := f.svc.SearchLeads(ctx, "001-555-123-4567", 0)
	if err != nil || len(got) != 1 || got[0].Name != "Jane Roe" {
		t.Fatalf("phone search: %+v err=%v", got, err)
	}
	got, _ = f.svc.SearchLeads(ctx, "doe", 0)
	if len(got) != 1 || got[0].Status != "contacted" {
		t.Fatalf("name search: %+v", got)
	}
	got, _ = f.svc.SearchLeads(ctx, "   ", 0)
	if got == nil || len(got) != 0 {
		t.Fatalf("blank search must return an empty list, got %#v", got)
	}
}

func TestLeadMutations_RecordActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	lead, err := f.svc.CreateLead(ctx, "Jane Roe", "5551234567", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if lead.Status != DefaultLeadStatus {
		t.Fatalf("expected default status, got %q", lead.Status)
	}

	if _, err := f.svc.AddNote(ctx, alice, lead.ID, "called back"); err != nil {
		t.Fatalf("note: %v", err)
	}
	updated, err := f.svc.UpdateStatus(ctx, alice, lead.ID, "qualified")
	if err != nil || updated.Status != "qualified" {
		t.Fatalf("status: %+v err=%v", updated, err)
	}
	if _, err := f.svc.AddFollowup(ctx, alice, lead.ID, "2024-03-02T09:00:00Z", "demo"); err != nil {
		t.Fatalf("followup: %v", err)
	}
	if _, err := f.svc.AddFollowup(ctx, alice, lead.ID, "tomorrow", ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid due_at, got %v", err)
	}
	if _, err := f.svc.AddNote(ctx, alice, 404, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	detail, err := f.svc.GetLead(ctx, lead.ID)
	if err != nil || len(detail.Notes) != 1 || len(detail.Followups) != 1 {
		t.Fatalf("detail: %+v err=%v", detail, err)
	}

	events, err := f.svc.Activity(ctx, lead.ID, 0)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for _, e := range events {
		if e.AgentID != alice.AgentID || e.DeviceID != alice.DeviceID {
			t.Fatalf("event not attributed: %+v", e)
		}
	}
}

func TestMemoryDeduper_ExpiresClaims(t *testing.T) {
	d := NewMemoryDeduper()
	now := time.Unix(1700000000, 0)
	d.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, ok, _ := d.Claim(ctx, "k", ClaimPending, time.Minute); !ok {
		t.Fatalf("expected first claim")
	}
	if held, ok, _ := d.Claim(ctx, "k", ClaimPending, time.Minute); ok || held != ClaimPending {
		t.Fatalf("expected held pending claim, got %q %v", held, ok)
	}
	_ = d.Update(ctx, "k", "7", time.Hour)
	now = now.Add(30 * time.Minute)
	if held, ok, _ := d.Claim(ctx, "k", ClaimPending, time.Minute); ok || held != "7" {
		t.Fatalf("update must extend the claim, got %q %v", held, ok)
	}
	_ = d.Release(ctx, "k", ClaimPending)
	if held, _, _ := d.Claim(ctx, "k", ClaimPending, time.Minute); held != "7" {
		t.Fatalf("release with a stale value must keep the claim")
	}
	now = now.Add(time.Hour)
	if _, ok, _ := d.Claim(ctx, "k", ClaimPending, time.Minute); !ok {
		t.Fatalf("expired claim must be reclaimable")
	}
}

func TestDirBlobs_PutOpen(t *testing.T) {
	b, err := NewDirBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("dir: %v", err)
	}
	ctx := context.Background()
	n, err := b.Put(ctx, "abc", strings.NewReader("audio"))
	if err != nil || n != 5 {
		t.Fatalf("put: n=%d err=%v", n, err)
	}
	rc, err := b.Open(ctx, "abc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "audio" {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := b.Open(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := b.Put(ctx, "../escape", strings.NewReader("x")); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestLoadSeedAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	body := `
agents:
  - id: alice
    api_key: k1
  - id: sam
    role: supervisor
    api_key: k2
leads:
  - name: Jane Roe
    phone: "+1 555 123 4567"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(seed.Leads) != 1 || seed.Agents[0].Role != rbac.RoleAgent {
		t.Fatalf("unexpected seed %+v", seed)
	}

	dir := NewDirectory(seed.Agents, "")
	if role, err := dir.Authenticate("sam", "k2"); err != nil || role != rbac.RoleSupervisor {
		t.Fatalf("sam: %q %v", role, err)
	}
	if _, err := dir.Authenticate("alice", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := dir.Role("mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unknown agent, got %v", err)
	}

	open := NewDirectory(nil, "shared")
	if _, err := open.Authenticate("anyone", "shared"); err != nil {
		t.Fatalf("shared key: %v", err)
	}
	if _, err := open.Authenticate("anyone", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestLoadSeed_UnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	_ = os.WriteFile(path, []byte("agents:\n  - id: x\n    role: owner\n"), 0o600)
	if _, err := LoadSeed(path); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestMemoryDeduper_ClaimDropsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDeduper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	d.clock = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		if _, ok, err := d.Claim(ctx, fmt.Sprintf("idem:a:%d", i), ClaimPending, time.Minute); err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, _, err := d.Claim(ctx, "calllog:long", ClaimDone, time.Hour); err != nil {
		t.Fatalf("claim long: %v", err)
	}
	if n := d.Len(); n != 51 {
		t.Fatalf("expected 51 claims, got %d", n)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, err := d.Claim(ctx, "idem:a:new", ClaimPending, time.Minute); err != nil || !ok {
		t.Fatalf("claim new: ok=%v err=%v", ok, err)
	}
	if n := d.Len(); n != 2 {
		t.Fatalf("expected expired claims dropped, %d left", n)
	}
	if _, ok, _ := d.Claim(ctx, "calllog:long", ClaimPending, time.Minute); ok {
		t.Fatalf("live claim must survive the sweep")
	}
}
