package main

import (
	"bytes"
	"testing"
	"time"
)

func TestRootCmd_RegistersCommands(t *testing.T) {
	root := NewRootCmd("test")
	for _, name := range []string{"run", "login", "logout", "consent", "sync-calls", "scan-folder", "drain-actions", "lead", "note", "status"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("expected %s command, got %v (%v)", name, cmd, err)
		}
	}
}

func TestConsentCmd_RejectsUnknownArg(t *testing.T) {
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"consent", "maybe"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for invalid consent argument")
	}
}

func TestParseLeadID(t *testing.T) {
	if id, err := parseLeadID(" 42 "); err != nil || id != 42 {
		t.Fatalf("expected 42, got %d (%v)", id, err)
	}
	for _, raw := range []string{"", "0", "-3", "abc"} {
		if _, err := parseLeadID(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseDue(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	got, err := parseDue("24h", now)
	if err != nil || !got.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected relative due: %v (%v)", got, err)
	}
	got, err = parseDue("2024-05-03T09:30:00Z", now)
	if err != nil || !got.Equal(time.Date(2024, 5, 3, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected absolute due: %v (%v)", got, err)
	}
	for _, raw := range []string{"tomorrow", "-1h", "0s"} {
		if _, err := parseDue(raw, now); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
