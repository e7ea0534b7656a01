package utils

import (
	"context"
	"testing"
	"time"
)

func TestClaimScriptsCompile(t *testing.T) {
	// Compile-time smoke test: scripts should be initialized.
	if claimScript == nil || releaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestClaimKey_ValidatesArguments(t *testing.T) {
	ctx := context.Background()
	if _, _, err := ClaimKey(ctx, nil, "k", "v", time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ReleaseKey(ctx, nil, "k", "v"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
