package devapi

import (
	"context"
	"sync"
	"time"

	"crm-callsync/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// ClaimPending is the value held by a claim whose request is still running.
const ClaimPending = "pending"

// ClaimDone is the value held by a claim whose request has finished.
const ClaimDone = "done"

// Deduper guards request replays with expiring claims.
//
// Claim stores value under key for ttl unless the key exists, returning the
// value held and whether this call claimed it. Update replaces the value of
// a live claim and resets its ttl. Release drops the claim if it still
// holds value.
type Deduper interface {
	Claim(ctx context.Context, key, value string, ttl time.Duration) (held string, claimed bool, err error)
	Update(ctx context.Context, key, value string, ttl time.Duration) error
	Release(ctx context.Context, key, value string) error
}

const (
	// PendingClaimTTL bounds how long a crashed request blocks its replays.
	PendingClaimTTL = time.Minute
	// DoneClaimTTL bounds how long a finished request is remembered.
	DoneClaimTTL = 24 * time.Hour
)

// RedisDeduper keeps claims in Redis so several backend replicas share them.
type RedisDeduper struct {
	rdb *redis.Client
}

func NewRedisDeduper(rdb *redis.Client) *RedisDeduper {
	return &RedisDeduper{rdb: rdb}
}

func (d *RedisDeduper) Claim(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	return utils.ClaimKey(ctx, d.rdb, key, value, ttl)
}

func (d *RedisDeduper) Update(ctx context.Context, key, value string, ttl time.Duration) error {
	return utils.UpdateClaim(ctx, d.rdb, key, value, ttl)
}

func (d *RedisDeduper) Release(ctx context.Context, key, value string) error {
	return utils.ReleaseKey(ctx, d.rdb, key, value)
}

// memorySweepInterval spaces out the scans that drop expired claims.
const memorySweepInterval = time.Minute

// MemoryDeduper is the single-process Deduper. Expired claims are dropped
// by Claim at most once per memorySweepInterval.
type MemoryDeduper struct {
	mu        sync.Mutex
	clock     func() time.Time
	claims    map[string]memoryClaim
	lastSweep time.Time
}

type memoryClaim struct {
	value     string
	expiresAt time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{clock: time.Now, claims: map[string]memoryClaim{}}
}

func (d *MemoryDeduper) Claim(_ context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	if now.Sub(d.lastSweep) >= memorySweepInterval {
		d.sweep(now)
	}
	if c, ok := d.claims[key]; ok && now.Before(c.expiresAt) {
		return c.value, false, nil
	}
	d.claims[key] = memoryClaim{value: value, expiresAt: now.Add(ttl)}
	return value, true, nil
}

func (d *MemoryDeduper) sweep(now time.Time) {
	for k, c := range d.claims {
		if !now.Before(c.expiresAt) {
			delete(d.claims, k)
		}
	}
	d.lastSweep = now
}

// Len reports how many claims are held, expired ones included until the
// next sweep.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claims)
}

func (d *MemoryDeduper) Update(_ context.Context, key, value string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock()
	c, ok := d.claims[key]
	if !ok || !now.Before(c.expiresAt) {
		return nil
	}
	c.value = value
	if ttl > 0 {
		c.expiresAt = now.Add(ttl)
	}
	d.claims[key] = c
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.claims[key]; ok && c.value == value {
		delete(d.claims, key)
	}
	return nil
}
