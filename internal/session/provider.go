// Package session is the credential provider for backend calls. Tokens are
// kept in the durable kv store so background workers can run after a restart.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crm-callsync/internal/api"
	"crm-callsync/internal/kvstore"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const Namespace = "session"

const (
	keyAccess    = "access_token"
	keyRefresh   = "refresh_token"
	keyExpiresAt = "expires_at"
	keyAgentID   = "agent_id"
	keyDeviceID  = "device_id"
)

// DefaultRefreshMargin is how long before expiry a token is proactively refreshed.
const DefaultRefreshMargin = 60 * time.Second

var ErrNoSession = errors.New("session: not logged in")

// Authenticator is the subset of the backend client used for tokens.
type Authenticator interface {
	Login(ctx context.Context, req api.LoginRequest) (*api.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*api.TokenPair, error)
}

type Provider struct {
	ns     *kvstore.Namespace
	auth   Authenticator
	log    *slog.Logger
	clock  func() time.Time
	margin time.Duration

	group singleflight.Group

	mu      sync.Mutex
	revoked string
}

func NewProvider(kv kvstore.Store, auth Authenticator, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		ns:     kvstore.NewNamespace(kv, Namespace),
		auth:   auth,
		log:    log.With("component", "session"),
		clock:  time.Now,
		margin: DefaultRefreshMargin,
	}
}

// Identity is who the stored session belongs to.
type Identity struct {
	AgentID  string
	DeviceID string
}

func (p *Provider) Login(ctx context.Context, agentID, deviceID, apiKey string) error {
	if agentID == "" || deviceID == "" {
		return fmt.Errorf("session: agent id and device id are required")
	}
	pair, err := p.auth.Login(ctx, api.LoginRequest{AgentID: agentID, DeviceID: deviceID, APIKey: apiKey})
	if err != nil {
		return fmt.Errorf("session: login: %w", err)
	}
	err = p.ns.Edit(ctx, func(values map[string]string) error {
		values[keyAgentID] = agentID
		values[keyDeviceID] = deviceID
		storePair(values, pair)
		return nil
	})
	if err != nil {
		return err
	}
	p.log.Info("logged in", "agent_id", agentID, "device_id", deviceID)
	return nil
}

func (p *Provider) Logout(ctx context.Context) error {
	return p.ns.Delete(ctx, keyAccess, keyRefresh, keyExpiresAt, keyAgentID, keyDeviceID)
}

// HasSession reports whether a token is stored. It performs no network I/O.
func (p *Provider) HasSession(ctx context.Context) bool {
	v, ok, err := p.ns.Get(ctx, keyAccess)
	return err == nil && ok && v != ""
}

func (p *Provider) Identity(ctx context.Context) (Identity, error) {
	values, err := p.ns.Snapshot(ctx)
	if err != nil {
		return Identity{}, err
	}
	if values[keyAccess] == "" {
		return Identity{}, ErrNoSession
	}
	return Identity{AgentID: values[keyAgentID], DeviceID: values[keyDeviceID]}, nil
}

// CurrentToken returns a usable access token, refreshing it when it is
// about to expire or was rejected by the server.
func (p *Provider) CurrentToken(ctx context.Context) (string, error) {
	values, err := p.ns.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	access := values[keyAccess]
	if access == "" {
		return "", ErrNoSession
	}
	if exp := expiry(access, values); !p.isRevoked(access) && (exp.IsZero() || p.clock().Add(p.margin).Before(exp)) {
		return access, nil
	}

	v, err, _ := p.group.Do("refresh", func() (any, error) {
		return p.refresh(ctx, access)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate marks token as rejected; the next CurrentToken refreshes.
func (p *Provider) Invalidate(token string) {
	p.mu.Lock()
	p.revoked = token
	p.mu.Unlock()
}

func (p *Provider) isRevoked(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return token != "" && token == p.revoked
}

func (p *Provider) refresh(ctx context.Context, stale string) (string, error) {
	values, err := p.ns.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	// Another caller already refreshed.
	if cur := values[keyAccess]; cur != "" && cur != stale && !p.isRevoked(cur) {
		return cur, nil
	}
	rt := values[keyRefresh]
	if rt == "" {
		return "", ErrNoSession
	}

	pair, err := p.auth.Refresh(ctx, rt)
	if err != nil {
		if api.IsUnauthorized(err) {
			p.log.Warn("refresh token rejected, clearing session")
			if clearErr := p.Logout(ctx); clearErr != nil {
				p.log.Error("clear session", "error", clearErr)
			}
			return "", ErrNoSession
		}
		// Transient failure: an unexpired token is still worth trying.
		if exp := expiry(stale, values); !p.isRevoked(stale) && (exp.IsZero() || p.clock().Before(exp)) {
			p.log.Warn("token refresh failed, using current token", "error", err)
			return stale, nil
		}
		return "", fmt.Errorf("session: refresh: %w", err)
	}

	if err := p.ns.Edit(ctx, func(values map[string]string) error {
		storePair(values, pair)
		return nil
	}); err != nil {
		return "", err
	}
	p.log.Debug("token refreshed")
	return pair.AccessToken, nil
}

func storePair(values map[string]string, pair *api.TokenPair) {
	values[keyAccess] = pair.AccessToken
	if pair.RefreshToken != "" {
		values[keyRefresh] = pair.RefreshToken
	}
	if !pair.ExpiresAt.IsZero() {
		kvstore.SetInt64(values, keyExpiresAt, pair.ExpiresAt.UnixMilli())
	} else {
		delete(values, keyExpiresAt)
	}
}

// expiry reads exp from the token without verifying it; opaque tokens fall
// back to the expiry reported at issue time. Zero means unknown.
func expiry(token string, values map[string]string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if ms := kvstore.Int64(values, keyExpiresAt, 0); ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
