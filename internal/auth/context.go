package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoIdentity is returned when a request context carries no verified
// caller, or the caller lacks the requested field.
var ErrNoIdentity = errors.New("auth: no identity in context")

// Identity is the verified caller of a request: one agent on one device.
type Identity struct {
	AgentID  string
	DeviceID string
	Role     string
}

// IdentityOf extracts the caller bound to access token claims.
func IdentityOf(c Claims) Identity {
	return Identity{AgentID: c.AgentID, DeviceID: c.DeviceID, Role: c.Role}
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller attached by the bearer middleware. An
// identity without an agent is treated as absent.
func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	if !ok || id.AgentID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

func AgentID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", err
	}
	return id.AgentID, nil
}

func DeviceID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", err
	}
	if id.DeviceID == "" {
		return "", fmt.Errorf("%w: device_id", ErrNoIdentity)
	}
	return id.DeviceID, nil
}

func Role(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", err
	}
	if id.Role == "" {
		return "", fmt.Errorf("%w: role", ErrNoIdentity)
	}
	return id.Role, nil
}
