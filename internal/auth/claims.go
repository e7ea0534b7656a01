package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the backend.
// Every token is bound to one agent on one device.
type Claims struct {
	jwt.RegisteredClaims

	AgentID   string    `json:"agent_id"`
	DeviceID  string    `json:"device_id"`
	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"token_type"`
}
