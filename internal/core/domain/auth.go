package domain

import (
	"time"
)

// Role scopes what an operator API key may do on the admin surface.
type Role string

const (
	RoleAdmin  Role = "admin"  // Manage credentials, trigger jobs
	RoleViewer Role = "viewer" // Read stats and the sync ledger
)

// APIKey authenticates operators against the admin API. Unrelated to the
// upstream Credential secrets managed by the pool.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`          // SHA-256 of the raw key
	KeyPrefix string     `json:"key_prefix"` // First 8 chars for identification
	Role      Role       `json:"role"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
