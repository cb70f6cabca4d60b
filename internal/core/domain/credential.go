// Package domain contains the core entities of the intelsync credential pool
// and enrichment pipeline.
package domain

import (
	"time"
)

// HealthStatus is the pool's belief about whether a credential currently works.
type HealthStatus string

const (
	// HealthUnknown is the state after creation and after every daily reset.
	HealthUnknown HealthStatus = "unknown"
	// HealthOK means the last lease or probe succeeded.
	HealthOK HealthStatus = "ok"
	// HealthError means the credential failed more than MaxErrorCount times in a row.
	HealthError HealthStatus = "error"
	// HealthRateLimited means upstream answered 429; excluded until the next reset.
	HealthRateLimited HealthStatus = "rate_limited"
)

// MaxErrorCount is the consecutive failure count a credential may reach
// before it is marked HealthError. Exceeding it flips the status.
const MaxErrorCount = 5

// Credential is a leasable unit of access to the upstream threat intel API.
type Credential struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Secret          string       `json:"-"`
	IsActive        bool         `json:"is_active"`
	IsPrimary       bool         `json:"is_primary"`
	DailyLimit      int          `json:"daily_limit"`
	CurrentUsage    int          `json:"current_usage"`
	HealthStatus    HealthStatus `json:"health_status"`
	ErrorCount      int          `json:"error_count"`
	LastHealthCheck *time.Time   `json:"last_health_check,omitempty"`
	LastResetAt     *time.Time   `json:"last_reset_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Usable reports whether the credential may be selected for a lease, given
// the number of leases currently in flight against it.
func (c *Credential) Usable(inFlight int) bool {
	if !c.IsActive {
		return false
	}
	if c.HealthStatus == HealthError || c.HealthStatus == HealthRateLimited {
		return false
	}
	return c.CurrentUsage+inFlight < c.DailyLimit
}

// Exhausted reports whether the daily quota has been consumed.
func (c *Credential) Exhausted() bool {
	return c.CurrentUsage >= c.DailyLimit
}

// SecretPrefix returns the first characters of the secret for identification.
func (c *Credential) SecretPrefix() string {
	if len(c.Secret) <= 6 {
		return c.Secret
	}
	return c.Secret[:6]
}

// PoolStats is a read-only projection over the credential set.
type PoolStats struct {
	Total           int     `json:"total"`
	Active          int     `json:"active"`
	Available       int     `json:"available_count"`
	Exhausted       int     `json:"exhausted_count"`
	Unhealthy       int     `json:"unhealthy_count"`
	TotalLimit      int     `json:"total_limit"`
	TotalUsage      int     `json:"total_usage"`
	UsagePercentage float64 `json:"usage_percentage"`
}
