// Package auth validates bearer tokens presented to the control server.
// Providers register themselves by type name.
package auth

import (
	"time"
)

const (
	// ScopeAbort allows stopping a run.
	ScopeAbort = "batchsup:abort"
	// ScopeStatus allows reading run status.
	ScopeStatus = "batchsup:status"
)

// Claims represents authentication token claims
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	Raw       map[string]any
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope || s == "batchsup:*" {
			return true
		}
	}
	return false
}

// Validator validates authentication tokens
type Validator interface {
	Validate(token string) (*Claims, error)
}
