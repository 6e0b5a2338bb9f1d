package auth

import (
	"slices"
	"time"
)

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	Subject   string
	Email     string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	// Commands lists the task commands this principal may produce or consume.
	Commands []string
	Raw      map[string]interface{}
}

// HasScope checks if the claims contain a specific scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Scopes, scope)
}

// AllowsCommand checks if the claims authorize the given task command.
// An empty command list authorizes nothing.
func (c *Claims) AllowsCommand(command string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Commands, command)
}

// AllowedOf filters requested down to the commands the claims authorize,
// preserving order. Disallowed entries are dropped, not rejected.
func (c *Claims) AllowedOf(requested []string) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, cmd := range requested {
		if slices.Contains(c.Commands, cmd) {
			out = append(out, cmd)
		}
	}
	return out
}

// Scope names accepted by the HTTP surface.
const (
	ScopeEnqueue   = "codeq:enqueue"
	ScopeClaim     = "codeq:claim"
	ScopeHeartbeat = "codeq:heartbeat"
	ScopeAbandon   = "codeq:abandon"
	ScopeNack      = "codeq:nack"
	ScopeResult    = "codeq:result"
	ScopeRead      = "codeq:read"
	ScopeSubscribe = "codeq:subscribe"
	ScopeAdmin     = "codeq:admin"
)
