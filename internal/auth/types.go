// Package auth guards the MCP HTTP endpoint with bearer tokens.
//
// Tokens carry a scope. Admin scopes reach every channel; channel scopes
// reach only channels whose id starts with the scope's prefix. Either kind
// can be made read-only with a ":ro" suffix, which limits the holder to the
// listing and history tools.
package auth

import (
	"fmt"
	"strings"
	"time"
)

// Token describes an issued API token. The secret itself is never stored.
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Scope constants
const (
	ScopeAdmin   = "admin"
	ScopeAdminRO = "admin:ro"
)

const channelScopePrefix = "channels:"

// ScopeChannels returns a scope limited to channel ids starting with prefix.
func ScopeChannels(prefix string) string {
	return channelScopePrefix + prefix
}

// ScopeChannelsRO returns the read-only form of ScopeChannels.
func ScopeChannelsRO(prefix string) string {
	return channelScopePrefix + prefix + ":ro"
}

// IsAdminScope returns true if scope is admin or admin:ro
func IsAdminScope(scope string) bool {
	return scope == ScopeAdmin || scope == ScopeAdminRO
}

// IsChannelScope returns true if scope is channels:<prefix> or channels:<prefix>:ro
func IsChannelScope(scope string) bool {
	return strings.HasPrefix(scope, channelScopePrefix) && ChannelPrefix(scope) != ""
}

// IsReadOnlyScope returns true if scope ends in :ro
func IsReadOnlyScope(scope string) bool {
	return strings.HasSuffix(scope, ":ro")
}

// ChannelPrefix extracts the channel id prefix of a channel scope, or "".
func ChannelPrefix(scope string) string {
	if !strings.HasPrefix(scope, channelScopePrefix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(scope, channelScopePrefix), ":ro")
}

// ValidateScope rejects scopes no token should be issued with.
func ValidateScope(scope string) error {
	if IsAdminScope(scope) || IsChannelScope(scope) {
		return nil
	}
	return fmt.Errorf("invalid scope %q: want admin, admin:ro, channels:<prefix> or channels:<prefix>:ro", scope)
}

// AuthContext holds authentication information for a request
type AuthContext struct {
	Token *Token
}

// CanAccessChannel checks if the token may act on channel id.
func (a *AuthContext) CanAccessChannel(id string) bool {
	if a == nil || a.Token == nil {
		return false
	}
	if IsAdminScope(a.Token.Scope) {
		return true
	}
	if prefix := ChannelPrefix(a.Token.Scope); prefix != "" {
		return strings.HasPrefix(id, prefix)
	}
	return false
}

// CanWrite checks if the token may launch, talk to or change channels.
func (a *AuthContext) CanWrite() bool {
	if a == nil || a.Token == nil {
		return false
	}
	return !IsReadOnlyScope(a.Token.Scope)
}

// IsAdmin checks for the full admin scope.
func (a *AuthContext) IsAdmin() bool {
	return a != nil && a.Token != nil && a.Token.Scope == ScopeAdmin
}

// ChannelPrefix returns the prefix launches must use, or "" for admins.
func (a *AuthContext) ChannelPrefix() string {
	if a == nil || a.Token == nil {
		return ""
	}
	return ChannelPrefix(a.Token.Scope)
}
