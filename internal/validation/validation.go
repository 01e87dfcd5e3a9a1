package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// MaxChannelIDLength bounds channel ids accepted from clients.
	MaxChannelIDLength = 128

	// MaxThinkingBudget bounds the thinking budget accepted from clients.
	MaxThinkingBudget = 128_000
)

var (
	// channelIDRegex matches ids made of letters, digits, dash, underscore, dot and colon
	channelIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

	// modelRegex matches provider model names such as claude-sonnet-4-5 or gpt-4o-mini
	modelRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:/@-]*$`)

	// safePathRegex matches safe path components (alphanumeric, dash, underscore, dot)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// permissionModes lists the modes a session accepts
var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"plan":              true,
	"bypassPermissions": true,
}

// ValidateChannelID checks a client-chosen channel id
func ValidateChannelID(id string) error {
	if id == "" {
		return fmt.Errorf("channel ID cannot be empty")
	}
	if len(id) > MaxChannelIDLength {
		return fmt.Errorf("channel ID too long: %d > %d", len(id), MaxChannelIDLength)
	}
	if !channelIDRegex.MatchString(id) {
		return fmt.Errorf("invalid channel ID format: %s", id)
	}
	return nil
}

// ValidateCwd checks a session working directory. It must be absolute and
// already clean.
func ValidateCwd(cwd string) error {
	if cwd == "" {
		return fmt.Errorf("working directory cannot be empty")
	}
	if !filepath.IsAbs(cwd) {
		return fmt.Errorf("working directory must be absolute: %s", cwd)
	}
	if filepath.Clean(cwd) != cwd {
		return fmt.Errorf("working directory is not clean: %s", cwd)
	}
	return nil
}

// ValidateModel checks a model name. Empty selects the engine default.
func ValidateModel(model string) error {
	if model == "" {
		return nil
	}
	if len(model) > 256 || !modelRegex.MatchString(model) {
		return fmt.Errorf("invalid model name: %s", model)
	}
	return nil
}

// ValidatePermissionMode checks a permission mode. Empty selects "default".
func ValidatePermissionMode(mode string) error {
	if mode == "" || permissionModes[mode] {
		return nil
	}
	return fmt.Errorf("unknown permission mode: %s", mode)
}

// ValidateThinkingBudget checks a thinking token budget. Zero disables thinking.
func ValidateThinkingBudget(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("thinking budget cannot be negative: %d", tokens)
	}
	if tokens > MaxThinkingBudget {
		return fmt.Errorf("thinking budget too large: %d > %d", tokens, MaxThinkingBudget)
	}
	return nil
}

// SanitizePath removes path traversal attempts and validates path components
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	// Reject obvious traversal attempts
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	// Reject absolute paths when relative expected
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue // Allow trailing/leading slashes
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}
