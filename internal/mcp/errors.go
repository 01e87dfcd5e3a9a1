package mcp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/conduit/internal/logger"
)

// ErrForbidden is returned when the caller's token does not cover a call.
var ErrForbidden = errors.New("forbidden")

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"api_key",
	"apikey",
	"x-api-key",
	"authorization",
	"bearer",
	"password",
	"secret",
}

// SanitizeError returns an error safe to hand to an MCP client. Errors that
// mention credentials are logged in full and replaced with a generic message.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	lower := strings.ToLower(err.Error())
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return fmt.Errorf("%s failed: engine configuration error", operation)
		}
	}
	return err
}
