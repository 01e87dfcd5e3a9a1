// Package agent provides the agent engine abstraction layer.
//
// factory.go - Engine type selection and auto-detection
//
// This file contains:
// - EngineType constants (anthropic, openai, echo, auto)
// - Auto-detection logic (Anthropic key -> anthropic, OpenAI key -> openai, otherwise echo)
//
// Note: engines are constructed in cmd/conduitd to avoid import cycles
// between agent and its engine subpackages.

package agent

import "fmt"

// EngineType identifies the engine backend
type EngineType string

const (
	EngineTypeAnthropic EngineType = "anthropic"
	EngineTypeOpenAI    EngineType = "openai"
	EngineTypeEcho      EngineType = "echo"
	EngineTypeAuto      EngineType = "auto"
)

// ParseEngineType validates a configured engine name
func ParseEngineType(name string) (EngineType, error) {
	switch t := EngineType(name); t {
	case EngineTypeAnthropic, EngineTypeOpenAI, EngineTypeEcho, EngineTypeAuto:
		return t, nil
	case "":
		return EngineTypeAuto, nil
	default:
		return "", fmt.Errorf("unknown engine type: %s", name)
	}
}

// DetectEngineType determines the best engine based on available credentials
func DetectEngineType(anthropicAPIKey, openaiAPIKey string) EngineType {
	if anthropicAPIKey != "" {
		return EngineTypeAnthropic
	}
	if openaiAPIKey != "" {
		return EngineTypeOpenAI
	}
	return EngineTypeEcho
}
