package config

import (
	"os"
	"sort"
)

// CredentialRegistry holds named provider API keys.
type CredentialRegistry struct {
	Providers map[string]ProviderCredential `json:"providers" yaml:"providers"`

	// Default names the credential preferred when several serve one provider.
	Default string `json:"default" yaml:"default"`
}

// ProviderCredential is a single provider API key.
type ProviderCredential struct {
	Provider    string `json:"provider" yaml:"provider"` // anthropic, openai
	APIKey      string `json:"api_key" yaml:"api_key"`
	BaseURL     string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ProviderCredentialInfo describes a credential without its key.
type ProviderCredentialInfo struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default,omitempty"`
}

// Credential returns the credential to use for provider. The provider's
// environment variable wins over the file; then the default credential;
// then the first matching entry by name.
func (r *CredentialRegistry) Credential(provider string) (ProviderCredential, bool) {
	var found ProviderCredential
	ok := false
	if cred, exists := r.Providers[r.Default]; exists && cred.Provider == provider {
		found, ok = cred, true
	} else {
		names := make([]string, 0, len(r.Providers))
		for name := range r.Providers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if cred := r.Providers[name]; cred.Provider == provider {
				found, ok = cred, true
				break
			}
		}
	}

	if env := ProviderEnvVar(provider); env != "" {
		if key := os.Getenv(env); key != "" {
			found.Provider = provider
			found.APIKey = key
			ok = true
		}
	}
	return found, ok
}

// APIKey returns the key for provider, or "".
func (r *CredentialRegistry) APIKey(provider string) string {
	cred, _ := r.Credential(provider)
	return cred.APIKey
}

// ListCredentials returns all credentials without sensitive data, sorted by name.
func (r *CredentialRegistry) ListCredentials() []ProviderCredentialInfo {
	result := make([]ProviderCredentialInfo, 0, len(r.Providers))
	for name, cred := range r.Providers {
		result = append(result, ProviderCredentialInfo{
			Name:        name,
			Provider:    cred.Provider,
			Description: cred.Description,
			IsDefault:   name == r.Default,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ProviderEnvVar returns the environment variable name for a provider
func ProviderEnvVar(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return ""
	}
}
