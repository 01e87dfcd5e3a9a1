package config

import "sort"

// ModelDefinition maps a shorthand name to a provider model.
type ModelDefinition struct {
	Model          string `json:"model" yaml:"model"`
	DisplayName    string `json:"display_name" yaml:"display_name"`
	Provider       string `json:"provider" yaml:"provider"`
	MaxTokens      int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	ThinkingBudget int    `json:"thinking_budget,omitempty" yaml:"thinking_budget,omitempty"`
}

// ModelInfo represents model information for listings
type ModelInfo struct {
	Name        string `json:"name"`
	Model       string `json:"model"`
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
}

// GetModel returns a model definition by shorthand name
func (c *Config) GetModel(name string) (ModelDefinition, bool) {
	model, ok := c.Models[name]
	return model, ok
}

// ListModels returns the configured shorthands sorted by name.
func (c *Config) ListModels() []ModelInfo {
	models := make([]ModelInfo, 0, len(c.Models))
	for name, def := range c.Models {
		models = append(models, ModelInfo{
			Name:        name,
			Model:       def.Model,
			DisplayName: def.DisplayName,
			Provider:    def.Provider,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models
}

// ResolveModel resolves a model shorthand name to the full model ID.
// If the name is already a full model ID (not in the table), returns it unchanged.
func (c *Config) ResolveModel(name string) string {
	if model, ok := c.Models[name]; ok {
		return model.Model
	}
	return name
}
