package config

import (
	"fmt"
	"os"
)

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint used
// for similar-meal search.
type EmbeddingConfig struct {
	Model      string `mapstructure:"model"`       // Model name/ID
	APIKey     string `mapstructure:"api_key"`     // API key (can be set directly or via env var)
	APIKeyEnv  string `mapstructure:"api_key_env"` // Environment variable name for API key
	BaseURL    string `mapstructure:"base_url"`    // Base URL, defaults to the vision base URL
	Dimensions int    `mapstructure:"dimensions"`  // Embedding vector dimensions
}

// ResolveEnvVars loads APIKey from APIKeyEnv when it is not set directly.
func (c *EmbeddingConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
}

// Validate checks that the embedding configuration has all required fields.
// Returns an error describing the first validation failure, or nil if valid.
func (c *EmbeddingConfig) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("similarity.embedding.model is required")
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("similarity.embedding.dimensions must be positive")
	}
	return nil
}

// WithFallback fills BaseURL and APIKey from the vision endpoint when the
// embedding section leaves them empty.
func (c EmbeddingConfig) WithFallback(vision VisionConfig) EmbeddingConfig {
	c.ResolveEnvVars()
	if c.BaseURL == "" {
		c.BaseURL = vision.BaseURL
	}
	if c.APIKey == "" {
		c.APIKey = vision.APIKey
	}
	return c
}
