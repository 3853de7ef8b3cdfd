// Package tenant stores per-tenant settings and resolves the generation
// settings (provider, model, limits, API key) a chat turn runs with.
package tenant

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a tenant does not exist.
var ErrNotFound = errors.New("tenant not found")

// ConfigurationError reports a tenant whose settings cannot drive a model
// call, typically a missing provider API key.
type ConfigurationError struct {
	TenantID string
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("tenant %s: provider %s: %s", e.TenantID, e.Provider, e.Reason)
	}
	return fmt.Sprintf("tenant %s: %s", e.TenantID, e.Reason)
}

// Tenant is an isolated customer account.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settings is the tenant settings document. Only the ai block is
// interpreted here. Unknown keys are preserved in Extra.
type Settings struct {
	AI    AISettings     `json:"ai"`
	Extra map[string]any `json:"-"`
}

// AISettings holds model defaults and provider credentials.
type AISettings struct {
	Generating GeneratingSettings          `json:"generating"`
	Providers  map[string]ProviderSettings `json:"providers,omitempty"`
}

// GeneratingSettings selects the provider and model. Zero fields fall
// back to the service configuration.
type GeneratingSettings struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// ProviderSettings holds one provider's credentials.
type ProviderSettings struct {
	APIKey string `json:"apiKey,omitempty"`
}

// Generation is the resolved configuration for a tenant's model calls.
type Generation struct {
	TenantID    string
	Provider    string
	Model       string
	MaxTokens   int
	Temperature float64
	APIKey      string
}

// MaskKey hides all but the last four characters of an API key.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
