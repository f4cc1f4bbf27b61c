// Package provider holds the model-provider registry and the context
// manager that picks a provider for a session and composes its
// transport environment.
package provider

import (
	"github.com/kaihq/kai/internal/daemon/db"
)

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Provider    string `json:"provider"`
	Tier        string `json:"tier,omitempty"`
}

// Model tiers used by GetModelForTier.
const (
	TierFast     = "fast"
	TierBalanced = "balanced"
	TierPowerful = "powerful"
)

// Provider is one model backend. Concrete providers are variants held
// in a flat registry keyed by id; test fakes are just more variants.
type Provider interface {
	ID() string
	DisplayName() string

	// IsAvailable reports whether the provider can serve queries with
	// ambient credentials alone.
	IsAvailable() bool

	// OwnsModel reports whether the provider recognizes the model id.
	OwnsModel(modelID string) bool

	GetModels() []ModelInfo

	// BuildSDKConfig returns the env vars the transport needs for this
	// provider, honoring per-session credentials.
	BuildSDKConfig(modelID string, cfg *db.SessionConfig) map[string]string

	// GetModelForTier maps a tier to a concrete model id.
	GetModelForTier(tier string) string
}

// ModelTranslator is implemented by providers whose public model ids
// differ from what the transport expects.
type ModelTranslator interface {
	TranslateModelIDForSDK(modelID string) string
}

// SDKModelID resolves the id the transport should see for a model.
func SDKModelID(p Provider, modelID string) string {
	if tr, ok := p.(ModelTranslator); ok {
		return tr.TranslateModelIDForSDK(modelID)
	}
	return modelID
}
