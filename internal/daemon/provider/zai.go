package provider

import (
	"os"
	"strings"

	"github.com/kaihq/kai/internal/daemon/db"
)

const zaiBaseURL = "https://api.z.ai/api/anthropic"

// zai serves the GLM model family through its Anthropic-compatible
// endpoint.
type zai struct{}

// NewZAI returns the built-in Z.AI provider.
func NewZAI() Provider { return zai{} }

func (zai) ID() string          { return "zai" }
func (zai) DisplayName() string { return "Z.AI" }

func (zai) IsAvailable() bool {
	return os.Getenv("ZAI_API_KEY") != ""
}

func (zai) OwnsModel(modelID string) bool {
	return strings.HasPrefix(modelID, "glm-")
}

func (zai) GetModels() []ModelInfo {
	return []ModelInfo{
		{ID: "glm-4.6", DisplayName: "GLM 4.6", Provider: "zai", Tier: TierPowerful},
		{ID: "glm-4.5", DisplayName: "GLM 4.5", Provider: "zai", Tier: TierBalanced},
		{ID: "glm-4.5-air", DisplayName: "GLM 4.5 Air", Provider: "zai", Tier: TierFast},
	}
}

func (zai) BuildSDKConfig(_ string, cfg *db.SessionConfig) map[string]string {
	env := map[string]string{"ANTHROPIC_BASE_URL": zaiBaseURL}
	key := os.Getenv("ZAI_API_KEY")
	if cfg != nil && cfg.ProviderConfig != nil {
		if cfg.ProviderConfig.APIKey != "" {
			key = cfg.ProviderConfig.APIKey
		}
		if cfg.ProviderConfig.BaseURL != "" {
			env["ANTHROPIC_BASE_URL"] = cfg.ProviderConfig.BaseURL
		}
	}
	if key != "" {
		env["ANTHROPIC_AUTH_TOKEN"] = key
	}
	return env
}

func (zai) GetModelForTier(tier string) string {
	switch tier {
	case TierFast:
		return "glm-4.5-air"
	case TierPowerful:
		return "glm-4.6"
	default:
		return "glm-4.5"
	}
}
