package provider

import (
	"os"
	"strings"

	"github.com/kaihq/kai/internal/daemon/db"
)

// anthropic serves the claude model family and is the fallback owner of
// the "default" alias.
type anthropic struct{}

// NewAnthropic returns the built-in Anthropic provider.
func NewAnthropic() Provider { return anthropic{} }

func (anthropic) ID() string          { return "anthropic" }
func (anthropic) DisplayName() string { return "Anthropic" }

func (anthropic) IsAvailable() bool {
	return os.Getenv("ANTHROPIC_API_KEY") != ""
}

var anthropicAliases = map[string]string{
	"default": "claude-sonnet-4-5",
	"opus":    "claude-opus-4-5",
	"sonnet":  "claude-sonnet-4-5",
	"haiku":   "claude-haiku-4-5",
}

func (anthropic) OwnsModel(modelID string) bool {
	if _, ok := anthropicAliases[modelID]; ok {
		return true
	}
	return strings.HasPrefix(modelID, "claude-")
}

func (anthropic) GetModels() []ModelInfo {
	return []ModelInfo{
		{ID: "claude-opus-4-5", DisplayName: "Claude Opus 4.5", Provider: "anthropic", Tier: TierPowerful},
		{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5", Provider: "anthropic", Tier: TierBalanced},
		{ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5", Provider: "anthropic", Tier: TierFast},
	}
}

func (anthropic) BuildSDKConfig(_ string, cfg *db.SessionConfig) map[string]string {
	env := map[string]string{}
	if cfg != nil && cfg.ProviderConfig != nil {
		if cfg.ProviderConfig.APIKey != "" {
			env["ANTHROPIC_API_KEY"] = cfg.ProviderConfig.APIKey
		}
		if cfg.ProviderConfig.BaseURL != "" {
			env["ANTHROPIC_BASE_URL"] = cfg.ProviderConfig.BaseURL
		}
	}
	return env
}

func (anthropic) TranslateModelIDForSDK(modelID string) string {
	if resolved, ok := anthropicAliases[modelID]; ok {
		return resolved
	}
	return modelID
}

func (anthropic) GetModelForTier(tier string) string {
	switch tier {
	case TierFast:
		return "claude-haiku-4-5"
	case TierPowerful:
		return "claude-opus-4-5"
	default:
		return "claude-sonnet-4-5"
	}
}
