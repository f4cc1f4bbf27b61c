package provider

import (
	"fmt"
	"sync"
)

// registry is process-wide state with a reset/initialize/use lifecycle.
// Tests call Reset between cases.
var (
	regMu    sync.RWMutex
	regOrder []string
	regByID  = make(map[string]Provider)

	cacheMu     sync.Mutex
	modelsCache = make(map[string][]ModelInfo)
)

// Register adds a provider. Re-registering an id replaces it without
// changing its position in detection order.
func Register(p Provider) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := regByID[p.ID()]; !ok {
		regOrder = append(regOrder, p.ID())
	}
	regByID[p.ID()] = p
}

// Get returns the provider registered under id.
func Get(id string) (Provider, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	p, ok := regByID[id]
	return p, ok
}

// List returns providers in registration order.
func List() []Provider {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]Provider, 0, len(regOrder))
	for _, id := range regOrder {
		out = append(out, regByID[id])
	}
	return out
}

// Reset clears the registry and the models cache.
func Reset() {
	regMu.Lock()
	regOrder = nil
	regByID = make(map[string]Provider)
	regMu.Unlock()
	ClearModelsCache()
}

// RegisterBuiltins installs the providers the daemon ships with.
func RegisterBuiltins() {
	Register(NewAnthropic())
	Register(NewZAI())
}

// DetectProvider returns the first registered provider that owns the
// model id, or nil when no provider does.
func DetectProvider(modelID string) Provider {
	for _, p := range List() {
		if p.OwnsModel(modelID) {
			return p
		}
	}
	return nil
}

// ListModels aggregates every registered provider's models, deduplicated
// by canonical (SDK) model id. Results are cached until ClearModelsCache.
func ListModels() []ModelInfo {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached, ok := modelsCache["all"]; ok {
		return cached
	}

	seen := make(map[string]struct{})
	var out []ModelInfo
	for _, p := range List() {
		for _, m := range p.GetModels() {
			canonical := SDKModelID(p, m.ID)
			if _, dup := seen[canonical]; dup {
				continue
			}
			seen[canonical] = struct{}{}
			out = append(out, m)
		}
	}
	modelsCache["all"] = out
	return out
}

// KnownModel reports whether any registered provider serves the id.
func KnownModel(modelID string) bool {
	for _, m := range ListModels() {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

// ClearModelsCache drops cached model lists.
func ClearModelsCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	modelsCache = make(map[string][]ModelInfo)
}

// ValidationResult is the outcome of ValidateProviderSwitch.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// ValidateProviderSwitch checks that a provider can be switched to:
// it must be registered, and either available or given an api key.
func ValidateProviderSwitch(providerID, apiKey string) ValidationResult {
	p, ok := Get(providerID)
	if !ok {
		return ValidationResult{Error: "Unknown provider"}
	}
	if !p.IsAvailable() && apiKey == "" {
		return ValidationResult{Error: fmt.Sprintf("Provider %s is not available", providerID)}
	}
	return ValidationResult{Valid: true}
}
