package query

import (
	"encoding/json"

	"github.com/kaihq/kai/internal/daemon/db"
)

// SystemPrompt is either a literal prompt string or a named preset with
// an optional appended block. The zero value marshals as absent.
type SystemPrompt struct {
	Literal string
	Preset  string
	Append  string
}

// PresetClaudeCode is the transport's built-in system prompt preset.
const PresetClaudeCode = "claude_code"

// IsZero reports whether no prompt was configured.
func (p SystemPrompt) IsZero() bool {
	return p.Literal == "" && p.Preset == "" && p.Append == ""
}

// MarshalJSON renders a literal prompt as a plain string and a preset
// as the transport's preset object.
func (p SystemPrompt) MarshalJSON() ([]byte, error) {
	if p.Preset != "" {
		obj := map[string]string{"type": "preset", "preset": p.Preset}
		if p.Append != "" {
			obj["append"] = p.Append
		}
		return json.Marshal(obj)
	}
	s := p.Literal
	if p.Append != "" {
		if s != "" {
			s += "\n\n"
		}
		s += p.Append
	}
	return json.Marshal(s)
}

// Options is the full option set handed to Transport.Start. Fields that
// resolve to unset are omitted from the marshaled form; the transport
// never sees them.
type Options struct {
	Model    string `json:"model"`
	MaxTurns int    `json:"maxTurns,omitempty"`
	Cwd      string `json:"cwd,omitempty"`

	PermissionMode                  db.PermissionMode `json:"permissionMode,omitempty"`
	AllowDangerouslySkipPermissions bool              `json:"allowDangerouslySkipPermissions,omitempty"`

	SystemPrompt *SystemPrompt `json:"systemPrompt,omitempty"`

	Tools           string   `json:"tools,omitempty"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`

	MCPServers map[string]json.RawMessage `json:"mcpServers,omitempty"`

	SettingSources        []string `json:"settingSources,omitempty"`
	AdditionalDirectories []string `json:"additionalDirectories,omitempty"`

	EnableFileCheckpointing *bool `json:"enableFileCheckpointing,omitempty"`

	Agent  string                        `json:"agent,omitempty"`
	Agents map[string]db.AgentDefinition `json:"agents,omitempty"`

	Resume            string `json:"resume,omitempty"`
	MaxThinkingTokens int    `json:"maxThinkingTokens,omitempty"`

	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	FallbackModel string   `json:"fallbackModel,omitempty"`
	OutputFormat  string   `json:"outputFormat,omitempty"`
	Betas         []string `json:"betas,omitempty"`
	MaxBudgetUSD  float64  `json:"maxBudgetUsd,omitempty"`

	Env     map[string]string `json:"env,omitempty"`
	Sandbox *db.SandboxConfig `json:"sandbox,omitempty"`
}

// Clone returns a deep enough copy for a caller to mutate maps and
// slices without aliasing the original.
func (o *Options) Clone() *Options {
	c := *o
	if o.SystemPrompt != nil {
		p := *o.SystemPrompt
		c.SystemPrompt = &p
	}
	c.AllowedTools = append([]string(nil), o.AllowedTools...)
	c.DisallowedTools = append([]string(nil), o.DisallowedTools...)
	c.SettingSources = append([]string(nil), o.SettingSources...)
	c.AdditionalDirectories = append([]string(nil), o.AdditionalDirectories...)
	c.Betas = append([]string(nil), o.Betas...)
	if o.MCPServers != nil {
		c.MCPServers = make(map[string]json.RawMessage, len(o.MCPServers))
		for k, v := range o.MCPServers {
			c.MCPServers[k] = v
		}
	}
	if o.Agents != nil {
		c.Agents = make(map[string]db.AgentDefinition, len(o.Agents))
		for k, v := range o.Agents {
			c.Agents[k] = v
		}
	}
	if o.Env != nil {
		c.Env = make(map[string]string, len(o.Env))
		for k, v := range o.Env {
			c.Env[k] = v
		}
	}
	return &c
}
