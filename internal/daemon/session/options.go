package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kaihq/kai/internal/daemon/db"
	"github.com/kaihq/kai/internal/daemon/query"
)

// memoryToolName is disallowed unless a session opts in through
// tools.kaiTools.memory.
const memoryToolName = "Memory"

// thinkingTokens maps a thinking level to maxThinkingTokens. "auto" and
// unknown levels leave the field unset.
var thinkingTokens = map[string]int{
	"low":    4000,
	"medium": 10000,
	"high":   31999,
}

// ThinkingLevels are the accepted values for session.thinking.set;
// anything else falls back to "auto".
var ThinkingLevels = []string{"auto", "low", "medium", "high"}

// ValidThinkingLevel normalizes a requested thinking level.
func ValidThinkingLevel(level string) string {
	for _, l := range ThinkingLevels {
		if l == level {
			return level
		}
	}
	return "auto"
}

// BuildQueryOptions composes the transport option set for a session
// from its config, its metadata, and the daemon-wide default permission
// mode.
func BuildQueryOptions(sess *db.Session, defaultPermissionMode db.PermissionMode) *query.Options {
	cfg := sess.Config
	opts := &query.Options{
		Model:           cfg.Model,
		Cwd:             sess.WorkspacePath,
		AllowedTools:    append([]string(nil), cfg.AllowedTools...),
		DisallowedTools: append([]string(nil), cfg.DisallowedTools...),
		MCPServers:      cfg.MCPServers,
		Tools:           cfg.SDKToolsPreset,
		MaxTokens:       cfg.MaxTokens,
		Temperature:     cfg.Temperature,
		FallbackModel:   cfg.FallbackModel,
		OutputFormat:    cfg.OutputFormat,
		Betas:           append([]string(nil), cfg.Betas...),
		Env:             cfg.Env,
		Sandbox:         cfg.Sandbox,
	}
	if opts.Model == "" {
		opts.Model = "default"
	}
	if cfg.MaxBudgetUSD != nil {
		opts.MaxBudgetUSD = *cfg.MaxBudgetUSD
	}

	worktree := sess.Metadata.Worktree
	if worktree != nil {
		opts.Cwd = worktree.WorktreePath
	}

	// Permission mode: session config > daemon default > bypass.
	mode := cfg.PermissionMode
	if mode == "" {
		mode = defaultPermissionMode
	}
	if mode == "" || mode == db.PermissionDefault {
		mode = db.PermissionBypass
	}
	opts.PermissionMode = mode
	if mode == db.PermissionBypass {
		opts.AllowDangerouslySkipPermissions = true
	}

	opts.SystemPrompt = buildSystemPrompt(cfg, worktree)

	// Memory tool stays disallowed unless explicitly enabled.
	if !kaiToolEnabled(cfg.Tools, "memory") && !contains(opts.DisallowedTools, memoryToolName) {
		opts.DisallowedTools = append(opts.DisallowedTools, memoryToolName)
	}

	opts.SettingSources = []string{"project", "local"}
	if cfg.Tools != nil && cfg.Tools.LoadSettingSources != nil && !*cfg.Tools.LoadSettingSources {
		opts.SettingSources = []string{"local"}
	}

	opts.AdditionalDirectories = additionalDirectories(worktree != nil)

	yes := true
	opts.EnableFileCheckpointing = &yes
	if cfg.EnableFileCheckpointing != nil {
		opts.EnableFileCheckpointing = cfg.EnableFileCheckpointing
	}

	if cfg.CoordinatorMode {
		applyCoordinatorMode(opts, cfg, worktree)
	} else if len(cfg.Agents) > 0 {
		opts.Agents = cfg.Agents
	}

	if sess.SDKSessionID != "" {
		opts.Resume = sess.SDKSessionID
	}
	if tokens, ok := thinkingTokens[cfg.ThinkingLevel]; ok {
		opts.MaxThinkingTokens = tokens
	}
	return opts
}

func buildSystemPrompt(cfg db.SessionConfig, worktree *db.WorktreeInfo) *query.SystemPrompt {
	var p query.SystemPrompt
	switch {
	case cfg.SystemPrompt != "":
		p.Literal = cfg.SystemPrompt
	case cfg.DisableSystemPromptPreset:
		// Minimal prompt: nothing beyond the worktree rules.
	default:
		p.Preset = query.PresetClaudeCode
	}
	if worktree != nil {
		p.Append = worktreeIsolationBlock(worktree)
	}
	if p.IsZero() {
		return nil
	}
	return &p
}

func worktreeIsolationBlock(w *db.WorktreeInfo) string {
	return fmt.Sprintf(`## Git Worktree Isolation

You are working inside an isolated Git worktree.

- Worktree path: %s
- Branch: %s
- Main repository: %s

Confine all file operations to the worktree path. Never modify the main repository directly.`,
		w.WorktreePath, w.Branch, w.MainRepoPath)
}

func additionalDirectories(hasWorktree bool) []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".claude"))
	}
	if hasWorktree {
		dirs = append(dirs, "/tmp/claude",
			filepath.Join(os.TempDir(), fmt.Sprintf("claude-%d", os.Getuid())))
	}
	return dirs
}

func kaiToolEnabled(tools *db.ToolsConfig, name string) bool {
	return tools != nil && tools.KaiTools[name]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
