package db

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// PermissionMode controls how tool permissions are granted.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPrompt      PermissionMode = "prompt"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// ProviderConfig carries explicit provider credentials.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// SandboxNetwork configures network access inside the sandbox.
type SandboxNetwork struct {
	AllowedDomains      []string `json:"allowedDomains,omitempty"`
	AllowLocalBinding   bool     `json:"allowLocalBinding,omitempty"`
	AllowAllUnixSockets bool     `json:"allowAllUnixSockets,omitempty"`
}

// SandboxConfig configures the execution sandbox.
type SandboxConfig struct {
	Enabled                  bool            `json:"enabled"`
	AutoAllowBashIfSandboxed bool            `json:"autoAllowBashIfSandboxed,omitempty"`
	ExcludedCommands         []string        `json:"excludedCommands,omitempty"`
	Network                  *SandboxNetwork `json:"network,omitempty"`
}

// DefaultSandbox returns the safe sandbox defaults applied on session
// creation when no sandbox config is supplied.
func DefaultSandbox() *SandboxConfig {
	return &SandboxConfig{
		Enabled:                  true,
		AutoAllowBashIfSandboxed: true,
		ExcludedCommands:         []string{"git"},
		Network: &SandboxNetwork{
			AllowedDomains:      []string{"api.anthropic.com", "statsig.anthropic.com", "sentry.io"},
			AllowLocalBinding:   true,
			AllowAllUnixSockets: true,
		},
	}
}

// AgentDefinition is a user-supplied agent profile forwarded to the
// transport.
type AgentDefinition struct {
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt"`
	Tools       []string `json:"tools,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// ToolsConfig holds tool discipline knobs.
type ToolsConfig struct {
	KaiTools           map[string]bool `json:"kaiTools,omitempty"`
	LoadSettingSources *bool           `json:"loadSettingSources,omitempty"`
}

// SessionConfig is the per-session configuration blob.
type SessionConfig struct {
	Model                     string                     `json:"model,omitempty"`
	MaxTokens                 int                        `json:"maxTokens,omitempty"`
	Temperature               *float64                   `json:"temperature,omitempty"`
	Provider                  string                     `json:"provider,omitempty"`
	ProviderConfig            *ProviderConfig            `json:"providerConfig,omitempty"`
	PermissionMode            PermissionMode             `json:"permissionMode,omitempty"`
	FallbackModel             string                     `json:"fallbackModel,omitempty"`
	Agents                    map[string]AgentDefinition `json:"agents,omitempty"`
	Sandbox                   *SandboxConfig             `json:"sandbox,omitempty"`
	OutputFormat              string                     `json:"outputFormat,omitempty"`
	Betas                     []string                   `json:"betas,omitempty"`
	Env                       map[string]string          `json:"env,omitempty"`
	MaxBudgetUSD              *float64                   `json:"maxBudgetUsd,omitempty"`
	SystemPrompt              string                     `json:"systemPrompt,omitempty"`
	DisableSystemPromptPreset bool                       `json:"disableSystemPromptPreset,omitempty"`
	MCPServers                map[string]json.RawMessage `json:"mcpServers,omitempty"`
	ThinkingLevel             string                     `json:"thinkingLevel,omitempty"`
	CoordinatorMode           bool                       `json:"coordinatorMode,omitempty"`
	EnableFileCheckpointing   *bool                      `json:"enableFileCheckpointing,omitempty"`
	SDKToolsPreset            string                     `json:"sdkToolsPreset,omitempty"`
	AllowedTools              []string                   `json:"allowedTools,omitempty"`
	DisallowedTools           []string                   `json:"disallowedTools,omitempty"`
	Tools                     *ToolsConfig               `json:"tools,omitempty"`
}

// RecoveryContext tracks query failure recovery per session.
type RecoveryContext struct {
	RetryCount int    `json:"retryCount"`
	LastError  string `json:"lastError,omitempty"`
}

// WorktreeInfo describes the Git worktree a session runs in.
type WorktreeInfo struct {
	WorktreePath string `json:"worktreePath"`
	MainRepoPath string `json:"mainRepoPath"`
	Branch       string `json:"branch"`
}

// SessionMetadata is the mutable bookkeeping blob on a session.
type SessionMetadata struct {
	MessageCount    int              `json:"messageCount"`
	TotalCostUSD    float64          `json:"totalCostUsd,omitempty"`
	RemovedOutputs  int              `json:"removedOutputs,omitempty"`
	RecoveryContext *RecoveryContext `json:"recoveryContext,omitempty"`
	InputDraft      string           `json:"inputDraft,omitempty"`
	TitleGenerated  bool             `json:"titleGenerated,omitempty"`
	ResumeSessionAt string           `json:"resumeSessionAt,omitempty"`
	ArchivedAt      string           `json:"archivedAt,omitempty"`
	Worktree        *WorktreeInfo    `json:"worktree,omitempty"`
}

// Session is a persistent user conversation with the agent.
type Session struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	WorkspacePath string          `json:"workspacePath"`
	Status        SessionStatus   `json:"status"`
	Config        SessionConfig   `json:"config"`
	Metadata      SessionMetadata `json:"metadata"`
	SDKSessionID  string          `json:"sdkSessionId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastActiveAt  time.Time       `json:"lastActiveAt"`
}

// SDKMessageType enumerates transport record types.
type SDKMessageType string

const (
	SDKMessageUser         SDKMessageType = "user"
	SDKMessageAssistant    SDKMessageType = "assistant"
	SDKMessageSystem       SDKMessageType = "system"
	SDKMessageResult       SDKMessageType = "result"
	SDKMessageToolProgress SDKMessageType = "tool_progress"
	SDKMessageStreamEvent  SDKMessageType = "stream_event"
)

// SDKMessage is a persisted transport record. Content is stored
// compressed; the Store decompresses on read.
type SDKMessage struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"sessionId"`
	UUID            string          `json:"uuid"`
	Type            SDKMessageType  `json:"type"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
	Content         json.RawMessage `json:"content"`
	Timestamp       time.Time       `json:"timestamp"`
	Seq             int64           `json:"seq"`
}

// UserMessageStatus tracks delivery of a user input.
type UserMessageStatus string

const (
	UserMessagePending UserMessageStatus = "pending"
	UserMessageSent    UserMessageStatus = "sent"
	UserMessageFailed  UserMessageStatus = "failed"
)

// UserMessage is a persisted user input, tracked separately from the
// SDK record stream for delivery accounting.
type UserMessage struct {
	ID        string            `json:"id"`
	SessionID string            `json:"sessionId"`
	Content   string            `json:"content"`
	Status    UserMessageStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Checkpoint marks the start of a turn within a session.
type Checkpoint struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"sessionId"`
	MessagePreview string    `json:"messagePreview"`
	TurnNumber     int       `json:"turnNumber"`
	Timestamp      time.Time `json:"timestamp"`
}

// Room is an organizational unit containing goals, tasks, memories and
// session pairs.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	AllowedPaths []string  `json:"allowedPaths"`
	DefaultPath  string    `json:"defaultPath,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PairStatus is the lifecycle status of a session pair.
type PairStatus string

const (
	PairActive    PairStatus = "active"
	PairIdle      PairStatus = "idle"
	PairCrashed   PairStatus = "crashed"
	PairCompleted PairStatus = "completed"
)

// SessionPair couples a worker session with a manager session inside a
// room.
type SessionPair struct {
	ID               string     `json:"id"`
	RoomID           string     `json:"roomId"`
	RoomSessionID    string     `json:"roomSessionId"`
	ManagerSessionID string     `json:"managerSessionId"`
	WorkerSessionID  string     `json:"workerSessionId"`
	Status           PairStatus `json:"status"`
	CurrentTaskID    string     `json:"currentTaskId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// LifecycleState is a room agent's FSM state.
type LifecycleState string

const (
	LifecycleIdle      LifecycleState = "idle"
	LifecyclePlanning  LifecycleState = "planning"
	LifecycleExecuting LifecycleState = "executing"
	LifecycleWaiting   LifecycleState = "waiting"
	LifecycleReviewing LifecycleState = "reviewing"
	LifecycleError     LifecycleState = "error"
	LifecyclePaused    LifecycleState = "paused"
)

// RoomAgentState is the persisted FSM state of a room agent. Exactly
// one row per room.
type RoomAgentState struct {
	RoomID         string         `json:"roomId"`
	LifecycleState LifecycleState `json:"lifecycleState"`
	CurrentGoalID  string         `json:"currentGoalId,omitempty"`
	CurrentTaskID  string         `json:"currentTaskId,omitempty"`
	ActivePairIDs  []string       `json:"activeSessionPairIds"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	ErrorCount     int            `json:"errorCount"`
	LastError      string         `json:"lastError,omitempty"`
	PendingActions []string       `json:"pendingActions"`
}

// MemoryType categorizes a memory record.
type MemoryType string

const (
	MemoryConversation MemoryType = "conversation"
	MemoryTaskResult   MemoryType = "task_result"
	MemoryPreference   MemoryType = "preference"
	MemoryPattern      MemoryType = "pattern"
	MemoryNote         MemoryType = "note"
	MemoryDecision     MemoryType = "decision"
	MemoryError        MemoryType = "error"
	MemorySuccess      MemoryType = "success"
)

// Memory is a per-room tagged record.
type Memory struct {
	ID             string     `json:"id"`
	RoomID         string     `json:"roomId"`
	Type           MemoryType `json:"type"`
	Content        string     `json:"content"`
	Tags           []string   `json:"tags"`
	Importance     string     `json:"importance"`
	SessionID      string     `json:"sessionId,omitempty"`
	TaskID         string     `json:"taskId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	AccessCount    int        `json:"accessCount"`
}

// Goal is a room-level objective created while planning.
type Goal struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Task is a unit of work handed to a session pair.
type Task struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	GoalID      string    `json:"goalId,omitempty"`
	PairID      string    `json:"pairId,omitempty"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
