package session

import (
	"sync"
)

// ContextInfo summarizes what the current query context holds.
type ContextInfo struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalCostUSD float64 `json:"totalCostUsd"`
	Turns        int     `json:"turns"`
}

// ContextTracker accumulates per-session usage across turns. Reset on
// model switches that restart the query.
type ContextTracker struct {
	mu   sync.Mutex
	info ContextInfo
}

// NewContextTracker starts tracking for a model.
func NewContextTracker(model string) *ContextTracker {
	return &ContextTracker{info: ContextInfo{Model: model}}
}

// SetModel records the active model.
func (t *ContextTracker) SetModel(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.Model = model
}

// RecordUsage adds one result's usage to the running totals.
func (t *ContextTracker) RecordUsage(inputTokens, outputTokens int64, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.InputTokens += inputTokens
	t.info.OutputTokens += outputTokens
	t.info.TotalCostUSD += costUSD
	t.info.Turns++
}

// Info returns a copy of the current totals.
func (t *ContextTracker) Info() ContextInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// CheckpointTracker allocates strictly increasing turn numbers within a
// session.
type CheckpointTracker struct {
	mu       sync.Mutex
	lastTurn int
}

// NewCheckpointTracker resumes numbering after the last persisted turn.
func NewCheckpointTracker(lastTurn int) *CheckpointTracker {
	return &CheckpointTracker{lastTurn: lastTurn}
}

// NextTurn reserves the next turn number.
func (t *CheckpointTracker) NextTurn() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTurn++
	return t.lastTurn
}

// Advance rewinds numbering to a turn, so the next checkpoint continues
// from there. Used after a conversation rewind.
func (t *CheckpointTracker) Advance(turn int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTurn = turn
}

// LastTurn returns the most recently issued turn number.
func (t *CheckpointTracker) LastTurn() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTurn
}
