// Package session implements the per-session runtime: the processing
// state machine, query option composition, the agent loop driving the
// transport, and the bounded cache of live sessions.
package session

import (
	"time"

	"github.com/kaihq/kai/internal/util/timefmt"
)

// Status is the top-level processing status of a session.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusQueued          Status = "queued"
	StatusProcessing      Status = "processing"
	StatusWaitingForInput Status = "waiting_for_input"
	StatusInterrupted     Status = "interrupted"
)

// Phase refines StatusProcessing.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseThinking     Phase = "thinking"
	PhaseStreaming    Phase = "streaming"
	PhaseFinalizing   Phase = "finalizing"
)

// PendingQuestion is attached while the session waits for a tool
// permission answer.
type PendingQuestion struct {
	ToolUseID string   `json:"toolUseId"`
	Questions []string `json:"questions"`
	AskedAt   string   `json:"askedAt"`
}

// ProcessingState is the tagged union describing what a session is
// doing right now.
type ProcessingState struct {
	Status             Status           `json:"status"`
	MessageID          string           `json:"messageId,omitempty"`
	Phase              Phase            `json:"phase,omitempty"`
	StreamingStartedAt string           `json:"streamingStartedAt,omitempty"`
	PendingQuestion    *PendingQuestion `json:"pendingQuestion,omitempty"`
	Error              string           `json:"error,omitempty"`
}

// Idle is the initial state.
func Idle() ProcessingState {
	return ProcessingState{Status: StatusIdle}
}

// Queued marks a message accepted while another is in flight.
func Queued(messageID string) ProcessingState {
	return ProcessingState{Status: StatusQueued, MessageID: messageID}
}

// Processing enters the given phase for a message.
func Processing(messageID string, phase Phase) ProcessingState {
	return ProcessingState{Status: StatusProcessing, MessageID: messageID, Phase: phase}
}

// WaitingForInput parks the session on a tool permission prompt.
func WaitingForInput(q PendingQuestion) ProcessingState {
	if q.AskedAt == "" {
		q.AskedAt = timefmt.Format(time.Now())
	}
	return ProcessingState{Status: StatusWaitingForInput, PendingQuestion: &q}
}

// Interrupted is the state after a client interrupt.
func Interrupted() ProcessingState {
	return ProcessingState{Status: StatusInterrupted}
}

// IsTerminal reports whether the session is at a legal resting point,
// meaning it is not actively producing output. Bridges forward worker
// and manager output only on terminal states.
func (s ProcessingState) IsTerminal() bool {
	switch s.Status {
	case StatusIdle, StatusWaitingForInput, StatusInterrupted:
		return true
	}
	return false
}
