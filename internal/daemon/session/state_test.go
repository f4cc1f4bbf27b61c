package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessingState_Constructors(t *testing.T) {
	assert.Equal(t, StatusIdle, Idle().Status)

	q := Queued("m-1")
	assert.Equal(t, StatusQueued, q.Status)
	assert.Equal(t, "m-1", q.MessageID)

	p := Processing("m-1", PhaseThinking)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, PhaseThinking, p.Phase)

	w := WaitingForInput(PendingQuestion{ToolUseID: "t-1", Questions: []string{"ok?"}})
	assert.Equal(t, StatusWaitingForInput, w.Status)
	assert.NotEmpty(t, w.PendingQuestion.AskedAt)

	assert.Equal(t, StatusInterrupted, Interrupted().Status)
}

func TestProcessingState_Terminality(t *testing.T) {
	assert.True(t, Idle().IsTerminal())
	assert.True(t, Interrupted().IsTerminal())
	assert.True(t, WaitingForInput(PendingQuestion{}).IsTerminal())

	assert.False(t, Queued("m").IsTerminal())
	for _, phase := range []Phase{PhaseInitializing, PhaseThinking, PhaseStreaming, PhaseFinalizing} {
		assert.False(t, Processing("m", phase).IsTerminal(), phase)
	}
}

func TestValidThinkingLevel(t *testing.T) {
	assert.Equal(t, "high", ValidThinkingLevel("high"))
	assert.Equal(t, "auto", ValidThinkingLevel("auto"))
	assert.Equal(t, "auto", ValidThinkingLevel("ultrathink"))
	assert.Equal(t, "auto", ValidThinkingLevel(""))
}
