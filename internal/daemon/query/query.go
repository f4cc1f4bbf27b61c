// Package query defines the contract between an agent session and the
// external agent transport: the option set sent on start, the message
// stream read back, and the control calls available while a query runs.
package query

import (
	"context"

	"github.com/kaihq/kai/internal/daemon/db"
)

// Message is one record read from a running query's stream.
type Message struct {
	Type            db.SDKMessageType `json:"type"`
	UUID            string            `json:"uuid"`
	SDKSessionID    string            `json:"sessionId,omitempty"`
	ParentToolUseID string            `json:"parentToolUseId,omitempty"`
	Content         []byte            `json:"content,omitempty"`
	Stream          *StreamEvent      `json:"streamEvent,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// StreamEvent carries the incremental-output details of a stream_event
// record.
type StreamEvent struct {
	Kind      string `json:"kind"`
	BlockType string `json:"blockType,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Stream-event kinds and block types the processing-state machine
// reacts to.
const (
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"

	BlockThinking = "thinking"
	BlockText     = "text"
)

// RewindResult reports what a file rewind did, or would do under
// dryRun.
type RewindResult struct {
	CanRewind    bool   `json:"canRewind"`
	FilesChanged int    `json:"filesChanged,omitempty"`
	Insertions   int    `json:"insertions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Query is one in-flight conversation with the transport. An agent
// session owns at most one at a time and is its only caller.
type Query interface {
	// Messages is the stream of records produced by the transport. It
	// closes when the query ends. A query's stream is never re-read;
	// restart means a fresh Query.
	Messages() <-chan Message

	// Send delivers a user message into the running query.
	Send(ctx context.Context, content string) error

	// SetModel switches the model without restarting the query.
	SetModel(ctx context.Context, model string) error

	// Interrupt asks the transport to stop producing output. It does
	// not wait for the stream to drain.
	Interrupt(ctx context.Context) error

	// RewindFiles restores the workspace to a checkpoint. With dryRun
	// the transport reports what would change without touching files.
	RewindFiles(ctx context.Context, checkpointID string, dryRun bool) (*RewindResult, error)

	// Ready reports whether the transport handshake has completed.
	Ready() bool

	// Close tears the query down. Safe to call more than once.
	Close() error
}

// Transport creates queries. The daemon treats it as opaque; tests
// substitute a fake.
type Transport interface {
	Start(ctx context.Context, opts *Options) (Query, error)
}
