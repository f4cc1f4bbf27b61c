package query

import (
	"context"
	"sync"
)

// FakeQuery is an in-memory Query for tests. Emit pushes records into
// the stream; control calls are recorded for assertion.
type FakeQuery struct {
	mu sync.Mutex

	msgs   chan Message
	closed bool

	ready bool

	SetModelCalls  []string
	InterruptCalls int
	SendCalls      []string

	RewindCalls  []FakeRewindCall
	RewindResult *RewindResult
	RewindErr    error

	SetModelErr  error
	InterruptErr error
	SendErr      error
}

// FakeRewindCall records one RewindFiles invocation.
type FakeRewindCall struct {
	CheckpointID string
	DryRun       bool
}

// NewFakeQuery returns a ready fake whose rewinds succeed by default.
func NewFakeQuery() *FakeQuery {
	return &FakeQuery{
		msgs:         make(chan Message, 64),
		ready:        true,
		RewindResult: &RewindResult{CanRewind: true},
	}
}

// Emit pushes a record into the stream. No-op after Close.
func (q *FakeQuery) Emit(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.msgs <- m
}

// SetReady controls the handshake flag.
func (q *FakeQuery) SetReady(ready bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = ready
}

func (q *FakeQuery) Messages() <-chan Message { return q.msgs }

func (q *FakeQuery) Send(_ context.Context, content string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SendErr != nil {
		return q.SendErr
	}
	q.SendCalls = append(q.SendCalls, content)
	return nil
}

func (q *FakeQuery) SetModel(_ context.Context, model string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SetModelErr != nil {
		return q.SetModelErr
	}
	q.SetModelCalls = append(q.SetModelCalls, model)
	return nil
}

func (q *FakeQuery) Interrupt(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.InterruptErr != nil {
		return q.InterruptErr
	}
	q.InterruptCalls++
	return nil
}

func (q *FakeQuery) RewindFiles(_ context.Context, checkpointID string, dryRun bool) (*RewindResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.RewindCalls = append(q.RewindCalls, FakeRewindCall{CheckpointID: checkpointID, DryRun: dryRun})
	if q.RewindErr != nil {
		return nil, q.RewindErr
	}
	r := *q.RewindResult
	return &r, nil
}

func (q *FakeQuery) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

func (q *FakeQuery) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.msgs)
	}
	return nil
}

// Closed reports whether Close was called.
func (q *FakeQuery) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// FakeTransport hands out FakeQuery instances and records the options
// each start received.
type FakeTransport struct {
	mu sync.Mutex

	StartErr error
	Queries  []*FakeQuery
	Starts   []*Options

	// NextQuery, when set, is returned by the next Start instead of a
	// fresh fake.
	NextQuery *FakeQuery
}

// NewFakeTransport returns an empty transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

func (t *FakeTransport) Start(_ context.Context, opts *Options) (Query, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartErr != nil {
		return nil, t.StartErr
	}
	q := t.NextQuery
	t.NextQuery = nil
	if q == nil {
		q = NewFakeQuery()
	}
	t.Queries = append(t.Queries, q)
	t.Starts = append(t.Starts, opts.Clone())
	return q, nil
}

// StartCount returns how many queries were started.
func (t *FakeTransport) StartCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Starts)
}

// LastStart returns the options of the most recent start, or nil.
func (t *FakeTransport) LastStart() *Options {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Starts) == 0 {
		return nil
	}
	return t.Starts[len(t.Starts)-1]
}

// LastQuery returns the most recently started fake, or nil.
func (t *FakeTransport) LastQuery() *FakeQuery {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Queries) == 0 {
		return nil
	}
	return t.Queries[len(t.Queries)-1]
}
