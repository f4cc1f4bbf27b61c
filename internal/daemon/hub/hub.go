// Package hub is the process-local routing fabric: request/reply with
// exactly one handler per method, plus publish/subscribe channels with
// per-channel ordering and monotonic delta versions.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaihq/kai/internal/metrics"
	"github.com/kaihq/kai/internal/util/timefmt"
)

// ErrMethodNotFound is returned by Request when no handler is
// registered for the method.
var ErrMethodNotFound = fmt.Errorf("method not found")

// GlobalChannel is the channel every client may join for daemon-wide
// events.
const GlobalChannel = "global"

// SessionChannel returns the channel name for a session.
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// RoomChannel returns the channel name for a room.
func RoomChannel(roomID string) string {
	return "room:" + roomID
}

// HandlerFunc handles one request method. Payloads cross the hub as
// JSON so in-process and websocket callers look identical to handlers.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Event is a message published on a channel.
type Event struct {
	Topic     string `json:"topic"`
	Channel   string `json:"channel"`
	Data      any    `json:"data"`
	Version   int64  `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Subscription receives the events of every channel its connection has
// joined, in publish order per channel.
type Subscription struct {
	connID string
	ch     chan Event
}

// C returns the channel that receives events.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

type channelState struct {
	version int64
	subs    map[*Subscription]struct{}
}

// Hub routes requests and fans out channel events.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	channels map[string]*channelState
	conns    map[string]*Subscription
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		handlers: make(map[string]HandlerFunc),
		channels: make(map[string]*channelState),
		conns:    make(map[string]*Subscription),
	}
}

// OnRequest registers the handler for a method. Registering a method
// twice replaces the previous handler; exactly one handler serves each
// method at any time.
func (h *Hub) OnRequest(method string, handler HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[method] = handler
}

// Request delivers data to the registered handler and returns its
// reply. Fails with ErrMethodNotFound when the method is unregistered.
func (h *Hub) Request(ctx context.Context, method string, data any) (any, error) {
	h.mu.RLock()
	handler, ok := h.handlers[method]
	h.mu.RUnlock()
	if !ok {
		metrics.HubRequestsTotal.WithLabelValues(method, "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	reply, err := handler(ctx, raw)
	if err != nil {
		metrics.HubRequestsTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}
	metrics.HubRequestsTotal.WithLabelValues(method, "ok").Inc()
	return reply, nil
}

// Connect registers a connection identity and returns its subscription.
// Connecting an already-connected id replaces the old subscription.
func (h *Hub) Connect(connID string) *Subscription {
	sub := &Subscription{connID: connID, ch: make(chan Event, 256)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.conns[connID]; ok {
		h.removeSubLocked(old)
	}
	h.conns[connID] = sub
	return sub
}

// Disconnect drops a connection and leaves all its channels. The hub
// retains no per-client queue; on reconnect clients re-join and refresh
// via snapshot channels.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.conns[connID]; ok {
		h.removeSubLocked(sub)
		delete(h.conns, connID)
	}
}

func (h *Hub) removeSubLocked(sub *Subscription) {
	for name, ch := range h.channels {
		if _, ok := ch.subs[sub]; ok {
			delete(ch.subs, sub)
			metrics.HubSubscribers.Dec()
			if len(ch.subs) == 0 && ch.version == 0 {
				delete(h.channels, name)
			}
		}
	}
}

// JoinChannel subscribes a connection to a channel. Joining twice is a
// no-op.
func (h *Hub) JoinChannel(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("unknown connection: %s", connID)
	}
	ch := h.channelLocked(channel)
	if _, ok := ch.subs[sub]; !ok {
		ch.subs[sub] = struct{}{}
		metrics.HubSubscribers.Inc()
	}
	return nil
}

// LeaveChannel unsubscribes a connection from a channel. Safe to call
// when not joined.
func (h *Hub) LeaveChannel(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.conns[connID]
	if !ok {
		return
	}
	if ch, ok := h.channels[channel]; ok {
		if _, joined := ch.subs[sub]; joined {
			delete(ch.subs, sub)
			metrics.HubSubscribers.Dec()
		}
	}
}

func (h *Hub) channelLocked(name string) *channelState {
	ch, ok := h.channels[name]
	if !ok {
		ch = &channelState{subs: make(map[*Subscription]struct{})}
		h.channels[name] = ch
	}
	return ch
}

// Publish delivers an event to every subscriber of the session's
// channel (or the global channel when sessionID is empty) and returns
// the assigned per-channel version. Publish never fails visibly to the
// publisher; slow subscribers are skipped and reconcile via snapshots.
func (h *Hub) Publish(topic string, data any, sessionID string) int64 {
	channel := GlobalChannel
	if sessionID != "" {
		channel = SessionChannel(sessionID)
	}
	return h.publish(topic, channel, data)
}

// Event broadcasts on the global channel.
func (h *Hub) Event(topic string, data any) int64 {
	return h.publish(topic, GlobalChannel, data)
}

// PublishTo broadcasts on an explicit channel, for channels that are
// not session-scoped (room channels).
func (h *Hub) PublishTo(topic, channel string, data any) int64 {
	return h.publish(topic, channel, data)
}

func (h *Hub) publish(topic, channel string, data any) int64 {
	h.mu.Lock()
	ch := h.channelLocked(channel)
	ch.version++
	ev := Event{
		Topic:     topic,
		Channel:   channel,
		Data:      data,
		Version:   ch.version,
		Timestamp: timefmt.Format(time.Now()),
	}
	// Deliver under the lock so per-channel order is total; sends are
	// non-blocking so a stalled subscriber cannot wedge the hub.
	for sub := range ch.subs {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("hub subscriber buffer full, dropping event",
				"conn_id", sub.connID, "topic", topic, "channel", channel)
		}
	}
	h.mu.Unlock()

	metrics.HubEventsPublished.WithLabelValues(topic).Inc()
	return ev.Version
}

// ChannelVersion returns the current version of a channel (0 when
// nothing has been published).
func (h *Hub) ChannelVersion(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ch, ok := h.channels[channel]; ok {
		return ch.version
	}
	return 0
}

// Connected reports whether a connection id is registered.
func (h *Hub) Connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connID]
	return ok
}

// Decode unmarshals request data into a typed value. Handlers use it as
// their first statement.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode request: %w", err)
	}
	return v, nil
}
