// Package gateway exposes the hub to websocket clients: requests are
// relayed to the RPC surface and channel events stream back as frames.
// It also serves the health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaihq/kai/internal/daemon/hub"
	"github.com/kaihq/kai/internal/daemon/id"
	"github.com/kaihq/kai/internal/logging"
	"github.com/kaihq/kai/internal/metrics"
)

// Subprotocol is the websocket subprotocol clients negotiate.
const Subprotocol = "kai.v1"

// clientFrame is what clients send: a request, or a channel join or
// leave.
type clientFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// serverFrame is what the gateway sends: responses and events.
type serverFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Topic     string `json:"topic,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Data      any    `json:"data,omitempty"`
	Version   int64  `json:"version,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server is the daemon's HTTP face.
type Server struct {
	h       *hub.Hub
	httpSrv *http.Server

	mu         sync.Mutex
	shutdownCh chan struct{}
}

// New builds a server listening on addr with /ws, /healthz and
// /metrics routes.
func New(h *hub.Hub, addr string) *Server {
	s := &Server{h: h, shutdownCh: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe blocks serving until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpSrv.Addr, err)
	}
	slog.Info("gateway listening", "addr", ln.Addr().String())
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown refuses new websocket connections and drains the HTTP
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
	s.mu.Unlock()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdownCh:
		http.Error(w, "daemon is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		slog.Debug("gateway: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	connID := "ws:" + id.Generate()
	sub := s.h.Connect(connID)
	defer s.h.Disconnect(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// One writer goroutine owns the socket's outbound side; responses
	// and channel events are funneled through it.
	out := make(chan serverFrame, 256)
	var writers sync.WaitGroup
	writers.Add(2)
	go func() {
		defer writers.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-out:
				data, err := json.Marshal(f)
				if err != nil {
					slog.Error("gateway: marshal frame", "conn_id", connID, "error", err)
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
				metrics.WSMessagesTotal.Inc()
			}
		}
	}()
	go func() {
		defer writers.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C():
				select {
				case out <- serverFrame{
					Type:      "event",
					Topic:     ev.Topic,
					Channel:   ev.Channel,
					Data:      ev.Data,
					Version:   ev.Version,
					Timestamp: ev.Timestamp,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	defer writers.Wait()
	defer cancel()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusUnsupportedData, "expected text frames")
			return
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendResponse(ctx, out, serverFrame{Type: "response", Error: "invalid frame"})
			continue
		}
		switch f.Type {
		case "request":
			// Handled off the read loop so a slow method cannot stall
			// joins and other requests on the same socket.
			go func(f clientFrame) {
				resp := serverFrame{Type: "response", ID: f.ID}
				reply, err := s.h.Request(ctx, f.Method, f.Data)
				if err != nil {
					resp.Error = err.Error()
				} else {
					resp.Data = reply
				}
				s.sendResponse(ctx, out, resp)
			}(f)
		case "join":
			if err := s.h.JoinChannel(connID, f.Channel); err != nil {
				s.sendResponse(ctx, out, serverFrame{Type: "response", ID: f.ID, Error: err.Error()})
				continue
			}
			if f.ID != "" {
				s.sendResponse(ctx, out, serverFrame{Type: "response", ID: f.ID,
					Data: map[string]any{"joined": f.Channel}})
			}
		case "leave":
			s.h.LeaveChannel(connID, f.Channel)
			if f.ID != "" {
				s.sendResponse(ctx, out, serverFrame{Type: "response", ID: f.ID,
					Data: map[string]any{"left": f.Channel}})
			}
		default:
			s.sendResponse(ctx, out, serverFrame{Type: "response", ID: f.ID,
				Error: fmt.Sprintf("unknown frame type: %s", f.Type)})
		}
	}
}

func (s *Server) sendResponse(ctx context.Context, out chan<- serverFrame, f serverFrame) {
	select {
	case out <- f:
	case <-ctx.Done():
	}
}
