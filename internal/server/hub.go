package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fsseer/battle-sub000/internal/latency"
	"github.com/fsseer/battle-sub000/internal/push"
)

const (
	writeWait      = 5 * time.Second
	maxFrameLength = 1 << 16
)

// serverFrame is the wire shape of everything the hub sends.
type serverFrame struct {
	Kind     string          `json:"kind"`
	Seq      uint64          `json:"seq,omitempty"`
	Envelope *push.Envelope  `json:"envelope,omitempty"`
	Tuning   *latency.Tuning `json:"tuning,omitempty"`
}

// clientFrame is the wire shape of everything clients send.
type clientFrame struct {
	Action string `json:"action"`
	Entity string `json:"entity,omitempty"`
	ID     string `json:"id,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// write sends one frame guarded by the connection's mutex and write deadline.
func (c *wsConn) write(frame serverFrame) error {
	if c == nil || c.conn == nil {
		return errors.New("server: subscriber closed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

// Hub is the websocket connection layer: it upgrades clients onto named
// channels, forwards their subscribe/unsubscribe frames to the orchestrator,
// fans delivered envelopes out, and answers the latency adapter's echo probes
// with application-level ping/pong frames.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	conns   map[string]*wsConn
	probes  map[uint64]chan struct{}
	orch    *push.Orchestrator
	adapter *latency.Adapter

	probeSeq atomic.Uint64
}

// NewHub constructs a Hub. The orchestrator is attached separately because the
// transport is built before it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With(slog.String("subsystem", "hub")),
		conns:  make(map[string]*wsConn),
		probes: make(map[uint64]chan struct{}),
	}
}

// SetOrchestrator attaches the control-frame sink. Must be called before the
// hub starts serving.
func (h *Hub) SetOrchestrator(o *push.Orchestrator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orch = o
}

// SetAdapter attaches the latency adapter so disconnects release its state.
func (h *Hub) SetAdapter(a *latency.Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapter = a
}

// Deliver implements push.Transport. An unknown channel returns an error the
// orchestrator treats as a silent skip.
func (h *Hub) Deliver(_ context.Context, channelID string, env push.Envelope) error {
	h.mu.Lock()
	c := h.conns[channelID]
	h.mu.Unlock()
	if c == nil {
		return fmt.Errorf("server: channel %s gone", channelID)
	}
	return c.write(serverFrame{Kind: "envelope", Envelope: &env})
}

// Probe implements latency.Prober: it sends one echo frame and waits for the
// matching pong or the context deadline.
func (h *Hub) Probe(ctx context.Context, channelID string) (time.Duration, error) {
	h.mu.Lock()
	c := h.conns[channelID]
	h.mu.Unlock()
	if c == nil {
		return 0, fmt.Errorf("server: channel %s gone", channelID)
	}

	seq := h.probeSeq.Add(1)
	resolved := make(chan struct{}, 1)
	h.mu.Lock()
	h.probes[seq] = resolved
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.probes, seq)
		h.mu.Unlock()
	}()

	start := time.Now()
	if err := c.write(serverFrame{Kind: "ping", Seq: seq}); err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-resolved:
		return time.Since(start), nil
	}
}

// PushTuning advises a channel of its recomputed delivery tuning so the client
// can match its send rate and prediction behavior to the link. Channels with
// no live socket are skipped.
func (h *Hub) PushTuning(channelID string, t latency.Tuning) {
	h.mu.Lock()
	c := h.conns[channelID]
	h.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.write(serverFrame{Kind: "tuning", Tuning: &t}); err != nil {
		h.logger.Debug("tuning push failed", slog.String("channel", channelID), slog.Any("error", err))
	}
}

// Channels enumerates the live channel ids for the probe loop.
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.conns))
	for channelID := range h.conns {
		out = append(out, channelID)
	}
	return out
}

// Handle upgrades one client onto its channel and pumps its control frames
// until the socket closes, at which point every subscription the channel held
// is destroyed.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		http.Error(w, "channel query parameter required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", slog.Any("error", err))
		return
	}
	conn.SetReadLimit(maxFrameLength)

	c := &wsConn{conn: conn}
	h.mu.Lock()
	previous := h.conns[channelID]
	h.conns[channelID] = c
	h.mu.Unlock()
	if previous != nil {
		// A reconnecting channel replaces its old socket.
		_ = previous.conn.Close()
	}

	h.logger.Info("channel connected", slog.String("channel", channelID))
	h.readLoop(channelID, c)
}

func (h *Hub) readLoop(channelID string, c *wsConn) {
	defer h.drop(channelID, c)
	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("channel read ended", slog.String("channel", channelID), slog.Any("error", err))
			}
			return
		}
		switch frame.Action {
		case "subscribe":
			if h.orch != nil && frame.Entity != "" && frame.ID != "" {
				h.orch.Subscribe(channelID, frame.Entity, frame.ID)
			}
		case "unsubscribe":
			if h.orch != nil && frame.Entity != "" && frame.ID != "" {
				h.orch.Unsubscribe(channelID, frame.Entity, frame.ID)
			}
		case "pong":
			h.mu.Lock()
			resolved := h.probes[frame.Seq]
			h.mu.Unlock()
			if resolved != nil {
				select {
				case resolved <- struct{}{}:
				default:
				}
			}
		default:
			h.logger.Debug("ignoring unknown frame", slog.String("channel", channelID), slog.String("action", frame.Action))
		}
	}
}

// drop performs full cleanup for a disconnected channel: subscriptions,
// latency state, and the socket itself. A socket that was already replaced by
// a reconnect only closes itself; the channel's subscriptions and latency
// state now belong to its successor.
func (h *Hub) drop(channelID string, c *wsConn) {
	h.mu.Lock()
	replaced := h.conns[channelID] != c
	if !replaced {
		delete(h.conns, channelID)
	}
	orch := h.orch
	adapter := h.adapter
	h.mu.Unlock()

	_ = c.conn.Close()
	if replaced {
		return
	}
	if orch != nil {
		orch.Disconnect(channelID)
	}
	if adapter != nil {
		adapter.Forget(channelID)
	}
	h.logger.Info("channel disconnected", slog.String("channel", channelID))
}

// Close tears down every live socket.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}
