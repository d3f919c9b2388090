package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fsseer/battle-sub000/internal/latency"
	"github.com/fsseer/battle-sub000/internal/push"
)

func newHubFixture(t *testing.T) (*Hub, *push.Orchestrator, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	t.Cleanup(hub.Close)
	orch := push.New(push.Options{
		Transport:     hub,
		FlushInterval: 10 * time.Millisecond,
		Strategies: map[string]push.Strategy{
			"battle": {Mode: push.ModeRealtime, Urgency: push.UrgencyCritical},
		},
	})
	t.Cleanup(orch.Close)
	hub.SetOrchestrator(orch)

	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(srv.Close)
	return hub, orch, srv
}

func dialChannel(t *testing.T, srv *httptest.Server, channelID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?channel=" + channelID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForSubscriptions(t *testing.T, orch *push.Orchestrator, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if orch.Stats().TotalSubscriptions == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscriptions never reached %d, have %d", want, orch.Stats().TotalSubscriptions)
}

func TestHubRoutesSubscribeFramesAndDelivers(t *testing.T) {
	_, orch, srv := newHubFixture(t)
	conn := dialChannel(t, srv, "c1")

	if err := conn.WriteJSON(clientFrame{Action: "subscribe", Entity: "battle", ID: "b1"}); err != nil {
		t.Fatalf("subscribe frame: %v", err)
	}
	waitForSubscriptions(t, orch, 1)

	orch.Publish("battle", "b1", push.EventUpdate, map[string]any{"hp": 42})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if frame.Kind != "envelope" || frame.Envelope == nil {
		t.Fatalf("expected envelope frame, got %#v", frame)
	}
	if frame.Envelope.Entity != "battle" || frame.Envelope.Data["hp"] != 42.0 {
		t.Fatalf("unexpected envelope: %#v", frame.Envelope)
	}

	if err := conn.WriteJSON(clientFrame{Action: "unsubscribe", Entity: "battle", ID: "b1"}); err != nil {
		t.Fatalf("unsubscribe frame: %v", err)
	}
	waitForSubscriptions(t, orch, 0)
}

func TestHubProbeCorrelatesPongBySeq(t *testing.T) {
	hub, _, srv := newHubFixture(t)
	conn := dialChannel(t, srv, "c1")

	type result struct {
		rtt time.Duration
		err error
	}
	results := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rtt, err := hub.Probe(ctx, "c1")
		results <- result{rtt: rtt, err: err}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ping serverFrame
	if err := conn.ReadJSON(&ping); err != nil {
		t.Fatalf("read ping: %v", err)
	}
	if ping.Kind != "ping" || ping.Seq == 0 {
		t.Fatalf("expected ping frame with seq, got %#v", ping)
	}
	if err := conn.WriteJSON(clientFrame{Action: "pong", Seq: ping.Seq}); err != nil {
		t.Fatalf("pong frame: %v", err)
	}

	res := <-results
	if res.err != nil {
		t.Fatalf("probe: %v", res.err)
	}
	if res.rtt <= 0 {
		t.Fatalf("expected positive round trip, got %v", res.rtt)
	}
}

func TestHubProbeTimesOutWithoutPong(t *testing.T) {
	hub, _, srv := newHubFixture(t)
	dialChannel(t, srv, "c1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := hub.Probe(ctx, "c1"); err == nil {
		t.Fatalf("expected probe to time out without a pong")
	}
}

func TestHubDeliverToUnknownChannelFails(t *testing.T) {
	hub, _, _ := newHubFixture(t)
	err := hub.Deliver(context.Background(), "nobody", push.Envelope{Type: push.EventUpdate})
	if err == nil {
		t.Fatalf("expected unknown channel to be reported")
	}
}

func TestHubDisconnectDestroysSubscriptions(t *testing.T) {
	_, orch, srv := newHubFixture(t)
	conn := dialChannel(t, srv, "c1")

	if err := conn.WriteJSON(clientFrame{Action: "subscribe", Entity: "battle", ID: "b1"}); err != nil {
		t.Fatalf("subscribe frame: %v", err)
	}
	waitForSubscriptions(t, orch, 1)

	_ = conn.Close()
	waitForSubscriptions(t, orch, 0)
}

func TestHubReconnectKeepsSuccessorSubscriptions(t *testing.T) {
	_, orch, srv := newHubFixture(t)

	first := dialChannel(t, srv, "c1")

	// Reconnecting the same channel replaces the first socket; its read loop
	// ends once the server closes it.
	second := dialChannel(t, srv, "c1")
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	if err := second.WriteJSON(clientFrame{Action: "subscribe", Entity: "battle", ID: "b1"}); err != nil {
		t.Fatalf("subscribe frame: %v", err)
	}
	waitForSubscriptions(t, orch, 1)

	// The replaced socket's teardown must not destroy what the live socket
	// just established.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if got := orch.Stats().TotalSubscriptions; got != 1 {
			t.Fatalf("stale teardown destroyed live subscriptions, have %d", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	orch.Publish("battle", "b1", push.EventUpdate, map[string]any{"hp": 7})
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame serverFrame
	if err := second.ReadJSON(&frame); err != nil {
		t.Fatalf("read envelope on successor: %v", err)
	}
	if frame.Kind != "envelope" {
		t.Fatalf("expected envelope on successor socket, got %#v", frame)
	}
}

func TestHubPushesTuningFrames(t *testing.T) {
	hub, _, srv := newHubFixture(t)
	conn := dialChannel(t, srv, "c1")

	hub.PushTuning("c1", latency.Tuning{
		UpdateInterval:    500 * time.Millisecond,
		BatchSize:         10,
		Compression:       latency.LevelHigh,
		PredictionEnabled: false,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read tuning frame: %v", err)
	}
	if frame.Kind != "tuning" || frame.Tuning == nil {
		t.Fatalf("expected tuning frame, got %#v", frame)
	}
	if frame.Tuning.UpdateInterval != 500*time.Millisecond || frame.Tuning.BatchSize != 10 {
		t.Fatalf("unexpected tuning payload: %#v", frame.Tuning)
	}
	if frame.Tuning.Compression != latency.LevelHigh || frame.Tuning.PredictionEnabled {
		t.Fatalf("unexpected tuning payload: %#v", frame.Tuning)
	}

	// A channel without a socket is skipped silently.
	hub.PushTuning("nobody", latency.Tuning{})
}

func TestHubRequiresChannelParameter(t *testing.T) {
	_, _, srv := newHubFixture(t)
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a channel, got %d", resp.StatusCode)
	}
}
