package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"

	"github.com/fsseer/battle-sub000/internal/cache"
	"github.com/fsseer/battle-sub000/internal/metrics"
	"github.com/fsseer/battle-sub000/internal/push"
)

func newRouterExpect(t *testing.T) (*httpexpect.Expect, *push.Orchestrator) {
	t.Helper()
	store := cache.New(cache.Options{MaxEntries: 50, CleanupInterval: time.Hour})
	t.Cleanup(store.Close)
	orch := push.New(push.Options{
		FlushInterval: 10 * time.Millisecond,
		Strategies: map[string]push.Strategy{
			"battle": {Mode: push.ModeRealtime, Urgency: push.UrgencyCritical},
		},
	})
	t.Cleanup(orch.Close)

	handler := NewRouter(RouterOptions{
		Orchestrator: orch,
		Cache:        store,
		Metrics:      metrics.NewRecorder(nil),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
	})
	return expect, orch
}

func TestRouterHealthz(t *testing.T) {
	expect, _ := newRouterExpect(t)
	expect.GET("/healthz").
		Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestRouterStatsSnapshot(t *testing.T) {
	expect, orch := newRouterExpect(t)
	orch.Subscribe("c1", "battle", "b1")

	resp := expect.GET("/stats").
		Expect().
		Status(http.StatusOK).
		JSON().Object()

	sync := resp.Value("sync").Object()
	sync.HasValue("totalSubscriptions", 1)
	sync.Value("perEntityType").Object().HasValue("battle", 1)
	sync.Value("perStrategy").Object().HasValue("realtime", 1)

	resp.Value("cache").Object().HasValue("capacity", 50)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	expect, _ := newRouterExpect(t)
	expect.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body().Contains("battlesub_")
}

func TestRouterStrategyAdminUpdatesLiveTable(t *testing.T) {
	expect, orch := newRouterExpect(t)
	orch.Subscribe("c1", "battle", "b1")

	expect.PUT("/admin/strategies/battle").
		WithJSON(map[string]any{"mode": "event_driven", "urgency": "high", "batchSize": 2}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("entity", "battle").
		HasValue("mode", "event_driven")

	expect.GET("/stats").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("sync").Object().
		Value("perStrategy").Object().
		HasValue("event_driven", 1)
}

func TestRouterStrategyAdminRejectsBadDocuments(t *testing.T) {
	expect, _ := newRouterExpect(t)

	expect.PUT("/admin/strategies/battle").
		WithJSON(map[string]any{"mode": "broadcast"}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().ContainsKey("error")

	expect.PUT("/admin/strategies/battle").
		WithJSON(map[string]any{"mode": "polling"}).
		Expect().
		Status(http.StatusBadRequest)

	expect.PUT("/admin/strategies/battle").
		WithBytes([]byte("{not json")).
		WithHeader("Content-Type", "application/json").
		Expect().
		Status(http.StatusBadRequest)
}
