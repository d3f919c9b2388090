package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fsseer/battle-sub000/internal/cache"
	"github.com/fsseer/battle-sub000/internal/config"
	"github.com/fsseer/battle-sub000/internal/metrics"
	"github.com/fsseer/battle-sub000/internal/push"
)

// RouterOptions collects the engine surfaces the router exposes.
type RouterOptions struct {
	Logger       *slog.Logger
	Hub          *Hub
	Orchestrator *push.Orchestrator
	Cache        *cache.Store
	Metrics      *metrics.Recorder
}

// statsResponse is the introspection snapshot served on /stats.
type statsResponse struct {
	Sync  push.Stats  `json:"sync"`
	Cache cache.Stats `json:"cache"`
}

// NewRouter assembles the HTTP surface: websocket attach, introspection,
// Prometheus metrics, and the live strategy admin operation.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("subsystem", "router"))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		resp := statsResponse{}
		if opts.Orchestrator != nil {
			resp.Sync = opts.Orchestrator.Stats()
		}
		if opts.Cache != nil {
			resp.Cache = opts.Cache.Stats()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.Handle("GET /metrics", opts.Metrics.Handler())

	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.Handle)
	}

	mux.HandleFunc("PUT /admin/strategies/{entity}", func(w http.ResponseWriter, r *http.Request) {
		entity := r.PathValue("entity")
		var body config.StrategyConfig
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed strategy document"})
			return
		}
		strat, err := push.StrategyFromConfig(body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := opts.Orchestrator.SetStrategy(entity, strat); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		logger.Info("strategy updated",
			slog.String("entity", entity),
			slog.String("mode", string(strat.Mode)))
		writeJSON(w, http.StatusOK, map[string]string{"entity": entity, "mode": string(strat.Mode)})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
