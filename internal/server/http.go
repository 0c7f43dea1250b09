package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/koopa0/battleship-arena/internal/coordinator"
	"github.com/koopa0/battleship-arena/internal/store"
)

// API 唯讀 HTTP 端點（健康檢查與監控）
type API struct {
	hub    *Hub
	coord  *coordinator.Service
	store  *store.Adapter // nil = 單機模式
	logger *slog.Logger
}

// NewAPI 建立 HTTP 端點
func NewAPI(hub *Hub, coord *coordinator.Service, st *store.Adapter, logger *slog.Logger) *API {
	return &API{hub: hub, coord: coord, store: st, logger: logger}
}

// Routes 註冊路由
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.HandleFunc("GET /metrics", a.handleMetrics)
	mux.HandleFunc("GET /ws", a.hub.ServeWS)
	return mux
}

// handleHealth 存活探針
func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady 就緒探針：分散式模式下額外檢查共享儲存可達性
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			a.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleMetrics 監控計數（JSON，唯讀視圖）。
// 分散式模式下補上全叢集排隊人數；共享儲存不可達時略過該欄位。
func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := a.coord.Stats()
	stats["connections"] = a.hub.Count()

	if a.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if n, err := a.store.CountQueued(ctx); err == nil {
			stats["queue_cluster"] = n
		} else {
			a.logger.Warn("cluster queue count failed", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		a.logger.Error("metrics encode failed", "error", err)
	}
}
