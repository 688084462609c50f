package handler

import (
	"net/http"

	"roadwatch-sync-server/internal/middleware"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type RouterConfig struct {
	JWTSecret string
	CORS      middleware.CORSOptions
}

// NewRouter mounts the control surface, the event stream and the metrics
// endpoint.
func NewRouter(cfg RouterConfig, sync *SyncHandler, ws *WebSocketHandler, metrics http.Handler, logger *zap.Logger) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(cfg.CORS))

	api := r.PathPrefix("/api/v1/sync").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	api.HandleFunc("/status", sync.GetStatus).Methods("GET", "OPTIONS")
	api.HandleFunc("/run", sync.RunOnce).Methods("POST", "OPTIONS")
	api.HandleFunc("/conflicts", sync.ListConflicts).Methods("GET", "OPTIONS")
	api.HandleFunc("/conflicts/{id}", sync.GetConflict).Methods("GET", "OPTIONS")
	api.HandleFunc("/conflicts/{id}/resolve", sync.ResolveConflict).Methods("POST", "OPTIONS")
	api.HandleFunc("/autosync", sync.GetAutoSync).Methods("GET", "OPTIONS")
	api.HandleFunc("/autosync", sync.PatchAutoSync).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/autosync/enabled", sync.SetAutoSyncEnabled).Methods("PUT", "OPTIONS")
	api.HandleFunc("/statistics", sync.GetStatistics).Methods("GET", "OPTIONS")
	api.HandleFunc("/health", sync.GetHealth).Methods("GET", "OPTIONS")
	api.HandleFunc("/logs", sync.GetLogs).Methods("GET", "OPTIONS")
	api.HandleFunc("/logs", sync.CleanupLogs).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/logs/export", sync.ExportLogs).Methods("GET", "OPTIONS")
	api.HandleFunc("/reset", sync.Reset).Methods("POST", "OPTIONS")

	if ws != nil {
		r.HandleFunc("/ws/sync", ws.HandleConnection)
	}
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}
	r.HandleFunc("/health", sync.Liveness).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	return r
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"RoadWatch Sync Server API","version":"1.0.0","endpoints":{"/api/v1/sync/status":"GET (protected)","/api/v1/sync/run":"POST (protected)","/ws/sync":"websocket","/metrics":"GET","/health":"GET"}}`))
}
