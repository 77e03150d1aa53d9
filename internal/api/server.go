package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/crossrequest/internal/metrics"
	"github.com/shehryarbajwa/crossrequest/internal/proxy"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/config", h.GetConfig).Methods("GET")
	api.HandleFunc("/config", h.UpdateConfig).Methods("PUT", "OPTIONS")
	api.HandleFunc("/rules", h.ListRules).Methods("GET")

	// Relay endpoint for page bridges
	api.HandleFunc("/bridge", proxyServer.HandleBridge).Methods("GET")

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods("GET")
	}

	r.Use(accessLog(h.log))
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
