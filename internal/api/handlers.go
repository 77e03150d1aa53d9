package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/crossrequest/internal/cors"
	"github.com/shehryarbajwa/crossrequest/internal/settings"
	"github.com/shehryarbajwa/crossrequest/pkg/models"
)

// Settings is the configuration store behind /v1/config
type Settings interface {
	Get() models.Config
	Update(ctx context.Context, patch models.ConfigPatch) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	settings Settings
	rules    *cors.RuleSet
	log      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(s Settings, rules *cors.RuleSet, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		settings: s,
		rules:    rules,
		log:      log,
	}
}

type updateResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// GetConfig handles GET /v1/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Get())
}

// UpdateConfig handles PUT /v1/config
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, updateResult{Error: "invalid request body: " + err.Error()})
		return
	}

	if err := h.settings.Update(r.Context(), patch); err != nil {
		status := http.StatusInternalServerError
		var verr *settings.ValidationError
		if errors.As(err, &verr) {
			status = http.StatusBadRequest
		} else {
			h.log.Error("config update failed", zap.Error(err))
		}
		writeJSON(w, status, updateResult{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, updateResult{Success: true})
}

// ListRules handles GET /v1/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.rules.List()
	if rules == nil {
		rules = []cors.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
