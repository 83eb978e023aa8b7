package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/makt28/plugwatch/internal/monitor"
)

var startTime = time.Now()

const version = "0.2.0"

// ReportSource exposes the outcome of the most recent cycle.
type ReportSource interface {
	LastReport() *monitor.Report
}

// HealthHandler serves the /healthz endpoint.
type HealthHandler struct {
	reports ReportSource
}

func NewHealthHandler(reports ReportSource) *HealthHandler {
	return &HealthHandler{reports: reports}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":         "ok",
		"version":        version,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	}
	if rep := h.reports.LastReport(); rep != nil {
		resp["last_cycle"] = rep
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
