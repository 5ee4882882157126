package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/models"
	"github.com/tokenwatch/monitor/internal/utils"
)

// Handler returns the net/http.Handler exposing the Integration layer's
// read API, built with a bare http.ServeMux in the same style as
// cmd/pulse/metrics_server.go rather than a third-party router — no
// routing library appears anywhere in the example pack. Returning the
// concrete *http.ServeMux lets the caller mount additional routes (the
// websocket hub's /ws) onto the same listener before serving it.
func (m *Monitor) Handler() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/monitoring", m.handleMonitoringData)
	mux.HandleFunc("/api/tui", m.handleTUIData)
	mux.HandleFunc("/api/health", m.handleSystemHealth)
	mux.HandleFunc("/api/providers", m.handleProviderUsage)
	mux.HandleFunc("/api/enforcement", m.handleEnforcementStatus)
	mux.HandleFunc("/api/detections", m.handleDetectionEvents)
	return mux
}

func (m *Monitor) handleMonitoringData(w http.ResponseWriter, r *http.Request) {
	data, err := m.getMonitoringData()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := utils.WriteJSONResponse(w, data); err != nil {
		log.Warn().Err(err).Msg("api: failed to write monitoring data response")
	}
}

func (m *Monitor) handleTUIData(w http.ResponseWriter, r *http.Request) {
	data, err := m.getTUIData()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := utils.WriteJSONResponse(w, data); err != nil {
		log.Warn().Err(err).Msg("api: failed to write TUI data response")
	}
}

func (m *Monitor) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := m.health.Snapshot(time.Now())
	if err := utils.WriteJSONResponse(w, health); err != nil {
		log.Warn().Err(err).Msg("api: failed to write health response")
	}
}

func (m *Monitor) handleProviderUsage(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteJSONResponse(w, m.accountant.GetProviderUsage()); err != nil {
		log.Warn().Err(err).Msg("api: failed to write provider usage response")
	}
}

func (m *Monitor) handleEnforcementStatus(w http.ResponseWriter, r *http.Request) {
	usage, status := m.enforcer.GetCurrentStatus()
	if err := utils.WriteJSONResponse(w, struct {
		Components []models.ComponentUsage `json:"components"`
		System     models.SystemStatus     `json:"system"`
	}{usage, status}); err != nil {
		log.Warn().Err(err).Msg("api: failed to write enforcement status response")
	}
}

// handleDetectionEvents returns recent detection events, optionally
// filtered to the trailing ?minutes=N window (default: all retained
// events).
func (m *Monitor) handleDetectionEvents(w http.ResponseWriter, r *http.Request) {
	events := m.detector.RecentEvents()

	if raw := r.URL.Query().Get("minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			http.Error(w, "invalid minutes parameter", http.StatusBadRequest)
			return
		}
		cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
		filtered := make([]models.DetectionEvent, 0, len(events))
		for _, ev := range events {
			if ev.Timestamp.After(cutoff) {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}

	if err := utils.WriteJSONResponse(w, events); err != nil {
		log.Warn().Err(err).Msg("api: failed to write detection events response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
