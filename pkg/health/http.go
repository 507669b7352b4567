package health

import (
	"encoding/json"
	"net/http"
)

// componentReport is the detail-endpoint's per-probe JSON shape, grounded
// on original_source/src/core/health.py's ComponentHealth.to_dict.
type componentReport struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Severity  string `json:"severity"`
	LastError string `json:"last_error,omitempty"`
}

type detailReport struct {
	Status        string            `json:"status"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Components    []componentReport `json:"components"`
}

// Handler returns an http.Handler serving the three control-surface
// endpoints spec §4.11 names: GET /health (liveness), GET /ready
// (readiness gate), GET /health/detail (full report).
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	m.RegisterOnMux(mux)
	return mux
}

// RegisterOnMux attaches the health endpoints to a caller-owned mux, the
// same shape the teacher's pkg/channels/manager.go SetupHTTPServer expects
// from its health server (sharing one HTTP listener with webhook/channel
// health endpoints rather than opening a second port).
func (m *Manager) RegisterOnMux(mux *http.ServeMux) {
	mux.HandleFunc("/health", m.handleLiveness)
	mux.HandleFunc("/ready", m.handleReadiness)
	mux.HandleFunc("/health/detail", m.handleDetail)
}

func (m *Manager) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Manager) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !m.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (m *Manager) handleDetail(w http.ResponseWriter, r *http.Request) {
	report := m.Report()
	components := make([]componentReport, len(report))
	for i, p := range report {
		cr := componentReport{Name: p.Name, Status: p.Status.String(), Severity: string(p.Severity)}
		if p.LastErr != nil {
			cr.LastError = p.LastErr.Error()
		}
		components[i] = cr
	}

	overall := m.OverallStatus()
	body := detailReport{
		Status:        overall.String(),
		UptimeSeconds: m.Uptime().Seconds(),
		Components:    components,
	}

	status := http.StatusOK
	if overall == Unhealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
