package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/pkg"
)

// HTTP paths served by NewRouter.
const (
	MetricsPath = "/metrics"
	StatusPath  = "/status"
	HealthPath  = "/healthz"
)

// Report is the body of the status endpoint.
type Report struct {
	Attached bool           `json:"attached"`
	Device   string         `json:"device,omitempty"`
	Session  *engine.Status `json:"session,omitempty"`
}

// StatusFunc returns the daemon's current report.
type StatusFunc func() Report

// NewRouter serves gatherer's metrics, the status report and a health
// check. The health check fails while no device is attached or the
// attached session has faulted or lost its device.
func NewRouter(gatherer prometheus.Gatherer, status StatusFunc) *mux.Router {
	router := mux.NewRouter()
	router.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc(StatusPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status()); err != nil {
			pkg.LogWarn(pkg.ComponentDaemon, "encoding status", "error", err)
		}
	}).Methods(http.MethodGet)
	router.HandleFunc(HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		code, body := http.StatusOK, "ok\n"
		switch r := status(); {
		case !r.Attached:
			code, body = http.StatusServiceUnavailable, "no device\n"
		case r.Session != nil && r.Session.State == engine.StateFaulted.String():
			code, body = http.StatusServiceUnavailable, "faulted\n"
		case r.Session != nil && r.Session.State == engine.StateDisconnected.String():
			code, body = http.StatusServiceUnavailable, "disconnected\n"
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}).Methods(http.MethodGet)
	return router
}
