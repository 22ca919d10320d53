package spark

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthResponse struct {
	Ready           bool   `json:"ready"`
	State           State  `json:"state,omitempty"`
	AliveWorkers    int    `json:"alive_workers"`
	ExpectedWorkers int    `json:"expected_workers"`
	LastSuccess     string `json:"last_success,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

// NewHealthRouter exposes liveness, readiness and metrics for the agent.
func NewHealthRouter(svc *Service, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		h := svc.Health()
		resp := healthResponse{
			Ready:           h.Ready,
			State:           h.State,
			AliveWorkers:    h.AliveWorkers,
			ExpectedWorkers: h.ExpectedWorkers,
		}
		if !h.LastSuccess.IsZero() {
			resp.LastSuccess = h.LastSuccess.UTC().Format(time.RFC3339)
		}
		if h.LastError != nil {
			resp.LastError = h.LastError.Error()
		}

		code := http.StatusOK
		if !h.Ready {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
