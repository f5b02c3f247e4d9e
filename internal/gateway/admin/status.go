package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/registry"
)

const readyTimeout = 2 * time.Second

type statusResponse struct {
	Version       string                              `json:"version"`
	TotalAccounts int                                 `json:"total_accounts"`
	Paid          int                                 `json:"paid"`
	OptedOut      int                                 `json:"opted_out"`
	ByStatus      map[registry.SubscriptionStatus]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity (readiness probe).
func HandleReadyz(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "text/plain")
		if err := reg.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate account status.
func HandleStatus(reg *registry.Registry, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reg == nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		summary, err := reg.Summary(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Keep gauges fresh between refresher ticks.
		for status, c := range summary.ByStatus {
			gwmetrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(c))
		}

		writeJSON(w, http.StatusOK, statusResponse{
			Version:       version,
			TotalAccounts: summary.Total,
			Paid:          summary.Paid,
			OptedOut:      summary.OptedOut,
			ByStatus:      summary.ByStatus,
		})
	}
}
