// Package metrics exposes Prometheus-format counters for the study
// protocol engine and a small HTTP server to scrape them from.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// Protocol counters. Incremented by the orchestrator; exported through
// the /metrics endpoint of the MetricsServer.
var (
	StudiesCreated     = metrics.NewCounter("mpstudy_studies_created_total")
	ParticipantsJoined = metrics.NewCounter("mpstudy_participants_joined_total")
	StudiesActivated   = metrics.NewCounter("mpstudy_studies_activated_total")
	DatasetsCommitted  = metrics.NewCounter("mpstudy_datasets_committed_total")
	JobsRequested      = metrics.NewCounter("mpstudy_jobs_requested_total")
	JobsCompleted      = metrics.NewCounter("mpstudy_jobs_completed_total")
	JobsRejected       = metrics.NewCounter("mpstudy_jobs_rejected_total")
	JobsFailed         = metrics.NewCounter("mpstudy_jobs_failed_total")
	LedgerAppends      = metrics.NewCounter("mpstudy_ledger_appends_total")
)

// MetricsServer serves the /metrics endpoint on its own listener so that
// scrapes never contend with protocol traffic.
type MetricsServer struct {
	name string
	srv  *http.Server
}

// New creates a metrics server for the given listen address. An empty
// address yields a server that is never started; callers check the
// configured address before calling ListenAndServe.
func New(name, addr string) (*MetricsServer, error) {
	if name == "" {
		return nil, fmt.Errorf("metrics server requires a name")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		name: name,
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving scrapes until Shutdown is called.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
