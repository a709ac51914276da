// Package metrics exposes Prometheus collectors for the MI and DAP sides of
// the bridge.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// miCommands counts MI commands written to gdb
	miCommands = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dapgdb_mi_commands_total",
			Help: "Total MI commands written to gdb",
		},
	)

	// miRecords counts classified MI output records by record type
	miRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dapgdb_mi_records_total",
			Help: "Total MI output records by record type",
		},
		[]string{"type"},
	)

	// miPending tracks registered MI response handlers
	miPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dapgdb_mi_pending_handlers",
			Help: "Number of MI response handlers waiting for their token",
		},
	)

	// miDropped counts handlers dropped because gdb exited
	miDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dapgdb_mi_dropped_handlers_total",
			Help: "Total MI response handlers dropped on gdb exit",
		},
	)

	// dapRequests counts DAP requests by command and outcome
	dapRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dapgdb_dap_requests_total",
			Help: "Total DAP requests by side, command and outcome",
		},
		[]string{"side", "command", "outcome"},
	)

	// sessionsActive tracks live debug sessions
	sessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dapgdb_sessions_active",
			Help: "Number of live debug sessions by kind",
		},
		[]string{"kind"},
	)
)

// DAP request sides.
const (
	SideClient = "client"
	SideServer = "server"
)

// DAP request outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeError        = "error"
	OutcomeNotSupported = "not_supported"
)

// Session kinds.
const (
	KindWire        = "wire"
	KindCoordinator = "coordinator"
)

// RecordMICommand increments the MI command counter
func RecordMICommand() {
	miCommands.Inc()
}

// RecordMIRecord counts one classified output record
func RecordMIRecord(recordType string) {
	miRecords.WithLabelValues(recordType).Inc()
}

// AddMIPending moves the pending handler gauge by delta
func AddMIPending(delta int) {
	miPending.Add(float64(delta))
}

// RecordMIDropped counts one dropped handler
func RecordMIDropped() {
	miDropped.Inc()
}

// RecordDAPRequest counts one DAP request
func RecordDAPRequest(side, command, outcome string) {
	dapRequests.WithLabelValues(side, command, outcome).Inc()
}

// SessionStarted and SessionEnded maintain the active sessions gauge.
func SessionStarted(kind string) {
	sessionsActive.WithLabelValues(kind).Inc()
}

func SessionEnded(kind string) {
	sessionsActive.WithLabelValues(kind).Dec()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log logr.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "address", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
