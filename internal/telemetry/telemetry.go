// Package telemetry wires the otel tracer and meter instruments shared by the
// transaction runner and the lease manager. It mirrors the package-level
// Tracer/Meter singleton pattern the teacher's dolt storage backend uses
// (doltTracer, doltMetrics in internal/storage/dolt/store.go), registered
// against the global otel providers so callers can install a real provider
// (e.g. an OTLP exporter) without the core depending on it directly.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/abetterinternet/janus-sub000/internal/datastore"

// Tracer is the shared OTel tracer for datastore-level spans.
var Tracer = otel.Tracer(instrumentationName)

// Metrics holds the instruments described in spec.md section 6, plus the
// lease-manager counter added as an ambient observability extension in the
// same style.
var Metrics = newMetrics()

type metrics struct {
	// Transactions counts transaction attempts, tagged with status and tx name.
	Transactions metric.Int64Counter
	// RollbackErrors counts rollback errors, tagged with SQL error code.
	RollbackErrors metric.Int64Counter
	// TransactionDuration is the duration histogram, tagged with tx name.
	TransactionDuration metric.Float64Histogram
	// LeasesAcquired counts leases handed out by acquire_incomplete_*, tagged
	// with entity kind.
	LeasesAcquired metric.Int64Counter
}

func newMetrics() *metrics {
	m := otel.Meter(instrumentationName)

	transactions, _ := m.Int64Counter("janus_database_transactions",
		metric.WithDescription("DAP aggregator datastore transaction attempts"),
		metric.WithUnit("{transaction}"),
	)
	rollbackErrors, _ := m.Int64Counter("janus_database_rollback_errors",
		metric.WithDescription("DAP aggregator datastore transaction rollback errors"),
		metric.WithUnit("{error}"),
	)
	duration, _ := m.Float64Histogram("janus_database_transaction_duration_seconds",
		metric.WithDescription("DAP aggregator datastore transaction duration"),
		metric.WithUnit("s"),
	)
	leases, _ := m.Int64Counter("janus_database_lease_acquired",
		metric.WithDescription("Leases acquired by acquire_incomplete_* operations"),
		metric.WithUnit("{lease}"),
	)

	return &metrics{
		Transactions:        transactions,
		RollbackErrors:      rollbackErrors,
		TransactionDuration: duration,
		LeasesAcquired:      leases,
	}
}

// StartSpan is a small convenience wrapper used throughout internal/datastore
// so call sites read the same way the teacher's doltTracer.Start calls do.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, attrs...)
}
