package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Domain instruments. Lazily created on first use so Init ordering does not
// matter; before Init they bind to the no-op meter and cost nothing.
var (
	metricsOnce sync.Once

	syncPasses      metric.Int64Counter
	syncDocsWritten metric.Int64Counter
	importConflicts metric.Int64Counter
	gatewayCallMS   metric.Float64Histogram
)

func initMetrics() {
	m := Meter("")
	syncPasses, _ = m.Int64Counter("dmms.sync.passes",
		metric.WithDescription("Completed sync passes"))
	syncDocsWritten, _ = m.Int64Counter("dmms.sync.docs_written",
		metric.WithDescription("Documents written to either store by sync"))
	importConflicts, _ = m.Int64Counter("dmms.import.conflicts",
		metric.WithDescription("Conflicts detected during import preview"))
	gatewayCallMS, _ = m.Float64Histogram("dmms.gateway.call_ms",
		metric.WithDescription("Vector gateway call duration in milliseconds"),
		metric.WithUnit("ms"))
}

// RecordSyncPass counts one completed sync pass in the given direction
// ("commit" or "checkout") along with the documents it wrote.
func RecordSyncPass(ctx context.Context, direction string, docsWritten int) {
	if !Enabled() {
		return
	}
	metricsOnce.Do(initMetrics)
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	syncPasses.Add(ctx, 1, attrs)
	if docsWritten > 0 {
		syncDocsWritten.Add(ctx, int64(docsWritten), attrs)
	}
}

// RecordImportConflicts counts conflicts surfaced by an import preview.
func RecordImportConflicts(ctx context.Context, n int) {
	if !Enabled() || n == 0 {
		return
	}
	metricsOnce.Do(initMetrics)
	importConflicts.Add(ctx, int64(n))
}

// RecordGatewayCall records the latency of one vector store call.
func RecordGatewayCall(ctx context.Context, op string, d time.Duration) {
	if !Enabled() {
		return
	}
	metricsOnce.Do(initMetrics)
	gatewayCallMS.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("op", op)))
}
