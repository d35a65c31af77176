package ocspxy

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters the Request Handler, Refresher and
// WriteSerializer report to. Grounded on matthewpi-certwatcher's
// certwatcher.go, which builds its reconfigure.total/reconfigure.errors
// counters the same way: otel.Meter(name).Int64Counter(...) at
// construction time, with the resulting metric.Int64Counter handles
// stashed on the struct. With no MeterProvider configured by the
// embedding application, otel's default no-op provider makes every
// counter a cheap no-op, so the proxy has no observability dependency at
// runtime unless the operator wires one in.
type Metrics struct {
	RequestsTotal metric.Int64Counter // attribute "outcome": hit|miss|bypass|purge|error
	RefreshTotal  metric.Int64Counter // attribute "outcome": refreshed|skipped|failed|malformed
	WriterDropped metric.Int64Counter
}

// NewMetrics creates the proxy's counters against the global OTel meter
// provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/augenblickliebhaber/ocsp-proxy")

	requests, err := meter.Int64Counter("ocspxy.requests.total")
	if err != nil {
		return nil, fmt.Errorf("ocspxy: failed to create otel counter: %w", err)
	}
	refresh, err := meter.Int64Counter("ocspxy.refresh.total")
	if err != nil {
		return nil, fmt.Errorf("ocspxy: failed to create otel counter: %w", err)
	}
	dropped, err := meter.Int64Counter("ocspxy.writer.dropped_total")
	if err != nil {
		return nil, fmt.Errorf("ocspxy: failed to create otel counter: %w", err)
	}

	return &Metrics{
		RequestsTotal: requests,
		RefreshTotal:  refresh,
		WriterDropped: dropped,
	}, nil
}
