// Package metrics exposes AHA's operational gauges over Prometheus,
// grounded on the teacher's internal/mux.Hub.registerMetrics: an
// otel metric.MeterProvider backed by the otel Prometheus exporter,
// served on /metrics via promhttp. The teacher registers no
// application-specific instruments beyond the exporter itself; AHA
// adds the gauges/counters spec.md §5 implies a supervisor would want
// (registry size, nexus replication offset, pool membership, ack
// latency).
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Registry holds the instruments AHA updates as it runs.
type Registry struct {
	meter metric.Meter

	registrySize    metric.Int64ObservableGauge
	nexusOffset     metric.Int64ObservableGauge
	poolMembership  metric.Int64ObservableGauge
	ackWaits        metric.Int64Counter
	ackTimeouts     metric.Int64Counter
	provisionTokens metric.Int64Counter
}

// Sources callbacks Registry polls when Prometheus scrapes; a nil
// source is treated as reporting zero.
type Sources struct {
	RegistrySize   func() int64
	NexusOffset    func() int64
	PoolMembership func() int64
}

// New installs the otel Prometheus exporter as the process
// MeterProvider (mirroring Hub.registerMetrics) and registers AHA's
// instruments against src.
func New(src Sources, opts ...prometheus.Option) (*Registry, error) {
	exporter, err := prometheus.New(opts...)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("aha")

	r := &Registry{meter: meter}

	r.registrySize, err = meter.Int64ObservableGauge("aha_registry_services",
		metric.WithDescription("number of service records currently in the registry"))
	if err != nil {
		return nil, err
	}
	r.nexusOffset, err = meter.Int64ObservableGauge("aha_nexus_offset",
		metric.WithDescription("current offset of the replicated nexus log"))
	if err != nil {
		return nil, err
	}
	r.poolMembership, err = meter.Int64ObservableGauge("aha_pool_members",
		metric.WithDescription("total number of pool membership entries across all pools"))
	if err != nil {
		return nil, err
	}
	r.ackWaits, err = meter.Int64Counter("aha_nexus_ack_waits_total",
		metric.WithDescription("number of Append calls that waited for follower acknowledgement"))
	if err != nil {
		return nil, err
	}
	r.ackTimeouts, err = meter.Int64Counter("aha_nexus_ack_timeouts_total",
		metric.WithDescription("number of Append calls that timed out waiting for follower acknowledgement"))
	if err != nil {
		return nil, err
	}
	r.provisionTokens, err = meter.Int64Counter("aha_provision_tokens_issued_total",
		metric.WithDescription("number of provisioning tokens minted"))
	if err != nil {
		return nil, err
	}

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(r.registrySize, call(src.RegistrySize))
		o.ObserveInt64(r.nexusOffset, call(src.NexusOffset))
		o.ObserveInt64(r.poolMembership, call(src.PoolMembership))
		return nil
	}, r.registrySize, r.nexusOffset, r.poolMembership); err != nil {
		return nil, err
	}

	return r, nil
}

func call(f func() int64) int64 {
	if f == nil {
		return 0
	}
	return f()
}

// RecordAckWait increments the ack-wait counter.
func (r *Registry) RecordAckWait(ctx context.Context) {
	r.ackWaits.Add(ctx, 1)
}

// RecordAckTimeout increments the ack-timeout counter.
func (r *Registry) RecordAckTimeout(ctx context.Context) {
	r.ackTimeouts.Add(ctx, 1)
}

// RecordProvisionToken increments the provisioning-token counter.
func (r *Registry) RecordProvisionToken(ctx context.Context) {
	r.provisionTokens.Add(ctx, 1)
}

// Handler serves /metrics the way Hub.registerMetrics does.
func Handler() http.Handler {
	return promhttp.Handler()
}
