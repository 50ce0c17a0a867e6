package reconciler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// Metrics holds reconciler instruments using OTEL semantic conventions
type Metrics struct {
	reconciliations        metric.Int64Counter
	reconciliationDuration metric.Float64Histogram
	entitiesDesired        metric.Int64Gauge
	registryOperations     metric.Int64Counter
}

// NewMetrics creates reconciler metrics on the global meter provider
func NewMetrics() (*Metrics, error) {
	return newMetricsWithProvider(otel.GetMeterProvider())
}

func newMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("awsagent.reconciler")

	reconciliations, err := meter.Int64Counter(
		"awsagent.reconciliations",
		metric.WithDescription("Number of reconciliation passes"),
		metric.WithUnit("{reconciliation}"),
	)
	if err != nil {
		return nil, err
	}

	reconciliationDuration, err := meter.Float64Histogram(
		"awsagent.reconciliation.duration",
		metric.WithDescription("Duration of reconciliation passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	entitiesDesired, err := meter.Int64Gauge(
		"awsagent.entities.desired",
		metric.WithDescription("Number of desired entities per type"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	registryOperations, err := meter.Int64Counter(
		"awsagent.registry.operations",
		metric.WithDescription("Number of entity registry writes"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reconciliations:        reconciliations,
		reconciliationDuration: reconciliationDuration,
		entitiesDesired:        entitiesDesired,
		registryOperations:     registryOperations,
	}, nil
}

// RecordReconciliation records a finished pass and its duration
func (m *Metrics) RecordReconciliation(ctx context.Context, scope entity.Scope, outcome Outcome, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("cloud.account.id", scope.Account),
		attribute.String("cloud.region", scope.Region),
	)
	m.reconciliations.Add(ctx, 1, attrs)
	m.reconciliationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordDesired records how many entities of each type were desired
func (m *Metrics) RecordDesired(ctx context.Context, scope entity.Scope, desired []entity.Entity) {
	if m == nil {
		return
	}
	counts := make(map[entity.Kind]int64)
	for _, e := range desired {
		counts[e.Type]++
	}
	for kind, n := range counts {
		m.entitiesDesired.Record(ctx, n,
			metric.WithAttributes(
				attribute.String("entity.type", string(kind)),
				attribute.String("cloud.region", scope.Region),
			),
		)
	}
}

// RecordOperation records one registry write
func (m *Metrics) RecordOperation(ctx context.Context, op Operation, kind entity.Kind, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.registryOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", string(op)),
			attribute.String("entity.type", string(kind)),
			attribute.String("status", status),
		),
	)
}
