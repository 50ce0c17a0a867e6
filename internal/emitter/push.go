package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/yairfalse/awsagent/internal/agent"
	"github.com/yairfalse/awsagent/internal/reconciler"
)

// PushEmitter pushes pass gauges to a Prometheus Pushgateway. A batch pass
// has no scrape endpoint, so its last result is pushed instead.
type PushEmitter struct {
	pusherFor func(*prometheus.Registry) *push.Pusher
	now       func() time.Time
}

// NewPushEmitter creates an emitter pushing to the gateway at url under job.
func NewPushEmitter(url, job string) *PushEmitter {
	return &PushEmitter{
		pusherFor: func(reg *prometheus.Registry) *push.Pusher {
			return push.New(url, job).Gatherer(reg)
		},
		now: time.Now,
	}
}

// Emit replaces the pushed metrics of this scope with the pass result.
func (e *PushEmitter) Emit(ctx context.Context, result *agent.Result) error {
	reg := prometheus.NewRegistry()

	entities := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "awsagent_entities",
		Help: "Desired entities per type in the last pass.",
	}, []string{"type"})
	writes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "awsagent_registry_writes",
		Help: "Successful registry writes in the last pass.",
	}, []string{"op"})
	failures := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "awsagent_failures",
		Help: "Failures in the last pass.",
	}, []string{"stage"})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "awsagent_pass_duration_seconds",
		Help: "Duration of the last reconciliation.",
	})
	success := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "awsagent_pass_success",
		Help: "1 if the last pass had no failures.",
	})
	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "awsagent_last_run_timestamp_seconds",
		Help: "Unix time of the last pass.",
	})
	reg.MustRegister(entities, writes, failures, duration, success, lastRun)

	for kind, n := range countByKind(result.Desired) {
		entities.WithLabelValues(string(kind)).Set(float64(n))
	}
	report := result.Report
	writes.WithLabelValues(string(reconciler.OpDelete)).Set(float64(len(report.Deleted)))
	writes.WithLabelValues(string(reconciler.OpPut)).Set(float64(len(report.Upserted)))
	failures.WithLabelValues("scan").Set(float64(len(report.ScanFailures)))
	failures.WithLabelValues("write").Set(float64(len(report.Failures)))
	duration.Set(report.Duration.Seconds())
	if report.Outcome() == reconciler.OutcomeSuccess {
		success.Set(1)
	}
	lastRun.Set(float64(e.now().Unix()))

	err := e.pusherFor(reg).
		Grouping("infrastructure_account", result.Scope.Account).
		Grouping("region", result.Scope.Region).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// Close is a no-op for the push emitter.
func (e *PushEmitter) Close() error {
	return nil
}
