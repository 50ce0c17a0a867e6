// Package agent runs one discovery and reconciliation pass for a scope.
package agent

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yairfalse/awsagent/internal/filter"
	"github.com/yairfalse/awsagent/internal/plugin"
	"github.com/yairfalse/awsagent/internal/postgres"
	"github.com/yairfalse/awsagent/internal/reconciler"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// Discovery provides the scope and the provider scanners of a pass.
type Discovery interface {
	Scope() entity.Scope
	Scanners() []plugin.Scanner
	AccountAlias(ctx context.Context) (string, error)
	AccountQuotas(ctx context.Context) (entity.LimitsAttrs, error)
}

// Reconciler converges the registry onto a desired set.
type Reconciler interface {
	Reconcile(ctx context.Context, req reconciler.Request) (*reconciler.Report, error)
}

// ScanRecorder records per-kind scan outcomes.
type ScanRecorder interface {
	RecordScan(ctx context.Context, region, kind string, d time.Duration, count int, failed bool)
}

// Options configure a pass.
type Options struct {
	// Extra fields merged into every desired entity.
	Extra map[string]string

	// Postgres lists databases of registry-known clusters. Nil freezes the
	// postgresql_database kind.
	Postgres postgres.DatabaseLister

	// Filter disables scanning of selected kinds. Disabled kinds are frozen.
	Filter *filter.Filter

	Tracer trace.Tracer
	Scans  ScanRecorder
}

// Agent wires discovery, the registry and the reconciler.
type Agent struct {
	discovery  Discovery
	clusters   postgres.ClusterSource
	reconciler Reconciler
	runner     *plugin.Runner
	options    Options
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// Result is the outcome of one pass.
type Result struct {
	Scope   entity.Scope
	Desired []entity.Entity
	Scans   []plugin.Result
	Report  *reconciler.Report
}

// New creates an agent. clusters is usually the registry client.
func New(discovery Discovery, clusters postgres.ClusterSource, rec Reconciler, options Options, logger zerolog.Logger) *Agent {
	tracer := options.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("awsagent")
	}
	logger = logger.With().Str("component", "agent").Logger()
	return &Agent{
		discovery:  discovery,
		clusters:   clusters,
		reconciler: rec,
		runner:     plugin.NewRunner(tracer, logger),
		options:    options,
		tracer:     tracer,
		logger:     logger,
	}
}

// Run performs one pass. Scan failures freeze their kind and make the
// report partial; an error means the pass aborted before any write.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	scope := a.discovery.Scope()
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	ctx, span := a.tracer.Start(ctx, "pass",
		trace.WithAttributes(
			attribute.String("cloud.account.id", scope.Account),
			attribute.String("cloud.region", scope.Region),
		),
	)
	defer span.End()

	started := time.Now()
	a.logger.Info().Str("account", scope.Account).Str("region", scope.Region).Msg("starting pass")

	scanners, frozen := a.scanners(scope)
	results := a.runner.Run(ctx, scanners.All())

	var (
		discovered []entity.Entity
		failures   []reconciler.ScanFailure
	)
	for _, r := range results {
		if a.options.Scans != nil {
			a.options.Scans.RecordScan(ctx, scope.Region, string(r.Kind), r.Duration, len(r.Entities), r.Err != nil)
		}
		if r.Err != nil {
			failures = append(failures, reconciler.ScanFailure{Kind: r.Kind, Err: r.Err})
			frozen = append(frozen, r.Kind)
			continue
		}
		a.logger.Info().
			Str("kind", string(r.Kind)).
			Int("entities", len(r.Entities)).
			Dur("duration", r.Duration).
			Msg("scan complete")
		discovered = append(discovered, r.Entities...)
	}

	if limits, err := a.accountLimits(ctx, scope, discovered, frozen); err != nil {
		a.logger.Warn().Err(err).Msg("account limits unavailable, keeping existing limits")
		failures = append(failures, reconciler.ScanFailure{Kind: entity.KindLimits, Err: err})
		frozen = append(frozen, entity.KindLimits)
	} else if limits != nil {
		discovered = append(discovered, *limits)
	} else {
		frozen = append(frozen, entity.KindLimits)
	}

	inherit := make(map[string][]string)
	alias, err := a.discovery.AccountAlias(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("account alias unavailable, keeping registered alias")
		failures = append(failures, reconciler.ScanFailure{Kind: entity.KindAccount, Err: err})
		inherit[entity.AccountMarkerID(scope)] = []string{"account_alias"}
	}

	desired := a.desiredSet(scope, discovered, alias)
	frozen = propagateFrozen(frozen)

	report, err := a.reconciler.Reconcile(ctx, reconciler.Request{
		Scope:        scope,
		Desired:      desired,
		FrozenKinds:  frozen,
		ScanFailures: failures,
		Inherit:      inherit,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if report.Outcome() != reconciler.OutcomeSuccess {
		span.SetStatus(codes.Error, "partial pass")
	}
	a.logger.Info().Ctx(ctx).
		Str("outcome", string(report.Outcome())).
		Int("desired", len(desired)).
		Dur("duration", time.Since(started)).
		Msg("pass finished")

	return &Result{Scope: scope, Desired: desired, Scans: results, Report: report}, nil
}

// accountLimits reads the account quotas and counts discovered usage. It
// returns nil when the kind is disabled or a counted kind is frozen.
func (a *Agent) accountLimits(ctx context.Context, scope entity.Scope, discovered []entity.Entity, frozen []entity.Kind) (*entity.Entity, error) {
	if !a.options.Filter.ShouldScan(entity.KindLimits) {
		return nil, nil
	}
	if slices.Contains(frozen, entity.KindInstance) || slices.Contains(frozen, entity.KindLoadBalancer) {
		a.logger.Info().Msg("usage counts incomplete, keeping existing limits")
		return nil, nil
	}

	started := time.Now()
	quotas, err := a.discovery.AccountQuotas(ctx)
	if a.options.Scans != nil {
		a.options.Scans.RecordScan(ctx, scope.Region, string(entity.KindLimits), time.Since(started), 1, err != nil)
	}
	if err != nil {
		return nil, err
	}
	limits := entity.Limits(scope, quotas, discovered)
	return &limits, nil
}

// scanners registers the provider scanners and, when credentials are set,
// the postgres database scanner. Kinds that cannot be scanned, or are
// disabled by the filter, are returned as frozen.
func (a *Agent) scanners(scope entity.Scope) (*plugin.Registry, []entity.Kind) {
	all := append([]plugin.Scanner(nil), a.discovery.Scanners()...)

	var frozen []entity.Kind
	if a.options.Postgres != nil && a.clusters != nil {
		all = append(all, postgres.NewScanner(scope, a.clusters, a.options.Postgres, a.logger))
	} else {
		a.logger.Info().Msg("postgresql credentials not set, keeping existing database entities")
		frozen = append(frozen, entity.KindPostgresDatabase)
	}

	enabled, disabled := a.options.Filter.Apply(all)
	if len(disabled) > 0 {
		a.logger.Info().Interface("kinds", disabled).Msg("scanners disabled, keeping existing entities")
		frozen = append(frozen, disabled...)
	}

	reg := plugin.NewRegistry()
	for _, s := range enabled {
		reg.Register(s)
	}
	return reg, frozen
}

// desiredSet adds the account marker and derived applications to the
// discovered entities, merges extra fields and drops duplicate ids.
func (a *Agent) desiredSet(scope entity.Scope, discovered []entity.Entity, alias string) []entity.Entity {
	all := make([]entity.Entity, 0, len(discovered)+2)
	all = append(all, entity.AccountMarker(scope, alias))
	all = append(all, discovered...)
	all = append(all, entity.Applications(discovered, scope)...)

	set := entity.NewSet()
	for _, e := range all {
		if !set.Add(e.WithExtra(a.options.Extra)) {
			a.logger.Warn().Str("entity_id", e.ID).Str("kind", string(e.Type)).Msg("duplicate entity id, keeping first")
		}
	}
	return set.Entities()
}

// propagateFrozen freezes applications when instances are frozen, since
// applications are derived from the instance scan.
func propagateFrozen(frozen []entity.Kind) []entity.Kind {
	for _, k := range frozen {
		if k == entity.KindInstance {
			return append(frozen, entity.KindApplication)
		}
	}
	return frozen
}
