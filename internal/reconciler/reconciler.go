package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/awsagent/internal/registry"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// Engine converges registry state for one scope per call.
type Engine struct {
	registry Registry
	options  Options
	hook     ApplicationHook
	metrics  *Metrics
	auditor  Auditor
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithApplicationHook runs hook for every application entity that is new
// to the registry.
func WithApplicationHook(hook ApplicationHook) EngineOption {
	return func(e *Engine) { e.hook = hook }
}

// WithMetrics records pass and write metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditor records every registry write outcome.
func WithAuditor(a Auditor) EngineOption {
	return func(e *Engine) { e.auditor = a }
}

// WithTracer traces passes and phases.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewEngine creates a new reconciler engine
func NewEngine(reg Registry, options Options, logger zerolog.Logger, opts ...EngineOption) *Engine {
	if options.MaxConcurrency <= 0 {
		options.MaxConcurrency = defaultMaxConcurrency
	}
	e := &Engine{
		registry: reg,
		options:  options,
		tracer:   noop.NewTracerProvider().Tracer("awsagent.reconciler"),
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile performs one pass: read the scope's agent-owned records, delete
// what is no longer desired, then upsert the desired set tier by tier.
//
// A returned error means nothing was written. Individual write failures do
// not stop the pass; they are recorded in the report.
func (e *Engine) Reconcile(ctx context.Context, req Request) (*Report, error) {
	started := time.Now()

	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if err := validateDesired(req.Scope, req.Desired); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.String("cloud.account.id", req.Scope.Account),
			attribute.String("cloud.region", req.Scope.Region),
			attribute.Int("entities.desired", len(req.Desired)),
		),
	)
	defer span.End()

	current, err := e.readCurrent(ctx, req.Scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	desired := inherit(req.Desired, current, req.Inherit)
	plan := BuildPlan(req.Scope, desired, current, req.FrozenKinds)
	e.logPlan(plan)
	e.metrics.RecordDesired(ctx, req.Scope, desired)

	report := &Report{
		Scope:        req.Scope,
		StartedAt:    started,
		DryRun:       e.options.DryRun,
		Plan:         plan,
		ScanFailures: append([]ScanFailure(nil), req.ScanFailures...),
	}

	if !e.options.DryRun {
		e.applyDeletes(ctx, plan.ToRemove, report)
		e.applyUpserts(ctx, plan, report)
	}

	report.Duration = time.Since(started)
	outcome := report.Outcome()
	e.metrics.RecordReconciliation(ctx, req.Scope, outcome, report.Duration.Seconds())
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome != OutcomeSuccess {
		span.SetStatus(codes.Error, "partial reconciliation")
	}

	e.logger.Info().
		Str("account", req.Scope.Account).
		Str("region", req.Scope.Region).
		Str("outcome", string(outcome)).
		Int("deleted", len(report.Deleted)).
		Int("upserted", len(report.Upserted)).
		Int("failures", len(report.Failures)).
		Dur("duration", report.Duration).
		Bool("dry_run", e.options.DryRun).
		Msg("reconciliation finished")

	return report, nil
}

// validateDesired rejects entities the agent must never write.
func validateDesired(scope entity.Scope, desired []entity.Entity) error {
	for _, d := range desired {
		if d.ID == "" {
			return fmt.Errorf("desired %s entity has empty id", d.Type)
		}
		if !d.AgentOwned() || !d.InScope(scope) {
			return fmt.Errorf("desired entity %s is not agent-owned in %s/%s", d.ID, scope.Account, scope.Region)
		}
	}
	return nil
}

// readCurrent queries the scope's records and keeps only the agent-owned
// ones of this scope, regardless of what the registry filter matched.
func (e *Engine) readCurrent(ctx context.Context, scope entity.Scope) ([]entity.Entity, error) {
	records, err := e.registry.Query(ctx, registry.ScopeFilter(scope))
	if err != nil {
		return nil, fmt.Errorf("query current entities: %w", err)
	}

	current := make([]entity.Entity, 0, len(records))
	for _, r := range records {
		if !r.AgentOwned() || !r.InScope(scope) {
			e.logger.Warn().Str("entity_id", r.ID).Msg("ignoring registry record outside scope")
			continue
		}
		current = append(current, r)
	}
	return current, nil
}

// inherit carries fields the pass could not recompute over from the
// registry records onto the desired entities that already exist.
func inherit(desired, current []entity.Entity, extra map[string][]string) []entity.Entity {
	have := entity.NewSet(current...)
	out := make([]entity.Entity, len(desired))
	for i, want := range desired {
		out[i] = want
		rec, ok := have.Get(want.ID)
		if !ok {
			continue
		}
		keys := append(append([]string(nil), entity.InheritedFields[want.Type]...), extra[want.ID]...)
		out[i] = entity.Inherit(want, rec, keys...)
	}
	return out
}

func (e *Engine) logPlan(p *Plan) {
	counts := p.Counts()
	e.logger.Info().
		Int("new", counts[DiffMissing]).
		Int("changed", counts[DiffDrifted]).
		Int("unchanged", counts[DiffUnchanged]).
		Int("remove", counts[DiffUnwanted]).
		Int("frozen", counts[DiffFrozen]).
		Msg("reconciliation plan")
	for _, d := range p.Diffs {
		if d.Type == DiffUnchanged {
			continue
		}
		e.logger.Debug().
			Str("diff", string(d.Type)).
			Str("entity_id", d.EntityID).
			Strs("fields", d.Fields).
			Msg("planned change")
	}
}

// applyDeletes removes unwanted entities concurrently.
func (e *Engine) applyDeletes(ctx context.Context, toRemove []entity.Entity, report *Report) {
	if len(toRemove) == 0 {
		return
	}
	ctx, span := e.tracer.Start(ctx, "reconcile.delete",
		trace.WithAttributes(attribute.Int("entities", len(toRemove))))
	defer span.End()

	e.runPhase(ctx, OpDelete, toRemove, report, func(ctx context.Context, ent entity.Entity) error {
		return e.registry.Delete(ctx, ent.ID)
	})
}

// applyUpserts writes desired entities tier by tier. A tier starts only
// after every write of the previous tier has finished.
func (e *Engine) applyUpserts(ctx context.Context, plan *Plan, report *Report) {
	groups := entity.ByTier(plan.Upserts(e.options.SkipUnchanged))

	for _, tier := range entity.Tiers {
		group := groups[tier]
		if len(group) == 0 {
			continue
		}
		if tier == entity.TierApplication {
			group = e.runApplicationHook(ctx, plan, group)
		}

		tctx, span := e.tracer.Start(ctx, "reconcile.upsert",
			trace.WithAttributes(
				attribute.String("tier", tier.String()),
				attribute.Int("entities", len(group)),
			),
		)
		e.runPhase(tctx, OpPut, group, report, func(ctx context.Context, ent entity.Entity) error {
			return e.registry.Put(ctx, ent)
		})
		span.End()
	}
}

// runApplicationHook lets the hook enrich new applications. Hook failures
// are logged; the original entity is written.
func (e *Engine) runApplicationHook(ctx context.Context, plan *Plan, apps []entity.Entity) []entity.Entity {
	if e.hook == nil {
		return apps
	}
	out := make([]entity.Entity, len(apps))
	for i, app := range apps {
		out[i] = app
		if plan.Exists(app.ID) {
			continue
		}
		enriched, err := e.hook(ctx, app)
		if err != nil {
			e.logger.Warn().Err(err).Str("entity_id", app.ID).Msg("application hook failed")
			continue
		}
		if enriched.ID != app.ID || !enriched.InScope(plan.Scope) {
			e.logger.Warn().Str("entity_id", app.ID).Msg("application hook changed entity identity, ignoring")
			continue
		}
		out[i] = enriched
	}
	return out
}

// runPhase applies op to every entity with bounded concurrency, recording
// outcomes in report. Failures never cancel sibling writes.
func (e *Engine) runPhase(ctx context.Context, op Operation, entities []entity.Entity, report *Report, apply func(context.Context, entity.Entity) error) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.options.MaxConcurrency)

	for _, ent := range entities {
		g.Go(func() error {
			err := apply(ctx, ent)
			e.metrics.RecordOperation(ctx, op, ent.Type, err)

			mu.Lock()
			defer mu.Unlock()
			e.audit(op, ent, err)
			if err != nil {
				e.logger.Error().Err(err).
					Str("op", string(op)).
					Str("entity_id", ent.ID).
					Msg("registry write failed")
				report.Failures = append(report.Failures, OperationFailure{
					Op: op, EntityID: ent.ID, Kind: ent.Type, Err: err,
				})
				return nil
			}
			e.logger.Debug().Str("op", string(op)).Str("entity_id", ent.ID).Msg("registry write")
			switch op {
			case OpDelete:
				report.Deleted = append(report.Deleted, ent.ID)
			case OpPut:
				report.Upserted = append(report.Upserted, ent.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) audit(op Operation, ent entity.Entity, writeErr error) {
	if e.auditor == nil {
		return
	}
	var data any
	if op == OpPut {
		data = ent
	}
	if err := e.auditor.Append(string(op), ent.ID, data, writeErr); err != nil {
		e.logger.Warn().Err(err).Str("entity_id", ent.ID).Msg("audit append failed")
	}
}
