// Package plugin defines the scanner contract and runs scanners concurrently.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// Scanner discovers every resource of one entity kind in a scope.
// Keep it simple: Kind + Scan.
type Scanner interface {
	// Kind returns the entity kind this scanner produces.
	Kind() entity.Kind

	// Scan returns the complete current set for the kind. A partial result
	// must be reported as an error, never as a shorter list.
	Scan(ctx context.Context) ([]entity.Entity, error)
}

// Func adapts a function to the Scanner interface.
type Func struct {
	K  entity.Kind
	Fn func(context.Context) ([]entity.Entity, error)
}

func (f Func) Kind() entity.Kind { return f.K }

func (f Func) Scan(ctx context.Context) ([]entity.Entity, error) { return f.Fn(ctx) }

// Registry holds the scanners enabled for a pass, keyed by kind.
type Registry struct {
	mu       sync.RWMutex
	scanners map[entity.Kind]Scanner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scanners: make(map[entity.Kind]Scanner)}
}

// Register adds a scanner, replacing any scanner of the same kind.
func (r *Registry) Register(s Scanner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanners[s.Kind()] = s
}

// Get returns the scanner for kind.
func (r *Registry) Get(kind entity.Kind) (Scanner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scanners[kind]
	return s, ok
}

// Remove drops the scanner for kind, if any.
func (r *Registry) Remove(kind entity.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scanners, kind)
}

// All returns all scanners ordered by kind.
func (r *Registry) All() []Scanner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Scanner, 0, len(r.scanners))
	for _, s := range r.scanners {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []entity.Kind {
	all := r.All()
	kinds := make([]entity.Kind, 0, len(all))
	for _, s := range all {
		kinds = append(kinds, s.Kind())
	}
	return kinds
}

// Result is the outcome of one scanner.
type Result struct {
	Kind     entity.Kind
	Entities []entity.Entity
	Err      error
	Duration time.Duration
}

// Runner executes scanners concurrently, one goroutine per kind.
type Runner struct {
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewRunner creates a runner. A nil tracer disables spans.
func NewRunner(tracer trace.Tracer, logger zerolog.Logger) *Runner {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Runner{tracer: tracer, logger: logger}
}

// Run scans every kind and returns one result per scanner, in input order.
// Scanners never share results; a panic in one is reported as its error.
func (r *Runner) Run(ctx context.Context, scanners []Scanner) []Result {
	results := make([]Result, len(scanners))

	var wg sync.WaitGroup
	for i, s := range scanners {
		wg.Add(1)
		go func(i int, s Scanner) {
			defer wg.Done()
			results[i] = r.scan(ctx, s)
		}(i, s)
	}
	wg.Wait()

	return results
}

func (r *Runner) scan(ctx context.Context, s Scanner) (res Result) {
	kind := s.Kind()
	res.Kind = kind

	ctx, span := r.tracer.Start(ctx, "scan."+string(kind),
		trace.WithAttributes(attribute.String("entity.type", string(kind))))
	defer span.End()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Entities = nil
			res.Err = fmt.Errorf("scanner %s panicked: %v", kind, p)
		}
		res.Duration = time.Since(start)

		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "scan failed")
			r.logger.Warn().Err(res.Err).Str("scanner", string(kind)).Msg("scan failed")
			return
		}
		span.SetAttributes(attribute.Int("entity.count", len(res.Entities)))
		r.logger.Debug().
			Str("scanner", string(kind)).
			Int("count", len(res.Entities)).
			Dur("took", res.Duration).
			Msg("scan complete")
	}()

	res.Entities, res.Err = s.Scan(ctx)
	if res.Err != nil {
		res.Entities = nil
	}
	return res
}
