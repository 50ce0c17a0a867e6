// Package reconciler converges the registry's agent-owned entities of one
// scope onto the desired set discovered in a pass.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/awsagent/internal/registry"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// Registry is the entity store the reconciler writes to.
type Registry interface {
	Query(ctx context.Context, filter registry.Filter) ([]entity.Entity, error)
	Put(ctx context.Context, e entity.Entity) error
	Delete(ctx context.Context, id string) error
}

// ApplicationHook runs before a new application entity is stored. It may
// return an enriched entity; its id and scope must not change.
type ApplicationHook func(ctx context.Context, app entity.Entity) (entity.Entity, error)

// Auditor records registry writes. data is nil for deletes.
type Auditor interface {
	Append(op, entityID string, data any, writeErr error) error
}

// Options configure reconciler behavior.
type Options struct {
	// DryRun computes the plan without writing.
	DryRun bool `json:"dry_run"`

	// SkipUnchanged only upserts entities that are new or whose fields
	// differ from the registry record.
	SkipUnchanged bool `json:"skip_unchanged"`

	// MaxConcurrency bounds writes in flight within one phase or tier.
	MaxConcurrency int `json:"max_concurrency"`
}

const defaultMaxConcurrency = 8

// Request is the input of one reconciliation.
type Request struct {
	Scope   entity.Scope
	Desired []entity.Entity

	// FrozenKinds keep their registry entities: their scan failed or is
	// disabled, so absence from Desired means nothing.
	FrozenKinds []entity.Kind

	// ScanFailures are carried into the report.
	ScanFailures []ScanFailure

	// Inherit names, per entity id, fields to keep from the registry
	// record when the desired entity leaves them empty. It adds to
	// entity.InheritedFields.
	Inherit map[string][]string
}

// DiffType categorizes how a desired or current entity is handled.
type DiffType string

const (
	DiffMissing   DiffType = "missing"   // desired, not in the registry
	DiffDrifted   DiffType = "drifted"   // in both, fields differ
	DiffUnchanged DiffType = "unchanged" // in both, same fields
	DiffUnwanted  DiffType = "unwanted"  // in the registry, no longer desired
	DiffFrozen    DiffType = "frozen"    // not desired, kept because its kind is frozen
)

// Diff is one line of a plan.
type Diff struct {
	Type     DiffType    `json:"type"`
	EntityID string      `json:"entity_id"`
	Kind     entity.Kind `json:"entity_type"`
	Fields   []string    `json:"fields,omitempty"`
}

// Operation names a registry write.
type Operation string

const (
	OpDelete Operation = "delete"
	OpPut    Operation = "put"
)

// OperationFailure records one failed registry write. The pass continues.
type OperationFailure struct {
	Op       Operation   `json:"op"`
	EntityID string      `json:"entity_id"`
	Kind     entity.Kind `json:"entity_type"`
	Err      error       `json:"-"`
}

func (f OperationFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", f.Op, f.EntityID, f.Err)
}

func (f OperationFailure) Unwrap() error { return f.Err }

// ScanFailure records a kind whose discovery failed.
type ScanFailure struct {
	Kind entity.Kind `json:"entity_type"`
	Err  error       `json:"-"`
}

func (f ScanFailure) Error() string {
	return fmt.Sprintf("scan %s: %v", f.Kind, f.Err)
}

func (f ScanFailure) Unwrap() error { return f.Err }

// Outcome summarizes a pass.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
)

// Report is the result of one reconciliation.
type Report struct {
	Scope     entity.Scope  `json:"-"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	DryRun    bool          `json:"dry_run"`

	Plan *Plan `json:"-"`

	Deleted  []string `json:"deleted"`
	Upserted []string `json:"upserted"`

	Failures     []OperationFailure `json:"failures,omitempty"`
	ScanFailures []ScanFailure      `json:"scan_failures,omitempty"`
}

// Outcome is partial when any scan or write failed.
func (r *Report) Outcome() Outcome {
	if len(r.Failures) > 0 || len(r.ScanFailures) > 0 {
		return OutcomePartial
	}
	return OutcomeSuccess
}

// Err joins every recorded failure, or returns nil.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.ScanFailures)+len(r.Failures))
	for _, f := range r.ScanFailures {
		errs = append(errs, f)
	}
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}
