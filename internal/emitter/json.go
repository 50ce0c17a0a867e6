package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/yairfalse/awsagent/internal/agent"
	"github.com/yairfalse/awsagent/internal/reconciler"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// Document is the JSON rendering of a pass.
type Document struct {
	InfrastructureAccount string                          `json:"infrastructure_account"`
	Region                string                          `json:"region"`
	DryRun                bool                            `json:"dry_run"`
	Outcome               reconciler.Outcome              `json:"outcome"`
	Entities              map[entity.Kind][]entity.Entity `json:"entities"`
	NewEntities           []string                        `json:"new_entities"`
	ChangedEntities       []string                        `json:"changed_entities"`
	ToBeRemoved           []string                        `json:"to_be_removed"`
	Kept                  []string                        `json:"kept,omitempty"`
	Plan                  []reconciler.Diff               `json:"plan"`
	Failures              []Failure                       `json:"failures,omitempty"`
}

// Failure is a scan or write failure with its message.
type Failure struct {
	Op       string      `json:"op"`
	Kind     entity.Kind `json:"entity_type,omitempty"`
	EntityID string      `json:"entity_id,omitempty"`
	Error    string      `json:"error"`
}

// NewDocument builds the JSON document of a pass.
func NewDocument(result *agent.Result) Document {
	report := result.Report
	doc := Document{
		InfrastructureAccount: result.Scope.Account,
		Region:                result.Scope.Region,
		DryRun:                report.DryRun,
		Outcome:               report.Outcome(),
		Entities:              make(map[entity.Kind][]entity.Entity),
		NewEntities:           []string{},
		ChangedEntities:       []string{},
		ToBeRemoved:           []string{},
		Plan:                  []reconciler.Diff{},
	}
	for _, e := range result.Desired {
		doc.Entities[e.Type] = append(doc.Entities[e.Type], e)
	}

	if plan := report.Plan; plan != nil {
		doc.NewEntities = appendIDs(doc.NewEntities, plan.New)
		doc.ChangedEntities = appendIDs(doc.ChangedEntities, plan.Changed)
		doc.ToBeRemoved = appendIDs(doc.ToBeRemoved, plan.ToRemove)
		doc.Kept = appendIDs(doc.Kept, plan.Kept)
		doc.Plan = append(doc.Plan, plan.Diffs...)
	}

	for _, f := range report.ScanFailures {
		doc.Failures = append(doc.Failures, Failure{Op: "scan", Kind: f.Kind, Error: errString(f.Err)})
	}
	for _, f := range report.Failures {
		doc.Failures = append(doc.Failures, Failure{Op: string(f.Op), Kind: f.Kind, EntityID: f.EntityID, Error: errString(f.Err)})
	}
	return doc
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func appendIDs(dst []string, entities []entity.Entity) []string {
	for _, e := range entities {
		dst = append(dst, e.ID)
	}
	sort.Strings(dst)
	return dst
}

// JSONEmitter writes the pass document as indented JSON.
type JSONEmitter struct {
	w io.Writer
}

// NewJSONEmitter creates a JSON emitter writing to w.
func NewJSONEmitter(w io.Writer) *JSONEmitter {
	return &JSONEmitter{w: w}
}

// Emit writes one document.
func (e *JSONEmitter) Emit(_ context.Context, result *agent.Result) error {
	enc := json.NewEncoder(e.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewDocument(result)); err != nil {
		return fmt.Errorf("encode pass document: %w", err)
	}
	return nil
}

// Close is a no-op for the JSON emitter.
func (e *JSONEmitter) Close() error {
	return nil
}
