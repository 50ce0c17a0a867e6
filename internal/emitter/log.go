package emitter

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/yairfalse/awsagent/internal/agent"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// LogEmitter writes a pass summary to the logger.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a log emitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "emitter").Logger()}
}

// Emit logs entity counts per type and every failure.
func (e *LogEmitter) Emit(_ context.Context, result *agent.Result) error {
	counts := countByKind(result.Desired)
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		e.logger.Info().Str("type", k).Int("entities", counts[entity.Kind(k)]).Msg("desired entities")
	}

	report := result.Report
	for _, f := range report.ScanFailures {
		e.logger.Warn().Err(f.Err).Str("type", string(f.Kind)).Msg("scan failed, kind kept as is")
	}
	for _, f := range report.Failures {
		e.logger.Warn().Err(f.Err).Str("op", string(f.Op)).Str("entity_id", f.EntityID).Msg("registry write failed")
	}

	e.logger.Info().
		Str("account", result.Scope.Account).
		Str("region", result.Scope.Region).
		Str("outcome", string(report.Outcome())).
		Int("deleted", len(report.Deleted)).
		Int("upserted", len(report.Upserted)).
		Bool("dry_run", report.DryRun).
		Msg("pass summary")
	return nil
}

// Close is a no-op for the log emitter.
func (e *LogEmitter) Close() error {
	return nil
}

func countByKind(entities []entity.Entity) map[entity.Kind]int {
	counts := make(map[entity.Kind]int)
	for _, ent := range entities {
		counts[ent.Type]++
	}
	return counts
}
