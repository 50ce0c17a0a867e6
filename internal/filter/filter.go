// Package filter selects which entity kinds a pass scans.
package filter

import (
	"sort"

	"github.com/yairfalse/awsagent/internal/plugin"
	"github.com/yairfalse/awsagent/pkg/entity"
)

// Scannable lists the kinds a pass can scan and therefore disable.
var Scannable = []entity.Kind{
	entity.KindInstance,
	entity.KindAutoScalingGroup,
	entity.KindLoadBalancer,
	entity.KindDatabase,
	entity.KindPostgresDatabase,
	entity.KindDynamoDB,
	entity.KindQueue,
	entity.KindElastiCache,
	entity.KindCertificate,
	entity.KindLimits,
}

// Known returns true if kind names a scannable kind.
func Known(kind string) bool {
	for _, k := range Scannable {
		if string(k) == kind {
			return true
		}
	}
	return false
}

// Filter controls which entity kinds are scanned. Disabled kinds are
// frozen: their registry entities are neither refreshed nor removed.
type Filter struct {
	disabled map[entity.Kind]bool
}

// New creates a new Filter disabling the given kinds.
func New(disabled []string) *Filter {
	m := make(map[entity.Kind]bool, len(disabled))
	for _, k := range disabled {
		m[entity.Kind(k)] = true
	}
	return &Filter{disabled: m}
}

// ShouldScan returns true if the given kind should be scanned.
func (f *Filter) ShouldScan(kind entity.Kind) bool {
	if f == nil {
		return true
	}
	return !f.disabled[kind]
}

// Apply splits scanners into the enabled ones and the kinds left out.
func (f *Filter) Apply(scanners []plugin.Scanner) ([]plugin.Scanner, []entity.Kind) {
	enabled := make([]plugin.Scanner, 0, len(scanners))
	var skipped []entity.Kind
	for _, s := range scanners {
		if f.ShouldScan(s.Kind()) {
			enabled = append(enabled, s)
			continue
		}
		skipped = append(skipped, s.Kind())
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i] < skipped[j] })
	return enabled, skipped
}

// IsEmpty returns true if no kinds are disabled.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.disabled) == 0
}
