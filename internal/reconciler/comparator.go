package reconciler

import (
	"sort"

	"github.com/yairfalse/awsagent/pkg/entity"
)

// Plan is the set of registry writes needed to converge one scope.
type Plan struct {
	Scope entity.Scope

	New       []entity.Entity // desired, absent from the registry
	Changed   []entity.Entity // desired, fields differ from the registry
	Unchanged []entity.Entity // desired, identical to the registry
	ToRemove  []entity.Entity // current, no longer desired, kind not frozen
	Kept      []entity.Entity // current, not desired, kind frozen

	Diffs []Diff

	existing map[string]struct{}
}

// Exists reports whether id was already in the registry.
func (p *Plan) Exists(id string) bool {
	_, ok := p.existing[id]
	return ok
}

// Upserts returns the entities to write. Unchanged entities are included
// unless skipUnchanged is set.
func (p *Plan) Upserts(skipUnchanged bool) []entity.Entity {
	out := make([]entity.Entity, 0, len(p.New)+len(p.Changed)+len(p.Unchanged))
	out = append(out, p.New...)
	out = append(out, p.Changed...)
	if !skipUnchanged {
		out = append(out, p.Unchanged...)
	}
	return out
}

// BuildPlan compares the desired set against the current registry records
// of a scope. Both sides must already be restricted to agent-owned entities
// of that scope.
func BuildPlan(scope entity.Scope, desired, current []entity.Entity, frozen []entity.Kind) *Plan {
	desiredSet := entity.NewSet(desired...)
	currentSet := entity.NewSet(current...)
	frozenKinds := make(map[entity.Kind]struct{}, len(frozen))
	for _, k := range frozen {
		frozenKinds[k] = struct{}{}
	}

	p := &Plan{
		Scope:    scope,
		existing: make(map[string]struct{}, currentSet.Len()),
	}
	for _, id := range currentSet.IDs() {
		p.existing[id] = struct{}{}
	}

	p.findMissing(desiredSet, currentSet)
	p.findDrifted(desiredSet, currentSet)
	p.findUnwanted(desiredSet, currentSet, frozenKinds)

	sort.SliceStable(p.Diffs, func(i, j int) bool {
		return p.Diffs[i].EntityID < p.Diffs[j].EntityID
	})
	return p
}

func (p *Plan) findMissing(desired, current *entity.Set) {
	for _, id := range desired.IDs() {
		if current.Has(id) {
			continue
		}
		e, _ := desired.Get(id)
		p.New = append(p.New, e)
		p.Diffs = append(p.Diffs, Diff{Type: DiffMissing, EntityID: id, Kind: e.Type})
	}
}

func (p *Plan) findDrifted(desired, current *entity.Set) {
	for _, id := range desired.IDs() {
		have, ok := current.Get(id)
		if !ok {
			continue
		}
		want, _ := desired.Get(id)
		if fields := entity.ChangedFields(want, have); len(fields) > 0 {
			p.Changed = append(p.Changed, want)
			p.Diffs = append(p.Diffs, Diff{Type: DiffDrifted, EntityID: id, Kind: want.Type, Fields: fields})
			continue
		}
		p.Unchanged = append(p.Unchanged, want)
		p.Diffs = append(p.Diffs, Diff{Type: DiffUnchanged, EntityID: id, Kind: want.Type})
	}
}

func (p *Plan) findUnwanted(desired, current *entity.Set, frozen map[entity.Kind]struct{}) {
	for _, id := range current.IDs() {
		if desired.Has(id) {
			continue
		}
		e, _ := current.Get(id)
		if _, ok := frozen[e.Type]; ok {
			p.Kept = append(p.Kept, e)
			p.Diffs = append(p.Diffs, Diff{Type: DiffFrozen, EntityID: id, Kind: e.Type})
			continue
		}
		p.ToRemove = append(p.ToRemove, e)
		p.Diffs = append(p.Diffs, Diff{Type: DiffUnwanted, EntityID: id, Kind: e.Type})
	}
}

// Counts returns the number of diffs per type.
func (p *Plan) Counts() map[DiffType]int {
	counts := make(map[DiffType]int)
	for _, d := range p.Diffs {
		counts[d.Type]++
	}
	return counts
}
