package entity

import (
	"sort"
)

// Set is an id-keyed collection that preserves insertion order.
type Set struct {
	byID  map[string]Entity
	order []string
}

// NewSet builds a set; the first entity wins on duplicate ids.
func NewSet(entities ...Entity) *Set {
	s := &Set{byID: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		s.Add(e)
	}
	return s
}

// Add inserts e and reports whether its id was new.
func (s *Set) Add(e Entity) bool {
	if _, exists := s.byID[e.ID]; exists {
		return false
	}
	s.byID[e.ID] = e
	s.order = append(s.order, e.ID)
	return true
}

// Has reports whether an entity with id is present.
func (s *Set) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get returns the entity with id.
func (s *Set) Get(id string) (Entity, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// Len returns the number of entities.
func (s *Set) Len() int {
	return len(s.order)
}

// Entities returns entities in insertion order.
func (s *Set) Entities() []Entity {
	out := make([]Entity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// IDs returns the sorted ids.
func (s *Set) IDs() []string {
	ids := append([]string(nil), s.order...)
	sort.Strings(ids)
	return ids
}

// Tier orders upserts so that entities others depend on land first.
type Tier int

const (
	TierAccount Tier = iota
	TierCompute
	TierLoadBalancer
	TierResource
	TierApplication
)

// Tiers lists all tiers in write order.
var Tiers = []Tier{TierAccount, TierCompute, TierLoadBalancer, TierResource, TierApplication}

func (t Tier) String() string {
	switch t {
	case TierAccount:
		return "account"
	case TierCompute:
		return "compute"
	case TierLoadBalancer:
		return "load_balancer"
	case TierResource:
		return "resource"
	case TierApplication:
		return "application"
	default:
		return "unknown"
	}
}

// TierOf maps a kind to its write tier.
func TierOf(k Kind) Tier {
	switch k {
	case KindAccount:
		return TierAccount
	case KindInstance, KindAutoScalingGroup:
		return TierCompute
	case KindLoadBalancer:
		return TierLoadBalancer
	case KindApplication:
		return TierApplication
	default:
		return TierResource
	}
}

// ByTier groups entities by tier, each group sorted by id.
func ByTier(entities []Entity) map[Tier][]Entity {
	groups := make(map[Tier][]Entity)
	for _, e := range entities {
		t := TierOf(e.Type)
		groups[t] = append(groups[t], e)
	}
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	}
	return groups
}
