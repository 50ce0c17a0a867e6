package entity

import (
	"reflect"
	"sort"
)

// serverManagedFields are stamped by the registry and ignored when comparing.
var serverManagedFields = []string{"last_modified"}

// ChangedFields returns the sorted keys whose values differ between the
// desired entity and the registry record. An error flattening either side
// is reported as a change of every key.
func ChangedFields(desired, current Entity) []string {
	want, err := desired.Fields()
	if err != nil {
		return []string{"*"}
	}
	have, err := current.Fields()
	if err != nil {
		return []string{"*"}
	}
	for _, k := range serverManagedFields {
		delete(want, k)
		delete(have, k)
	}

	keys := make(map[string]struct{}, len(want)+len(have))
	for k := range want {
		keys[k] = struct{}{}
	}
	for k := range have {
		keys[k] = struct{}{}
	}

	var changed []string
	for k := range keys {
		if !reflect.DeepEqual(want[k], have[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Equal reports whether two entities produce the same wire record.
func Equal(a, b Entity) bool {
	return len(ChangedFields(a, b)) == 0
}
