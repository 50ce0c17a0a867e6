package entity

// InheritedFields lists, per kind, fields the agent cannot recompute on
// every pass. They are carried over from the registry record when the
// desired entity leaves them empty.
var InheritedFields = map[Kind][]string{
	KindApplication: {"scalyr_ts_id"},
}

// Inherit returns want with each of keys copied from have, as an extra,
// when want lacks the key (or holds "") and have holds a non-empty string.
func Inherit(want, have Entity, keys ...string) Entity {
	if len(keys) == 0 {
		return want
	}
	wantFields, err := want.Fields()
	if err != nil {
		return want
	}
	haveFields, err := have.Fields()
	if err != nil {
		return want
	}

	carried := make(map[string]string)
	for _, k := range keys {
		if v, ok := wantFields[k]; ok && v != "" && v != nil {
			continue
		}
		if v, ok := haveFields[k].(string); ok && v != "" {
			carried[k] = v
		}
	}
	return want.WithExtra(carried)
}
