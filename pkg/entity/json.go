package entity

import (
	"encoding/json"
	"fmt"
)

// headerKeys are always written from the Header, never from attributes or extras.
var headerKeys = []string{"id", "type", "created_by", "infrastructure_account", "region"}

// Fields flattens the entity into its wire record: attributes, then extras,
// then the header. Numbers decode as float64, matching records read back
// from the registry.
func (e Entity) Fields() (map[string]any, error) {
	fields := make(map[string]any)

	switch attrs := e.Attrs.(type) {
	case nil:
	case Opaque:
		for k, v := range attrs.Fields {
			fields[k] = v
		}
	case *Opaque:
		for k, v := range attrs.Fields {
			fields[k] = v
		}
	default:
		raw, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("marshal %s attributes: %w", e.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s attributes: %w", e.Type, err)
		}
	}

	for k, v := range e.Extra {
		fields[k] = v
	}

	fields["id"] = e.ID
	fields["type"] = string(e.Type)
	fields["created_by"] = e.CreatedBy
	fields["infrastructure_account"] = e.InfrastructureAccount
	fields["region"] = e.Region

	return fields, nil
}

// MarshalJSON writes the flat wire record.
func (e Entity) MarshalJSON() ([]byte, error) {
	fields, err := e.Fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads a registry record. Non-header keys land in an Opaque
// attribute bag.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	e.Header = Header{
		ID:                    str("id"),
		Type:                  Kind(str("type")),
		CreatedBy:             str("created_by"),
		InfrastructureAccount: str("infrastructure_account"),
		Region:                str("region"),
	}

	for _, k := range headerKeys {
		delete(fields, k)
	}
	e.Attrs = Opaque{Type: e.Type, Fields: fields}
	e.Extra = nil

	return nil
}
