package zgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeGraph parses JSON holding one object or an array of objects of
// entity into nodes. Keys naming relations become related nodes, a null
// relation is an empty relation, and "#id", "#ref" and "#dbRef" become
// markers. Numbers decode to int64 when integral, else float64.
func (r *Registry) DecodeGraph(entity string, data []byte) ([]*Node, error) {
	if err := r.Freeze(); err != nil {
		return nil, err
	}
	e, err := r.Resolve(entity)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("zgraph: decode %s graph: %w", entity, err)
	}

	switch t := v.(type) {
	case map[string]any:
		n, err := jsonChild(e, t)
		if err != nil {
			return nil, err
		}
		return []*Node{n}, nil
	case []any:
		nodes := make([]*Node, 0, len(t))
		for _, item := range t {
			n, err := jsonChild(e, item)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, n)
		}
		return nodes, nil
	}
	return nil, fmt.Errorf("zgraph: %s graph must be an object or an array, got %T", entity, v)
}

func jsonChild(e *EntityType, v any) (*Node, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("zgraph: %s node must be an object, got %T", e.Name, v)
	}
	n, err := nodeFromMap(e, m, jsonChild, false)
	if err != nil {
		return nil, err
	}
	for prop, val := range n.Props {
		n.Props[prop] = jsonScalar(val)
	}
	for i, part := range n.DBRef {
		n.DBRef[i] = jsonScalar(part)
	}
	return n, nil
}

func jsonScalar(v any) any {
	num, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := num.Int64(); err == nil {
		return i
	}
	if f, err := num.Float64(); err == nil {
		return f
	}
	return num.String()
}
