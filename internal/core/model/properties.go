package model

// =============================================================================
// Properties Builder
// =============================================================================

// Properties is an immutable, layered property bag. Each Merge returns a new
// value with one more layer; Finalize flattens the layers in order and
// injects the physical name last, so the name can never be overwritten by a
// kind or user layer.
type Properties struct {
	layers []map[string]any
}

// NewProperties starts a bag from a base layer.
func NewProperties(base map[string]any) Properties {
	return Properties{}.Merge(base)
}

// Merge returns a new bag with fields layered on top. The receiver is not
// modified and fields is copied.
func (p Properties) Merge(fields map[string]any) Properties {
	if len(fields) == 0 {
		return p
	}
	layers := make([]map[string]any, len(p.layers), len(p.layers)+1)
	copy(layers, p.layers)
	return Properties{layers: append(layers, deepCopyMap(fields))}
}

// Finalize flattens the layers into a fresh map and sets nameKey to
// physicalName. The result shares no memory with the bag.
func (p Properties) Finalize(nameKey, physicalName string) map[string]any {
	out := map[string]any{}
	for _, layer := range p.layers {
		for k, v := range layer {
			out[k] = deepCopy(v)
		}
	}
	if nameKey != "" {
		out[nameKey] = physicalName
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []Statement:
		out := make([]Statement, len(t))
		for i, s := range t {
			out[i] = Allow(s.Resource, s.Action...)
			out[i].Effect = s.Effect
		}
		return out
	default:
		return v
	}
}
