package store

import "encoding/json"

// Clone returns a deep copy of d. Nested maps and slices are copied, scalars are shared.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]any(d)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case Document:
		return Document(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

// Int64 reads a numeric field. JSON numbers decode as float64, typed callers may store ints.
func (d Document) Int64(field string) (int64, bool) {
	f, ok := number(d[field])
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Float64 reads a numeric field without truncation.
func (d Document) Float64(field string) (float64, bool) { return number(d[field]) }

// String reads a string field.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Encode converts a JSON-tagged value into a Document.
func Encode(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// Decode fills v from d using its JSON tags.
func Decode(d Document, v any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
