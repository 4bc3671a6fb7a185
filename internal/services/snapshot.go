package services

import "strings"

// EntitySnapshot is an arbitrary key/value view of the business object a
// rule is evaluated against. There is no fixed schema; nested objects are
// addressed with dot-notation paths ("amount.amount").
type EntitySnapshot map[string]interface{}

// Resolve walks a dot-notation path through nested maps. The second return
// is false when the path is empty, an intermediate key is missing, or an
// intermediate value is not an object.
func (e EntitySnapshot) Resolve(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	var current interface{} = map[string]interface{}(e)
	for _, part := range strings.Split(path, ".") {
		m, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case EntitySnapshot:
		return m, true
	case map[string]interface{}:
		return m, true
	}
	return nil, false
}
