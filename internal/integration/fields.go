package integration

import "time"

// Field helpers read typed values out of entry data and options maps.
// Values arrive decoded from JSON (numbers as float64) or constructed in
// Go (typed); both forms are accepted. A value of the wrong kind is a
// fatal configuration error.

// IntField reads an integer, falling back to def when the key is absent.
func IntField(m map[string]any, key string, def int) (int, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, Fatal("%s must be a number, got %T", key, v)
	}
}

// StringField reads a string, falling back to def when the key is absent.
func StringField(m map[string]any, key, def string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", Fatal("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// StringsField reads a list of strings; a missing key yields nil.
func StringsField(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, Fatal("%s must contain only strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, Fatal("%s must be a list of strings, got %T", key, v)
	}
}

// SecondsField reads a duration expressed in whole seconds. Absent or
// non-positive values yield def.
func SecondsField(m map[string]any, key string, def time.Duration) (time.Duration, error) {
	n, err := IntField(m, key, 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return def, nil
	}
	return time.Duration(n) * time.Second, nil
}
