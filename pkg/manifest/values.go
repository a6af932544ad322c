package manifest

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// normalize converts a value decoded by yaml.v3 into a JSON-compatible value:
// mappings become map[string]any, sequences []any, timestamps RFC 3339
// strings. Numbers and booleans keep their type. Non-finite floats have no
// JSON form and are rejected; path names the offending field.
func normalize(path string, v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			n, err := normalize(joinPath(path, k), val)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			key := fmt.Sprint(k)
			n, err := normalize(joinPath(path, key), val)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			n, err := normalize(path+"["+strconv.Itoa(i)+"]", val)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return nil, &InvalidFieldError{Field: path, Value: fmt.Sprint(t), Reason: "non-finite numbers are not supported"}
		}
		return t, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	default:
		return v, nil
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
