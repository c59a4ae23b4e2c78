package agent

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/clipscommerce/improvement/internal/domain"
)

// Task parameters come either from in-process callers (typed values) or from
// decoded JSON (float64, json.Number, strings). These helpers accept both.

func paramString(t Task, key string) (string, bool) {
	v, ok := t.Parameters[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

func requireString(t Task, key string) (string, error) {
	s, ok := paramString(t, key)
	if !ok {
		return "", domain.Validation("task %s requires parameter %q", t.Type, key)
	}
	return s, nil
}

func paramFloat(t Task, key string) (float64, bool, error) {
	v, ok := t.Parameters[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false, domain.Validation("parameter %q: %v", key, err)
		}
		return f, true, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false, domain.Validation("parameter %q: %v", key, err)
		}
		return f, true, nil
	default:
		return 0, false, domain.Validation("parameter %q has unsupported type %T", key, v)
	}
}

func paramInt(t Task, key string) (int, bool, error) {
	f, ok, err := paramFloat(t, key)
	return int(f), ok, err
}

func paramBool(t Task, key string) bool {
	switch b := t.Parameters[key].(type) {
	case bool:
		return b
	case string:
		v, _ := strconv.ParseBool(b)
		return v
	default:
		return false
	}
}

func paramStrings(t Task, key string) []string {
	switch v := t.Parameters[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
