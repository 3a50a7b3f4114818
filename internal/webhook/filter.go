package webhook

import (
	"fmt"
	"strings"

	"github.com/edvin/iotgate/internal/model"
)

// Matches reports whether data satisfies every condition. An empty condition
// list matches everything.
func Matches(conds []model.FilterCondition, data map[string]any) bool {
	for _, c := range conds {
		if !matchOne(c, data) {
			return false
		}
	}
	return true
}

func matchOne(c model.FilterCondition, data map[string]any) bool {
	v, ok := lookup(data, c.Field)

	switch c.Op {
	case model.FilterExists:
		return ok
	case model.FilterEq:
		return ok && equal(v, c.Value)
	case model.FilterNeq:
		return !ok || !equal(v, c.Value)
	case model.FilterIn:
		if !ok {
			return false
		}
		list, isList := c.Value.([]any)
		if !isList {
			return false
		}
		for _, item := range list {
			if equal(v, item) {
				return true
			}
		}
		return false
	case model.FilterGte, model.FilterLte:
		a, okA := number(v)
		b, okB := number(c.Value)
		if !ok || !okA || !okB {
			return false
		}
		if c.Op == model.FilterGte {
			return a >= b
		}
		return a <= b
	default:
		return false
	}
}

// lookup resolves a dotted path such as "device.location.site".
func lookup(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
