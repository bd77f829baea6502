package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Evaluate walks the condition tree depth-first against ctx, resolving
// dotted field paths (e.g. "intent.priority") against the flattened
// evaluation context. It never panics and never calls out — a malformed
// leaf is a hard evaluation error, which the caller treats as fail-closed
// (spec.md §4.2: "an evaluator error at any stage degrades the intent to
// deny, never to allow").
func Evaluate(c Condition, ctx map[string]interface{}) (bool, error) {
	switch {
	case len(c.And) > 0:
		for _, sub := range c.And {
			ok, err := Evaluate(sub, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case len(c.Or) > 0:
		for _, sub := range c.Or {
			ok, err := Evaluate(sub, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Not != nil:
		ok, err := Evaluate(*c.Not, ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case c.Field != "":
		return evalLeaf(c, ctx)

	default:
		return false, fmt.Errorf("policy: empty condition node")
	}
}

func evalLeaf(c Condition, ctx map[string]interface{}) (bool, error) {
	actual, found := resolvePath(ctx, c.Field)
	switch c.Op {
	case OpEq:
		if !found {
			return c.Value == nil, nil
		}
		return looseEqual(actual, c.Value), nil
	case OpNe:
		if !found {
			return c.Value != nil, nil
		}
		return !looseEqual(actual, c.Value), nil
	case OpIn:
		if !found {
			return false, nil
		}
		items, ok := c.Value.([]interface{})
		if !ok {
			return false, fmt.Errorf("policy: %q op %q requires an array value", c.Field, c.Op)
		}
		for _, item := range items {
			if looseEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if !found {
			return false, nil
		}
		return containsOp(actual, c.Value)
	case OpStartsWith:
		s, sok := toString(actual)
		pfx, pok := toString(c.Value)
		return found && sok && pok && strings.HasPrefix(s, pfx), nil
	case OpEndsWith:
		s, sok := toString(actual)
		sfx, pok := toString(c.Value)
		return found && sok && pok && strings.HasSuffix(s, sfx), nil
	case OpMatches:
		if !found {
			return false, nil
		}
		s, sok := toString(actual)
		pattern, pok := toString(c.Value)
		if !sok || !pok {
			return false, fmt.Errorf("policy: %q op %q requires string operands", c.Field, c.Op)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("policy: %q invalid regexp %q: %w", c.Field, pattern, err)
		}
		return re.MatchString(s), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !found {
			return false, nil
		}
		return compareNumeric(c.Op, actual, c.Value)
	default:
		return false, fmt.Errorf("policy: unknown operator %q on field %q", c.Op, c.Field)
	}
}

// resolvePath walks a dotted path ("intent.context.amount") through
// nested maps. It returns found=false rather than an error for any
// missing segment, so leaf operators can implement their own
// missing-field semantics (spec.md §4.2: "matching against a missing
// field ... never throws").
func resolvePath(ctx map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = ctx
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func looseEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	as, aok := toString(a)
	bs, bok := toString(b)
	if aok && bok {
		return as == bs
	}
	return a == b
}

func containsOp(actual, needle interface{}) (bool, error) {
	switch v := actual.(type) {
	case string:
		s, ok := toString(needle)
		if !ok {
			return false, fmt.Errorf("policy: contains on string field requires a string value")
		}
		return strings.Contains(v, s), nil
	case []interface{}:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("policy: contains unsupported on %T", actual)
	}
}

func compareNumeric(op Op, a, b interface{}) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("policy: %q requires numeric operands, got %T and %T", op, a, b)
	}
	switch op {
	case OpGt:
		return af > bf, nil
	case OpGte:
		return af >= bf, nil
	case OpLt:
		return af < bf, nil
	case OpLte:
		return af <= bf, nil
	}
	return false, fmt.Errorf("policy: unreachable comparator %q", op)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
