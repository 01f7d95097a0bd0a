package accesskit

import (
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/date"
)

// ============================================================================
// TYPED PREDICATES (ABAC conditions)
// ============================================================================

// PredicateKind tags the small set of supported predicate variants.
type PredicateKind uint8

const (
	PredEq PredicateKind = iota
	PredNe
	PredIn
	PredGt
	PredGte
	PredLt
	PredLte
	PredPresent
)

func (k PredicateKind) String() string {
	switch k {
	case PredEq:
		return "eq"
	case PredNe:
		return "ne"
	case PredIn:
		return "in"
	case PredGt:
		return "gt"
	case PredGte:
		return "gte"
	case PredLt:
		return "lt"
	case PredLte:
		return "lte"
	case PredPresent:
		return "present"
	}
	return "unknown"
}

// Predicate is one compiled condition entry. All predicates of a permission
// must hold (conjunction); across permissions any satisfied one suffices.
type Predicate struct {
	Field  string
	Kind   PredicateKind
	Value  any   // eq/ne/comparisons/present
	Values []any // in
}

func (p Predicate) String() string {
	if p.Kind == PredIn {
		return fmt.Sprintf("%s in %v", p.Field, p.Values)
	}
	return fmt.Sprintf("%s %s %v", p.Field, p.Kind, p.Value)
}

// EvalContext is the attribute view a predicate evaluates against: the
// request context first, then resource attributes, then a few addressable
// principal/resource fields via dotted names.
type EvalContext struct {
	Principal *Principal
	Resource  *Resource
	Context   map[string]any
}

func (c *EvalContext) lookup(field string) (any, bool) {
	switch {
	case strings.HasPrefix(field, "principal."):
		return c.principalField(field[len("principal."):])
	case strings.HasPrefix(field, "resource."):
		return c.resourceField(field[len("resource."):])
	}
	if c.Context != nil {
		if v, ok := c.Context[field]; ok {
			return v, true
		}
	}
	if c.Resource != nil && c.Resource.Attrs != nil {
		if v, ok := c.Resource.Attrs[field]; ok {
			return v, true
		}
	}
	return nil, false
}

func (c *EvalContext) principalField(name string) (any, bool) {
	if c.Principal == nil {
		return nil, false
	}
	switch name {
	case "id":
		return c.Principal.ID, true
	case "tenant_id":
		return c.Principal.TenantID, true
	case "branch_id":
		return c.Principal.BranchID, true
	case "service_account":
		return c.Principal.ServiceAccount, true
	}
	if c.Principal.Attrs != nil {
		v, ok := c.Principal.Attrs[name]
		return v, ok
	}
	return nil, false
}

func (c *EvalContext) resourceField(name string) (any, bool) {
	if c.Resource == nil {
		return nil, false
	}
	switch name {
	case "id":
		return c.Resource.ID, true
	case "type":
		return c.Resource.Type, true
	case "path":
		return c.Resource.Path, true
	}
	if c.Resource.Attrs != nil {
		v, ok := c.Resource.Attrs[name]
		return v, ok
	}
	return nil, false
}

// Satisfied evaluates the predicate. A type mismatch or unresolvable operand
// returns an error wrapping ErrMalformedCondition; callers treat that as
// not-satisfied and log it, never as a fatal failure.
func (p Predicate) Satisfied(ec *EvalContext) (bool, error) {
	val, present := ec.lookup(p.Field)

	if p.Kind == PredPresent {
		want := true
		if b, ok := p.Value.(bool); ok {
			want = b
		}
		return present == want, nil
	}

	if !present {
		// absent attribute cannot satisfy an equality/comparison
		return false, nil
	}

	switch p.Kind {
	case PredEq:
		cmp, err := compareValues(val, p.Value)
		if err != nil {
			return false, err
		}
		return cmp == 0, nil
	case PredNe:
		cmp, err := compareValues(val, p.Value)
		if err != nil {
			return false, err
		}
		return cmp != 0, nil
	case PredIn:
		for _, candidate := range p.Values {
			cmp, err := compareValues(val, candidate)
			if err != nil {
				continue
			}
			if cmp == 0 {
				return true, nil
			}
		}
		return false, nil
	case PredGt, PredGte, PredLt, PredLte:
		cmp, err := compareValues(val, p.Value)
		if err != nil {
			return false, err
		}
		switch p.Kind {
		case PredGt:
			return cmp > 0, nil
		case PredGte:
			return cmp >= 0, nil
		case PredLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	}
	return false, fmt.Errorf("%w: operator %d", ErrMalformedCondition, p.Kind)
}

// compareValues orders two dynamic values: -1, 0 or 1. Strings compare
// lexically, numbers after coercion to float64, times chronologically
// (strings are parsed as timestamps when the other side is a time). Anything
// else is a type mismatch.
func compareValues(a, b any) (int, error) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return cmpOrdered(af, bf), nil
		}
		return 0, fmt.Errorf("%w: comparing number with %T", ErrMalformedCondition, b)
	}

	if at, aok := toTime(a); aok {
		bt, bok := toTime(b)
		if !bok {
			if bs, ok := b.(string); ok {
				if parsed, err := date.Parse(bs); err == nil {
					bt, bok = parsed, true
				}
			}
		}
		if bok {
			switch {
			case at.Equal(bt):
				return 0, nil
			case at.Before(bt):
				return -1, nil
			default:
				return 1, nil
			}
		}
		return 0, fmt.Errorf("%w: comparing time with %T", ErrMalformedCondition, b)
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return cmpOrdered(av, bv), nil
		}
		if bt, ok := toTime(b); ok {
			if at, err := date.Parse(av); err == nil {
				return compareValues(at, bt)
			}
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0, nil
			}
			return 1, nil
		}
	}
	return 0, fmt.Errorf("%w: cannot compare %T with %T", ErrMalformedCondition, a, b)
}

func cmpOrdered[T interface{ ~string | ~float64 }](a, b T) int {
	switch {
	case a == b:
		return 0
	case a < b:
		return -1
	default:
		return 1
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}
