package accesskit

import (
	"fmt"
	"sort"
)

// ParseConditions turns a permission's raw condition map into typed
// predicates, once, at permission-load time. Supported entry shapes:
//
//	"branch": "mumbai"                      equality against a literal
//	"status": ["draft", "submitted"]        membership in a literal set
//	"weight": {"gte": 10, "lt": 100}        comparison operators
//	"signed_off": {"present": true}         attribute presence
//
// Operator maps may combine several operators; each becomes its own
// predicate. An unknown operator fails the parse with ErrMalformedCondition
// so bad conditions are rejected at write time, not discovered per request.
func ParseConditions(raw map[string]any) ([]Predicate, error) {
	if len(raw) == 0 {
		return []Predicate{}, nil
	}
	preds := make([]Predicate, 0, len(raw))
	for _, field := range sortedKeys(raw) {
		entry := raw[field]
		switch v := entry.(type) {
		case []any:
			preds = append(preds, Predicate{Field: field, Kind: PredIn, Values: v})
		case []string:
			vals := make([]any, len(v))
			for i, s := range v {
				vals[i] = s
			}
			preds = append(preds, Predicate{Field: field, Kind: PredIn, Values: vals})
		case map[string]any:
			ops, err := parseOperatorMap(field, v)
			if err != nil {
				return nil, err
			}
			preds = append(preds, ops...)
		default:
			preds = append(preds, Predicate{Field: field, Kind: PredEq, Value: entry})
		}
	}
	return preds, nil
}

func parseOperatorMap(field string, ops map[string]any) ([]Predicate, error) {
	out := make([]Predicate, 0, len(ops))
	for _, op := range sortedKeys(ops) {
		operand := ops[op]
		kind, ok := operatorKind(op)
		if !ok {
			return nil, fmt.Errorf("%w: field %s has unsupported operator %q", ErrMalformedCondition, field, op)
		}
		if kind == PredIn {
			vals, ok := operand.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: field %s operator in requires a list, got %T", ErrMalformedCondition, field, operand)
			}
			out = append(out, Predicate{Field: field, Kind: PredIn, Values: vals})
			continue
		}
		out = append(out, Predicate{Field: field, Kind: kind, Value: operand})
	}
	return out, nil
}

func operatorKind(op string) (PredicateKind, bool) {
	switch op {
	case "eq", "==":
		return PredEq, true
	case "ne", "!=":
		return PredNe, true
	case "in":
		return PredIn, true
	case "gt", ">":
		return PredGt, true
	case "gte", ">=":
		return PredGte, true
	case "lt", "<":
		return PredLt, true
	case "lte", "<=":
		return PredLte, true
	case "present":
		return PredPresent, true
	}
	return 0, false
}

// sortedKeys keeps predicate order deterministic so repeated loads of the
// same permission compile to the same predicate sequence.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
