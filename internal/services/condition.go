package services

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Condition is a single field comparison inside a detection rule.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// Supported condition operators.
const (
	OpEq  = "eq"
	OpGt  = "gt"
	OpLt  = "lt"
	OpGte = "gte"
	OpLte = "lte"
	OpIn  = "in"
)

func knownOperator(op string) bool {
	switch op {
	case OpEq, OpGt, OpLt, OpGte, OpLte, OpIn:
		return true
	}
	return false
}

// evaluateCondition evaluates cond against the entity snapshot. It fails
// closed: a missing field, unknown operator, or non-numeric operand on a
// numeric comparison yields false. Pure, no I/O.
func evaluateCondition(entity EntitySnapshot, cond Condition) bool {
	value, ok := entity.Resolve(cond.Field)
	if !ok {
		return false
	}

	switch cond.Op {
	case OpEq:
		return valueEqual(value, cond.Value)
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	case OpIn:
		return valueIn(value, cond.Value)
	}
	return false
}

// valueEqual compares numerically when both sides are numbers, otherwise by
// rendered value. Rule operands arrive via JSON (float64) while snapshots
// may carry native ints, so 12000000 must equal 12000000.0.
func valueEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func valueIn(needle, collection interface{}) bool {
	rv := reflect.ValueOf(collection)
	if !rv.IsValid() {
		return false
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if valueEqual(needle, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
