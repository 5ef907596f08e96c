package vm

import (
	"fmt"
	"reflect"
)

// Value is any value the interpreter manipulates: nil, bool, int64,
// float64, string, *Object, or an opaque Go value produced by a substitute.
type Value = any

// Truthy reports whether v counts as true for conditional jumps. Only nil
// and false are false.
func Truthy(v Value) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	}
	return true
}

// Equal compares two values. Objects compare by identity; values of
// incomparable types are never equal.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		if isNumber(a) && isNumber(b) {
			return toFloat(a) == toFloat(b)
		}
		return false
	}
	return a == b
}

func isNumber(v Value) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func toFloat(v Value) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

// arith applies a binary arithmetic or comparison opcode.
func arith(op string, a, b Value) (Value, error) {
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			switch op {
			case "+":
				return ai + bi, nil
			case "-":
				return ai - bi, nil
			case "*":
				return ai * bi, nil
			case "/":
				if bi == 0 {
					return nil, ErrDivideByZero
				}
				return ai / bi, nil
			case "<":
				return ai < bi, nil
			case ">":
				return ai > bi, nil
			}
		}
	}
	if !isNumber(a) || !isNumber(b) {
		return nil, fmt.Errorf("%w: %s on %T and %T", ErrTypeMismatch, op, a, b)
	}
	af, bf := toFloat(a), toFloat(b)
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		return af / bf, nil
	case "<":
		return af < bf, nil
	case ">":
		return af > bf, nil
	}
	return nil, fmt.Errorf("vm: unknown arithmetic operator %q", op)
}

// Format renders a value for messages and concatenation.
func Format(v Value) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
