package store

import (
	"fmt"
	"reflect"
)

// Op is a comparison operator usable in a Condition.
type Op string

const (
	OpEq Op = "eq"
	OpNe Op = "ne"
	OpIn Op = "in"
	OpGt Op = "gt"
	OpLt Op = "lt"
)

// Condition compares one document field against Value.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter selects documents by kind and conditions. All conditions must hold.
type Filter struct {
	Kind  string
	Where []Condition
}

// Eq is shorthand for an equality condition.
func Eq(field string, v any) Condition { return Condition{Field: field, Op: OpEq, Value: v} }

// In is shorthand for a membership condition.
func In(field string, values ...any) Condition { return Condition{Field: field, Op: OpIn, Value: values} }

// Match reports whether doc satisfies every condition of f.
func (f Filter) Match(doc Document) bool {
	for _, c := range f.Where {
		if !c.match(doc) {
			return false
		}
	}
	return true
}

func (c Condition) match(doc Document) bool {
	v, ok := doc[c.Field]
	switch c.Op {
	case OpEq, "":
		return ok && equal(v, c.Value)
	case OpNe:
		return !ok || !equal(v, c.Value)
	case OpIn:
		if !ok {
			return false
		}
		rv := reflect.ValueOf(c.Value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return equal(v, c.Value)
		}
		for i := 0; i < rv.Len(); i++ {
			if equal(v, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	case OpGt:
		return ok && compare(v, c.Value) > 0
	case OpLt:
		return ok && compare(v, c.Value) < 0
	default:
		return false
	}
}

func equal(a, b any) bool {
	fa, aNum := number(a)
	fb, bNum := number(b)
	if aNum && bNum {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers numerically and everything else by its string form.
func compare(a, b any) int {
	fa, aNum := number(a)
	fb, bNum := number(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
