// Package flow implements the record-flow engine: declarative rules
// bound to a record type that react to status transitions by evaluating
// conditions over related records and dispatching actions.
package flow

import (
	"fmt"

	"github.com/clarinet-dicom/clarinet/store"
)

// Context is the evaluation scope of one flow run: the latest record of
// each type around the triggering record, keyed by record type name.
type Context map[string]*store.Record

// Field references a value inside a context record's data payload.
// Fields are immutable; Path returns a new reference.
type Field struct {
	record string
	path   []string
}

// F starts a field reference for the named record type.
func F(record string) Field {
	return Field{record: record}
}

// Path extends the reference into the record's data JSON.
func (f Field) Path(elems ...string) Field {
	path := make([]string, 0, len(f.path)+len(elems))
	path = append(path, f.path...)
	path = append(path, elems...)
	return Field{record: f.record, path: path}
}

// resolve walks the field's path through the record data. Any missing
// step is an evaluation error.
func (f Field) resolve(ctx Context) (interface{}, error) {
	record, ok := ctx[f.record]
	if !ok {
		return nil, fmt.Errorf("record %q not in context", f.record)
	}
	data, err := record.DataMap()
	if err != nil {
		return nil, fmt.Errorf("record %q data: %w", f.record, err)
	}

	var current interface{} = data
	for _, elem := range f.path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("record %q path %v: %q is not an object", f.record, f.path, elem)
		}
		current, ok = m[elem]
		if !ok {
			return nil, fmt.Errorf("record %q path %v: %q not found", f.record, f.path, elem)
		}
	}
	return current, nil
}

// operand is either a field reference or a constant.
type operand struct {
	field *Field
	value interface{}
}

func (o operand) resolve(ctx Context) (interface{}, error) {
	if o.field != nil {
		return o.field.resolve(ctx)
	}
	return o.value, nil
}

type compareOp string

const (
	opEq compareOp = "=="
	opNe compareOp = "!="
	opLt compareOp = "<"
	opLe compareOp = "<="
	opGt compareOp = ">"
	opGe compareOp = ">="
)

// node is one evaluable tree node.
type node interface {
	eval(ctx Context) (bool, error)
}

// Condition is an immutable boolean expression over a flow context.
type Condition struct {
	root   node
	isElse bool
}

// IsElse reports whether this is the always-true else marker.
func (c Condition) IsElse() bool { return c.isElse }

// Eval evaluates the condition against a context.
func (c Condition) Eval(ctx Context) (bool, error) {
	if c.isElse {
		return true, nil
	}
	if c.root == nil {
		return false, fmt.Errorf("empty condition")
	}
	return c.root.eval(ctx)
}

// Else is the always-true branch marker, valid only as the last branch
// of a definition.
func Else() Condition {
	return Condition{isElse: true}
}

// And combines two conditions, short-circuiting on false.
func (c Condition) And(other Condition) Condition {
	return Condition{root: logical{left: c, right: other, and: true}}
}

// Or combines two conditions, short-circuiting on true.
func (c Condition) Or(other Condition) Condition {
	return Condition{root: logical{left: c, right: other}}
}

type logical struct {
	left, right Condition
	and         bool
}

func (l logical) eval(ctx Context) (bool, error) {
	left, err := l.left.Eval(ctx)
	if err != nil {
		return false, err
	}
	if l.and && !left {
		return false, nil
	}
	if !l.and && left {
		return true, nil
	}
	return l.right.Eval(ctx)
}

type comparison struct {
	left  operand
	op    compareOp
	right operand
}

func (c comparison) eval(ctx Context) (bool, error) {
	left, err := c.left.resolve(ctx)
	if err != nil {
		return false, err
	}
	right, err := c.right.resolve(ctx)
	if err != nil {
		return false, err
	}
	return compare(left, c.op, right)
}

func (f Field) compareTo(op compareOp, v interface{}) Condition {
	field := f
	right := operand{value: v}
	if rf, ok := v.(Field); ok {
		right = operand{field: &rf}
	}
	return Condition{root: comparison{left: operand{field: &field}, op: op, right: right}}
}

// Eq compares the field to a constant or another field.
func (f Field) Eq(v interface{}) Condition { return f.compareTo(opEq, v) }

// Ne is the inequality comparison.
func (f Field) Ne(v interface{}) Condition { return f.compareTo(opNe, v) }

// Lt is a numeric less-than comparison.
func (f Field) Lt(v interface{}) Condition { return f.compareTo(opLt, v) }

// Le is a numeric less-or-equal comparison.
func (f Field) Le(v interface{}) Condition { return f.compareTo(opLe, v) }

// Gt is a numeric greater-than comparison.
func (f Field) Gt(v interface{}) Condition { return f.compareTo(opGt, v) }

// Ge is a numeric greater-or-equal comparison.
func (f Field) Ge(v interface{}) Condition { return f.compareTo(opGe, v) }

// asFloat coerces JSON numbers for ordered comparison.
func asFloat(v interface{}) (float64, bool) {
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

func compare(left interface{}, op compareOp, right interface{}) (bool, error) {
	switch op {
	case opEq, opNe:
		equal := scalarEqual(left, right)
		if op == opNe {
			return !equal, nil
		}
		return equal, nil
	}

	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return false, fmt.Errorf("cannot order %T against %T", left, right)
	}
	switch op {
	case opLt:
		return lf < rf, nil
	case opLe:
		return lf <= rf, nil
	case opGt:
		return lf > rf, nil
	case opGe:
		return lf >= rf, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func scalarEqual(left, right interface{}) bool {
	if lf, ok := asFloat(left); ok {
		if rf, ok := asFloat(right); ok {
			return lf == rf
		}
		return false
	}
	return left == right
}
