package filter

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"vectordb/internal/common"
	"vectordb/internal/errs"
)

// Op is a leaf comparison operator
type Op string

const (
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpLt         Op = "lt"
	OpLe         Op = "le"
	OpGt         Op = "gt"
	OpGe         Op = "ge"
	OpIn         Op = "in"
	OpExists     Op = "exists"
	OpStartsWith Op = "startsWith"
)

// Predicate is a node of a metadata filter. Exactly one of And, Or, Not or
// the leaf fields (Field, Op, Value) is set.
type Predicate struct {
	And   []*Predicate `json:"and,omitempty"`
	Or    []*Predicate `json:"or,omitempty"`
	Not   *Predicate   `json:"not,omitempty"`
	Field string       `json:"field,omitempty"`
	Op    Op           `json:"op,omitempty"`
	Value any          `json:"value,omitempty"`
}

// Eq matches points whose field equals value.
func Eq(field string, value any) *Predicate {
	return &Predicate{Field: field, Op: OpEq, Value: value}
}

func Leaf(field string, op Op, value any) *Predicate {
	return &Predicate{Field: field, Op: op, Value: value}
}

// And matches when every child matches.
func And(children ...*Predicate) *Predicate {
	return &Predicate{And: children}
}

// Or matches when any child matches.
func Or(children ...*Predicate) *Predicate {
	return &Predicate{Or: children}
}

// Not negates child.
func Not(child *Predicate) *Predicate {
	return &Predicate{Not: child}
}

func (p *Predicate) isLeaf() bool {
	return p.Field != "" || p.Op != ""
}

// UnmarshalJSON accepts the tree form ({"and": [...]}, {"field", "op",
// "value"}) and the shorthand {"field": literal, ...}, which is an and of
// equality leaves.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return errs.InvalidArgument("filter must be a JSON object: %v", err)
	}

	switch {
	case has(raw, "and"):
		if len(raw) != 1 {
			return errs.InvalidArgument("filter node 'and' must not have siblings")
		}
		return decodeStrict(raw["and"], &p.And)
	case has(raw, "or"):
		if len(raw) != 1 {
			return errs.InvalidArgument("filter node 'or' must not have siblings")
		}
		return decodeStrict(raw["or"], &p.Or)
	case has(raw, "not"):
		if len(raw) != 1 {
			return errs.InvalidArgument("filter node 'not' must not have siblings")
		}
		p.Not = &Predicate{}
		return decodeStrict(raw["not"], p.Not)
	case has(raw, "field") || has(raw, "op"):
		if !has(raw, "field") || !has(raw, "op") {
			return errs.InvalidArgument("filter leaf requires both field and op")
		}
		return p.decodeLeaf(raw)
	}

	// shorthand: {"category": "book", "year": 2020}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	leaves := make([]*Predicate, 0, len(keys))
	for _, k := range keys {
		v, err := decodeValue(raw[k])
		if err != nil {
			return err
		}
		if arr, ok := v.([]any); ok {
			leaves = append(leaves, Leaf(k, OpIn, arr))
		} else {
			leaves = append(leaves, Eq(k, v))
		}
	}
	if len(leaves) == 1 {
		*p = *leaves[0]
		return nil
	}
	p.And = leaves
	return nil
}

func (p *Predicate) decodeLeaf(raw map[string]json.RawMessage) error {
	if err := json.Unmarshal(raw["field"], &p.Field); err != nil {
		return errs.InvalidArgument("filter field must be a string")
	}
	var op string
	if err := json.Unmarshal(raw["op"], &op); err != nil {
		return errs.InvalidArgument("filter op must be a string")
	}
	p.Op = normalizeOp(op)
	if v, ok := raw["value"]; ok {
		value, err := decodeValue(v)
		if err != nil {
			return err
		}
		p.Value = value
	}
	return nil
}

func normalizeOp(op string) Op {
	switch strings.ToLower(op) {
	case "eq", "$eq", "==":
		return OpEq
	case "ne", "$ne", "!=":
		return OpNe
	case "lt", "$lt", "<":
		return OpLt
	case "le", "lte", "$lte", "<=":
		return OpLe
	case "gt", "$gt", ">":
		return OpGt
	case "ge", "gte", "$gte", ">=":
		return OpGe
	case "in", "$in":
		return OpIn
	case "exists", "$exists":
		return OpExists
	case "startswith", "starts_with", "prefix":
		return OpStartsWith
	}
	return Op(op)
}

func decodeStrict(data json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return errs.Wrapf(err, errs.KindInvalidArgument, "invalid filter")
	}
	return nil
}

func decodeValue(data json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errs.InvalidArgument("invalid filter literal: %v", err)
	}
	return common.NormalizeValue(v)
}

func has(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

// Validate checks the tree shape and normalizes literals in place.
func (p *Predicate) Validate() error {
	if p == nil {
		return errs.InvalidArgument("filter node must not be null")
	}

	kinds := 0
	if p.And != nil {
		kinds++
	}
	if p.Or != nil {
		kinds++
	}
	if p.Not != nil {
		kinds++
	}
	if p.isLeaf() {
		kinds++
	}
	if kinds != 1 {
		return errs.InvalidArgument("filter node must be exactly one of and, or, not or a leaf")
	}

	switch {
	case p.And != nil:
		return validateChildren("and", p.And)
	case p.Or != nil:
		return validateChildren("or", p.Or)
	case p.Not != nil:
		return p.Not.Validate()
	}

	if p.Field == "" {
		return errs.InvalidArgument("filter leaf requires a field")
	}
	value, err := common.NormalizeValue(p.Value)
	if err != nil {
		return err
	}
	p.Value = value

	switch p.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		if _, isArr := p.Value.([]any); isArr {
			return errs.InvalidArgument("operator %q requires a scalar literal", p.Op)
		}
	case OpIn:
		if _, isArr := p.Value.([]any); !isArr {
			return errs.InvalidArgument("operator 'in' requires an array literal")
		}
	case OpStartsWith:
		if _, isStr := p.Value.(string); !isStr {
			return errs.InvalidArgument("operator 'startsWith' requires a string literal")
		}
	case OpExists:
	default:
		return errs.InvalidArgument("unsupported filter operator %q", p.Op)
	}
	return nil
}

func validateChildren(name string, children []*Predicate) error {
	if len(children) == 0 {
		return errs.InvalidArgument("filter node %q requires at least one child", name)
	}
	for _, c := range children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate applies p to md. Type mismatches evaluate to false.
func (p *Predicate) Evaluate(md common.Metadata) bool {
	switch {
	case p == nil:
		return true
	case p.And != nil:
		for _, c := range p.And {
			if !c.Evaluate(md) {
				return false
			}
		}
		return true
	case p.Or != nil:
		for _, c := range p.Or {
			if c.Evaluate(md) {
				return true
			}
		}
		return false
	case p.Not != nil:
		return !p.Not.Evaluate(md)
	}

	v, ok := md[p.Field]
	if p.Op == OpExists {
		return ok && v != nil
	}
	if !ok {
		return false
	}

	// an array-valued field matches when any element does; ne requires that
	// no element is equal
	if arr, isArr := v.([]any); isArr {
		if p.Op == OpNe {
			for _, item := range arr {
				if equalValues(item, p.Value) {
					return false
				}
			}
			return len(arr) > 0 && comparableKind(arr[0], p.Value)
		}
		for _, item := range arr {
			if p.evalScalar(item) {
				return true
			}
		}
		return false
	}
	return p.evalScalar(v)
}

func (p *Predicate) evalScalar(v any) bool {
	switch p.Op {
	case OpEq:
		return equalValues(v, p.Value)
	case OpNe:
		return comparableKind(v, p.Value) && !equalValues(v, p.Value)
	case OpLt:
		c, ok := compareValues(v, p.Value)
		return ok && c < 0
	case OpLe:
		c, ok := compareValues(v, p.Value)
		return ok && c <= 0
	case OpGt:
		c, ok := compareValues(v, p.Value)
		return ok && c > 0
	case OpGe:
		c, ok := compareValues(v, p.Value)
		return ok && c >= 0
	case OpIn:
		list, _ := p.Value.([]any)
		for _, item := range list {
			if equalValues(v, item) {
				return true
			}
		}
		return false
	case OpStartsWith:
		s, ok := v.(string)
		prefix, ok2 := p.Value.(string)
		return ok && ok2 && strings.HasPrefix(s, prefix)
	}
	return false
}

func isNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func comparableKind(a, b any) bool {
	if _, ok := isNumber(a); ok {
		_, ok = isNumber(b)
		return ok
	}
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	case nil:
		return b == nil
	}
	return false
}

func equalValues(a, b any) bool {
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			return ai == bi
		}
	}
	if af, ok := isNumber(a); ok {
		bf, ok := isNumber(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

// compareValues orders numbers numerically and strings lexicographically.
func compareValues(a, b any) (int, bool) {
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			switch {
			case ai < bi:
				return -1, true
			case ai > bi:
				return 1, true
			}
			return 0, true
		}
	}
	if af, ok := isNumber(a); ok {
		bf, ok := isNumber(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}
