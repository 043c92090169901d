package routing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Operator is a comparison applied by a criteria leaf.
type Operator string

const (
	OpEq     Operator = "eq"
	OpNeq    Operator = "neq"
	OpIn     Operator = "in"
	OpNotIn  Operator = "not_in"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpExists Operator = "exists"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNeq, OpIn, OpNotIn, OpGt, OpGte, OpLt, OpLte, OpExists:
		return true
	}
	return false
}

func (o Operator) numeric() bool {
	return o == OpGt || o == OpGte || o == OpLt || o == OpLte
}

// Criteria is a predicate over order fields. Exactly one of All, Any, Not or
// Field is set; the zero value matches every order.
//
// Tagged form:
//
//	{"all": [{"field": "region", "op": "eq", "value": "US"},
//	         {"field": "units", "op": "gte", "value": 50}]}
//
// Shorthand form, a conjunction keyed by field:
//
//	{"region": "US", "units": {"gte": 50}, "attributes.paper": ["matte", "gloss"]}
type Criteria struct {
	All   []Criteria `json:"all,omitempty"`
	Any   []Criteria `json:"any,omitempty"`
	Not   *Criteria  `json:"not,omitempty"`
	Field string     `json:"field,omitempty"`
	Op    Operator   `json:"op,omitempty"`
	Value any        `json:"value,omitempty"`
}

var taggedKeys = map[string]bool{"all": true, "any": true, "not": true, "field": true, "op": true, "value": true}

// ParseCriteria decodes and validates a criteria document. Empty input, null
// and {} all yield a match-all predicate.
func ParseCriteria(raw json.RawMessage) (*Criteria, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &Criteria{}, nil
	}
	c, err := parseNode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCriteria, err)
	}
	return c, nil
}

func parseNode(raw []byte) (*Criteria, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("criteria must be a JSON object: %v", err)
	}
	if len(obj) == 0 {
		return &Criteria{}, nil
	}

	tagged := false
	for k := range obj {
		if taggedKeys[k] {
			tagged = true
			break
		}
	}
	if !tagged {
		return parseShorthand(obj)
	}

	for k := range obj {
		if !taggedKeys[k] {
			return nil, fmt.Errorf("unexpected key %q in tagged criteria", k)
		}
	}

	c := &Criteria{}
	kinds := 0
	if v, ok := obj["all"]; ok {
		kinds++
		children, err := parseList(v)
		if err != nil {
			return nil, fmt.Errorf("all: %v", err)
		}
		c.All = children
	}
	if v, ok := obj["any"]; ok {
		kinds++
		children, err := parseList(v)
		if err != nil {
			return nil, fmt.Errorf("any: %v", err)
		}
		if len(children) == 0 {
			return nil, fmt.Errorf("any: needs at least one clause")
		}
		c.Any = children
	}
	if v, ok := obj["not"]; ok {
		kinds++
		child, err := parseNode(v)
		if err != nil {
			return nil, fmt.Errorf("not: %v", err)
		}
		c.Not = child
	}
	if v, ok := obj["field"]; ok {
		kinds++
		if err := json.Unmarshal(v, &c.Field); err != nil || strings.TrimSpace(c.Field) == "" {
			return nil, fmt.Errorf("field must be a non-empty string")
		}
		var op string
		if rawOp, ok := obj["op"]; ok {
			if err := json.Unmarshal(rawOp, &op); err != nil {
				return nil, fmt.Errorf("op must be a string")
			}
		} else {
			op = string(OpEq)
		}
		c.Op = Operator(op)
		if rawValue, ok := obj["value"]; ok {
			if err := json.Unmarshal(rawValue, &c.Value); err != nil {
				return nil, fmt.Errorf("value: %v", err)
			}
		}
		if err := c.validateLeaf(); err != nil {
			return nil, err
		}
	} else if _, ok := obj["op"]; ok {
		return nil, fmt.Errorf("op without field")
	} else if _, ok := obj["value"]; ok {
		return nil, fmt.Errorf("value without field")
	}

	if kinds != 1 {
		return nil, fmt.Errorf("exactly one of all, any, not or field is required")
	}
	return c, nil
}

func parseList(raw []byte) ([]Criteria, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected an array of criteria")
	}
	out := make([]Criteria, 0, len(items))
	for i, item := range items {
		c, err := parseNode(item)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %v", i, err)
		}
		out = append(out, *c)
	}
	return out, nil
}

// parseShorthand turns {"field": value, ...} into an ordered conjunction.
func parseShorthand(obj map[string]json.RawMessage) (*Criteria, error) {
	fields := make([]string, 0, len(obj))
	for k := range obj {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var clauses []Criteria
	for _, field := range fields {
		var value any
		if err := json.Unmarshal(obj[field], &value); err != nil {
			return nil, fmt.Errorf("%s: %v", field, err)
		}
		switch v := value.(type) {
		case map[string]any:
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			if len(ops) == 0 {
				return nil, fmt.Errorf("%s: empty operator object", field)
			}
			for _, op := range ops {
				leaf := Criteria{Field: field, Op: Operator(op), Value: v[op]}
				if err := leaf.validateLeaf(); err != nil {
					return nil, err
				}
				clauses = append(clauses, leaf)
			}
		case []any:
			leaf := Criteria{Field: field, Op: OpIn, Value: v}
			if err := leaf.validateLeaf(); err != nil {
				return nil, err
			}
			clauses = append(clauses, leaf)
		default:
			leaf := Criteria{Field: field, Op: OpEq, Value: v}
			if err := leaf.validateLeaf(); err != nil {
				return nil, err
			}
			clauses = append(clauses, leaf)
		}
	}
	if len(clauses) == 1 {
		return &clauses[0], nil
	}
	return &Criteria{All: clauses}, nil
}

func (c *Criteria) validateLeaf() error {
	if !c.Op.valid() {
		return fmt.Errorf("%s: unknown operator %q", c.Field, c.Op)
	}
	switch {
	case c.Op == OpExists:
		if c.Value != nil {
			if _, ok := c.Value.(bool); !ok {
				return fmt.Errorf("%s: exists takes a boolean", c.Field)
			}
		}
	case c.Op == OpIn || c.Op == OpNotIn:
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return fmt.Errorf("%s: %s needs a non-empty array", c.Field, c.Op)
		}
	case c.Op.numeric():
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("%s: %s needs a number", c.Field, c.Op)
		}
	default:
		if c.Value == nil {
			return fmt.Errorf("%s: %s needs a value", c.Field, c.Op)
		}
		if _, isList := c.Value.([]any); isList {
			return fmt.Errorf("%s: %s takes a scalar value", c.Field, c.Op)
		}
	}
	return nil
}

// Match reports whether the order satisfies the predicate.
func (c *Criteria) Match(o *Order) bool {
	if c == nil {
		return true
	}
	switch {
	case c.All != nil:
		for i := range c.All {
			if !c.All[i].Match(o) {
				return false
			}
		}
		return true
	case c.Any != nil:
		for i := range c.Any {
			if c.Any[i].Match(o) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Match(o)
	case c.Field != "":
		return c.matchLeaf(o)
	}
	return true
}

func (c *Criteria) matchLeaf(o *Order) bool {
	actual, present := resolveField(o, c.Field)
	if c.Op == OpExists {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return present == want
	}
	if !present {
		// An absent field only satisfies negative checks.
		return c.Op == OpNeq || c.Op == OpNotIn
	}

	// List-valued fields (specializations) match element-wise.
	if list, ok := actual.([]any); ok {
		switch c.Op {
		case OpEq, OpIn:
			for _, item := range list {
				if matchScalar(c.Op, item, c.Value) {
					return true
				}
			}
			return false
		case OpNeq, OpNotIn:
			positive := OpEq
			if c.Op == OpNotIn {
				positive = OpIn
			}
			for _, item := range list {
				if matchScalar(positive, item, c.Value) {
					return false
				}
			}
			return true
		}
		return false
	}
	return matchScalar(c.Op, actual, c.Value)
}

func matchScalar(op Operator, actual, expected any) bool {
	switch op {
	case OpEq:
		return equalValues(actual, expected)
	case OpNeq:
		return !equalValues(actual, expected)
	case OpIn, OpNotIn:
		found := false
		if list, ok := expected.([]any); ok {
			for _, item := range list {
				if equalValues(actual, item) {
					found = true
					break
				}
			}
		}
		if op == OpIn {
			return found
		}
		return !found
	case OpGt, OpGte, OpLt, OpLte:
		a, ok := toFloat(actual)
		if !ok {
			return false
		}
		b, _ := toFloat(expected)
		switch op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

func equalValues(a, b any) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && strings.EqualFold(as, bs)
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

func toFloat(v any) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// resolveField looks a criteria field up on the order. Well-known fields are
// channel, region, units and specializations; anything else, with or without an
// "attributes." prefix, is read from the order attributes.
func resolveField(o *Order, field string) (any, bool) {
	switch strings.ToLower(field) {
	case "channel":
		return o.Channel, o.Channel != ""
	case "region":
		return o.Region, o.Region != ""
	case "units":
		return float64(o.Units), true
	case "specializations", "specialization":
		if len(o.Specializations) == 0 {
			return nil, false
		}
		list := make([]any, len(o.Specializations))
		for i, s := range o.Specializations {
			list[i] = s
		}
		return list, true
	}
	key := strings.TrimPrefix(field, "attributes.")
	v, ok := o.Attributes[key]
	if !ok || v == nil {
		return nil, false
	}
	switch vs := v.(type) {
	case []string:
		list := make([]any, len(vs))
		for i, s := range vs {
			list[i] = s
		}
		return list, true
	}
	return v, true
}
