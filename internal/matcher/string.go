package matcher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Op is a string comparison operator.
type Op string

// String operators
const (
	OpEquals      Op = "equals"
	OpNotEquals   Op = "notEquals"
	OpContains    Op = "contains"
	OpNotContains Op = "notContains"
	OpPrefix      Op = "prefix"
	OpSuffix      Op = "suffix"
	OpRegex       Op = "regex"
	OpExists      Op = "exists"
	OpAbsent      Op = "absent"
	OpGreaterThan Op = "gt"
	OpGTE         Op = "gte"
	OpLessThan    Op = "lt"
	OpLTE         Op = "lte"
)

// ValidOps lists every accepted string operator.
var ValidOps = []Op{
	OpEquals, OpNotEquals, OpContains, OpNotContains, OpPrefix, OpSuffix,
	OpRegex, OpExists, OpAbsent, OpGreaterThan, OpGTE, OpLessThan, OpLTE,
}

// operatorAliases are accepted spellings of the operators above.
var operatorAliases = map[Op]Op{
	"eq":         OpEquals,
	"ne":         OpNotEquals,
	"neq":        OpNotEquals,
	"startsWith": OpPrefix,
	"endsWith":   OpSuffix,
}

// IsValidOp reports whether op is a known operator.
func IsValidOp(op Op) bool {
	for _, v := range ValidOps {
		if v == op {
			return true
		}
	}
	return false
}

// StringMatcher tests a single string value.
type StringMatcher struct {
	Op    Op
	Value string
	re    *regexp.Regexp
}

// NewStringMatcher creates a matcher, compiling regular expressions eagerly.
func NewStringMatcher(op Op, value string) (StringMatcher, error) {
	if alias, ok := operatorAliases[op]; ok {
		op = alias
	}
	if !IsValidOp(op) {
		return StringMatcher{}, fmt.Errorf("unknown operator %q", op)
	}
	m := StringMatcher{Op: op, Value: value}
	if op == OpRegex {
		re, err := regexp.Compile(value)
		if err != nil {
			return StringMatcher{}, fmt.Errorf("invalid regex %q: %w", value, err)
		}
		m.re = re
	}
	return m, nil
}

// Equals is shorthand for an equality matcher.
func Equals(value string) StringMatcher {
	return StringMatcher{Op: OpEquals, Value: value}
}

// Match tests actual. present is false when the value is missing from the
// request; a missing value only satisfies absent.
func (m StringMatcher) Match(actual string, present bool) bool {
	switch m.Op {
	case OpExists:
		return present
	case OpAbsent:
		return !present
	}
	if !present {
		return false
	}

	switch m.Op {
	case OpEquals:
		return actual == m.Value
	case OpNotEquals:
		return actual != m.Value
	case OpContains:
		return strings.Contains(actual, m.Value)
	case OpNotContains:
		return !strings.Contains(actual, m.Value)
	case OpPrefix:
		return strings.HasPrefix(actual, m.Value)
	case OpSuffix:
		return strings.HasSuffix(actual, m.Value)
	case OpRegex:
		if m.re == nil {
			return false
		}
		return m.re.MatchString(actual)
	case OpGreaterThan:
		return compare(actual, m.Value) > 0
	case OpLessThan:
		return compare(actual, m.Value) < 0
	case OpGTE:
		return compare(actual, m.Value) >= 0
	case OpLTE:
		return compare(actual, m.Value) <= 0
	default:
		return false
	}
}

// String renders the matcher for diagnostics.
func (m StringMatcher) String() string {
	switch m.Op {
	case OpExists, OpAbsent:
		return string(m.Op)
	}
	return fmt.Sprintf("%s %q", m.Op, m.Value)
}

// compare orders two values numerically when both parse as numbers and
// lexically otherwise. Returns -1 if a < b, 0 if a == b, 1 if a > b.
func compare(a, b string) int {
	aFloat, aErr := strconv.ParseFloat(strings.TrimSpace(a), 64)
	bFloat, bErr := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if aErr != nil || bErr != nil {
		return strings.Compare(a, b)
	}

	if aFloat < bFloat {
		return -1
	} else if aFloat > bFloat {
		return 1
	}
	return 0
}

// FieldMatcher applies every matcher to one named query parameter or header.
type FieldMatcher struct {
	Key      string
	Matchers []StringMatcher
}

func (f FieldMatcher) match(actual string, present bool) bool {
	for _, m := range f.Matchers {
		if !m.Match(actual, present) {
			return false
		}
	}
	return true
}
