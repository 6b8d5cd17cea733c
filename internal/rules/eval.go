package rules

import (
	"fmt"
	"regexp"
	"strings"
)

func (b *binary) Eval(ctx Context) (bool, error) {
	left, err := b.left.Eval(ctx)
	if err != nil {
		return false, err
	}
	if b.op == "&&" && !left {
		return false, nil
	}
	if b.op == "||" && left {
		return true, nil
	}
	return b.right.Eval(ctx)
}

func (c *comparison) Eval(ctx Context) (bool, error) {
	values, defined := ctx.Get(c.key)

	switch c.op {
	case OpDefined:
		return defined, nil
	case OpNotDefined:
		return !defined, nil
	}

	// A comparison against an undefined dimension cannot decide; it
	// simply does not match.
	if !defined {
		return false, nil
	}

	for _, value := range values {
		matched, err := c.compare(value)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func (c *comparison) compare(actual string) (bool, error) {
	actual = strings.ToLower(actual)
	expected := strings.ToLower(c.value)

	switch c.op {
	case OpEqual:
		return actual == expected, nil
	case OpNotEqual:
		return actual != expected, nil
	case OpMatch, OpNotMatch:
		re, err := regexp.Compile(expected)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", c.value, err)
		}
		matched := re.MatchString(actual)
		if c.op == OpNotMatch {
			matched = !matched
		}
		return matched, nil
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		return compareVersioned(actual, expected, c.op)
	default:
		return false, fmt.Errorf("unknown operator %q", c.op)
	}
}

// compareVersioned implements ordering for versioned values such as
// "fedora-33". Both sides split into a name and a version at the last
// dash; the names must agree, then versions compare lexicographically.
// Values without a version part never match an ordering operator.
func compareVersioned(actual, expected, op string) (bool, error) {
	actualName, actualVer, okA := splitVersion(actual)
	expectedName, expectedVer, okE := splitVersion(expected)
	if !okA || !okE || actualName != expectedName {
		return false, nil
	}

	cmp := strings.Compare(actualVer, expectedVer)
	switch op {
	case OpLess:
		return cmp < 0, nil
	case OpLessEqual:
		return cmp <= 0, nil
	case OpGreater:
		return cmp > 0, nil
	case OpGreaterEqual:
		return cmp >= 0, nil
	}
	return false, nil
}

func splitVersion(value string) (name, version string, ok bool) {
	idx := strings.LastIndex(value, "-")
	if idx <= 0 || idx == len(value)-1 {
		return value, "", false
	}
	return value[:idx], value[idx+1:], true
}

// Matches evaluates a list of rules and reports whether any of them
// matches the context. An empty list matches.
func Matches(ruleList []string, ctx Context) (bool, error) {
	if len(ruleList) == 0 {
		return true, nil
	}
	for _, rule := range ruleList {
		expr, err := Parse(rule)
		if err != nil {
			return false, err
		}
		matched, err := expr.Eval(ctx)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}
