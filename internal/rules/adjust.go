package rules

import (
	"fmt"
	"strings"

	"dario.cat/mergo"
)

// AdjustRule is a single adjustment entry attached to a metadata node.
// Keys other than the control fields are merged into the node when the
// rule matches: a key replaces the existing value, a key with a "+"
// suffix merges into it (maps merge deeply, lists append).
type AdjustRule struct {
	When     string         `yaml:"when"`
	Because  string         `yaml:"because,omitempty"`
	Continue *bool          `yaml:"continue,omitempty"`
	Data     map[string]any `yaml:",inline"`
}

// Adjust applies each rule in order when its condition matches the
// context and returns the adjusted node data. The input map is not
// modified, so adjusting twice with the same context is a no-op on the
// second application.
func Adjust(node map[string]any, adjustments []AdjustRule, ctx Context) (map[string]any, error) {
	result := deepCopyMap(node)

	for _, rule := range adjustments {
		if rule.When == "" {
			return nil, fmt.Errorf("adjust entry is missing the when condition")
		}
		matched, err := Matches([]string{rule.When}, ctx)
		if err != nil {
			return nil, err
		}
		if !matched {
			continue
		}
		if err := MergeInto(result, rule.Data); err != nil {
			return nil, err
		}
		if rule.Continue != nil && !*rule.Continue {
			break
		}
	}
	return result, nil
}

// Enabled reports whether node data is active under the context:
// enabled must not be false, and the when rules (if any) must match.
func Enabled(node map[string]any, ctx Context) (bool, error) {
	if enabled, ok := node["enabled"].(bool); ok && !enabled {
		return false, nil
	}
	when, err := StringList(node["when"])
	if err != nil {
		return false, fmt.Errorf("invalid when value: %w", err)
	}
	return Matches(when, ctx)
}

// StringList coerces a scalar or list YAML value into a string slice.
func StringList(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list of strings, got %T", value)
	}
}

// MergeInto merges data into node honoring the "+" suffix operator.
// The metadata tree uses the same semantics for child-over-parent
// inheritance as adjust does for rule application.
func MergeInto(node map[string]any, data map[string]any) error {
	for key, value := range data {
		if name, ok := strings.CutSuffix(key, "+"); ok {
			merged, err := mergeValue(node[name], value)
			if err != nil {
				return fmt.Errorf("failed to merge key %q: %w", name, err)
			}
			node[name] = merged
			continue
		}
		node[key] = deepCopyValue(value)
	}
	return nil
}

// mergeValue implements the "+" merge operator: maps merge deeply with
// the new value winning, lists append, anything else replaces.
func mergeValue(old, new any) (any, error) {
	oldMap, oldIsMap := old.(map[string]any)
	newMap, newIsMap := new.(map[string]any)
	if oldIsMap && newIsMap {
		dst := deepCopyMap(oldMap)
		if err := mergo.Merge(&dst, newMap, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		return dst, nil
	}

	oldList, oldIsList := old.([]any)
	newList, newIsList := new.([]any)
	switch {
	case oldIsList && newIsList:
		return append(append([]any{}, oldList...), newList...), nil
	case oldIsList:
		return append(append([]any{}, oldList...), new), nil
	case old == nil:
		return deepCopyValue(new), nil
	}

	oldStr, oldIsStr := old.(string)
	newStr, newIsStr := new.(string)
	if oldIsStr && newIsStr {
		return oldStr + newStr, nil
	}

	return deepCopyValue(new), nil
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return deepCopyMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
