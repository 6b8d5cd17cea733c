package discover

import (
	"fmt"
	"strings"

	"github.com/tmx-org/tmx/internal/engine"
	"github.com/tmx-org/tmx/internal/result"
	"github.com/tmx-org/tmx/internal/rules"
)

// invocationFromData maps test metadata keys onto an invocation.
// Serial numbers and the phase name are assigned by the step engine.
func invocationFromData(name string, data map[string]any) (*engine.Invocation, error) {
	inv := &engine.Invocation{Name: name}

	if script, ok := data["test"].(string); ok {
		inv.Script = script
	}
	if summary, ok := data["summary"].(string); ok {
		inv.Summary = summary
	}
	if path, ok := data["path"].(string); ok {
		inv.Path = path
	}
	if framework, ok := data["framework"].(string); ok {
		inv.Framework = framework
	}
	if duration, ok := data["duration"].(string); ok {
		inv.Duration = duration
	}
	if policy, ok := data["result"].(string); ok {
		inv.ResultPolicy = result.Interpret(policy)
	}
	if tty, ok := data["tty"].(bool); ok {
		inv.TTY = tty
	}

	var err error
	if inv.Require, err = rules.StringList(data["require"]); err != nil {
		return nil, fmt.Errorf("test %s: invalid require: %w", name, err)
	}
	if inv.Recommend, err = rules.StringList(data["recommend"]); err != nil {
		return nil, fmt.Errorf("test %s: invalid recommend: %w", name, err)
	}
	if inv.Where, err = rules.StringList(data["where"]); err != nil {
		return nil, fmt.Errorf("test %s: invalid where: %w", name, err)
	}

	if env, ok := data["environment"].(map[string]any); ok {
		inv.Environment = map[string]string{}
		for k, v := range env {
			inv.Environment[k] = fmt.Sprintf("%v", v)
		}
	}

	if codes, ok := data["restart-on-exit-code"]; ok {
		inv.RestartOnExitCodes, err = intList(codes)
		if err != nil {
			return nil, fmt.Errorf("test %s: invalid restart-on-exit-code: %w", name, err)
		}
	}
	if count, ok := data["restart-max-count"]; ok {
		n, ok := toInt(count)
		if !ok {
			return nil, fmt.Errorf("test %s: invalid restart-max-count: %v", name, count)
		}
		inv.RestartMaxCount = n
	}

	if checks, ok := data["check"]; ok {
		inv.Checks, err = parseChecks(checks)
		if err != nil {
			return nil, fmt.Errorf("test %s: %w", name, err)
		}
	}

	if ids, ok := data["id"].(string); ok {
		inv.IDs = map[string]string{"id": ids}
	}

	return inv, nil
}

// parseChecks accepts a single check or a list; each entry is either a
// bare how string or a mapping with how/event/result options.
func parseChecks(value any) ([]engine.CheckSpec, error) {
	entries, ok := value.([]any)
	if !ok {
		entries = []any{value}
	}
	var specs []engine.CheckSpec
	for _, entry := range entries {
		switch v := entry.(type) {
		case string:
			specs = append(specs, engine.CheckSpec{How: v})
		case map[string]any:
			spec := engine.CheckSpec{Options: map[string]any{}}
			for k, val := range v {
				switch k {
				case "how":
					spec.How, _ = val.(string)
				case "event":
					if s, ok := val.(string); ok {
						spec.Event = result.CheckEvent(s)
					}
				case "result":
					if s, ok := val.(string); ok {
						spec.Interpret = result.Interpret(s)
					}
				default:
					spec.Options[k] = val
				}
			}
			if spec.How == "" {
				return nil, fmt.Errorf("check entry is missing how")
			}
			specs = append(specs, spec)
		default:
			return nil, fmt.Errorf("invalid check entry: expected string or mapping, got %T", entry)
		}
	}
	return specs, nil
}

func intList(value any) ([]int, error) {
	entries, ok := value.([]any)
	if !ok {
		entries = []any{value}
	}
	out := make([]int, 0, len(entries))
	for _, entry := range entries {
		n, ok := toInt(entry)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %T", entry)
		}
		out = append(out, n)
	}
	return out, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case string:
		trimmed := strings.TrimSpace(n)
		var parsed int
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
