package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tmx-org/tmx/internal/metadata"
	"github.com/tmx-org/tmx/internal/rules"
)

// defaultHow maps each step to the plugin variant used when a phase
// does not select one.
var defaultHow = map[StepName]string{
	StepDiscover:  "fmf",
	StepProvision: "local",
	StepPrepare:   "shell",
	StepExecute:   "tmt",
	StepFinish:    "shell",
	StepReport:    "display",
}

// Materialize builds a plan from a metadata node. The run context
// overrides the plan's own context dimensions; adjust rules apply
// before anything else is read.
func Materialize(node *metadata.Node, runContext rules.Context) (*Plan, error) {
	data := node.Data

	planContext, err := parseContext(data["context"])
	if err != nil {
		return nil, specErr(node.Name, err)
	}
	effective := planContext.Merge(runContext)

	adjustments, err := ParseAdjust(data["adjust"])
	if err != nil {
		return nil, specErr(node.Name, err)
	}
	if len(adjustments) > 0 {
		if data, err = rules.Adjust(data, adjustments, effective); err != nil {
			return nil, specErr(node.Name, err)
		}
	}

	enabled, err := rules.Enabled(data, effective)
	if err != nil {
		return nil, specErr(node.Name, err)
	}

	p := &Plan{
		Name:    node.Name,
		Enabled: enabled,
		Context: effective,
		Steps:   map[StepName]*StepConfig{},
	}
	if summary, ok := data["summary"].(string); ok {
		p.Summary = summary
	}
	if p.Link, err = rules.StringList(data["link"]); err != nil {
		return nil, specErr(node.Name, fmt.Errorf("invalid link: %w", err))
	}
	if p.EnvironmentFiles, err = rules.StringList(data["environment-file"]); err != nil {
		return nil, specErr(node.Name, fmt.Errorf("invalid environment-file: %w", err))
	}
	if p.Environment, err = parseEnvironment(data["environment"]); err != nil {
		return nil, specErr(node.Name, err)
	}

	for _, step := range StepOrder {
		cfg, err := parseStep(node.Name, step, data[string(step)])
		if err != nil {
			return nil, specErr(node.Name, err)
		}
		p.Steps[step] = cfg
	}

	return p, nil
}

func specErr(plan string, err error) error {
	return fmt.Errorf("%w: plan %s: %v", ErrSpecification, plan, err)
}

func parseContext(value any) (rules.Context, error) {
	ctx := rules.Context{}
	if value == nil {
		return ctx, nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid context: expected mapping, got %T", value)
	}
	for key, v := range m {
		values, err := rules.StringList(v)
		if err != nil {
			return nil, fmt.Errorf("invalid context dimension %q: %w", key, err)
		}
		ctx[strings.ToLower(key)] = values
	}
	return ctx, nil
}

// ParseAdjust parses the adjust key of a node: a single entry or a
// list of entries, each with a mandatory when condition.
func ParseAdjust(value any) ([]rules.AdjustRule, error) {
	if value == nil {
		return nil, nil
	}
	entries, ok := value.([]any)
	if !ok {
		entries = []any{value}
	}
	out := make([]rules.AdjustRule, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid adjust entry: expected mapping, got %T", entry)
		}
		rule := rules.AdjustRule{Data: map[string]any{}}
		for k, v := range m {
			switch k {
			case "when":
				s, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("invalid adjust when: expected string, got %T", v)
				}
				rule.When = s
			case "because":
				if s, ok := v.(string); ok {
					rule.Because = s
				}
			case "continue":
				if b, ok := v.(bool); ok {
					rule.Continue = &b
				}
			default:
				rule.Data[k] = v
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

func parseEnvironment(value any) (map[string]string, error) {
	if value == nil {
		return nil, nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid environment: expected mapping, got %T", value)
	}
	env := make(map[string]string, len(m))
	for k, v := range m {
		env[k] = fmt.Sprintf("%v", v)
	}
	return env, nil
}

func parseStep(planName string, step StepName, value any) (*StepConfig, error) {
	cfg := &StepConfig{Step: step}
	if value == nil {
		return cfg, nil
	}

	entries, ok := value.([]any)
	if !ok {
		entries = []any{value}
	}
	for i, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid %s phase: expected mapping, got %T", step, entry)
		}
		phase, err := parsePhase(planName, step, i, m)
		if err != nil {
			return nil, err
		}
		cfg.Phases = append(cfg.Phases, phase)
	}
	return cfg, nil
}

func parsePhase(planName string, step StepName, source int, m map[string]any) (Phase, error) {
	phase := Phase{
		How:    defaultHow[step],
		Name:   fmt.Sprintf("default-%d", source),
		Order:  OrderDefault,
		Source: source,
		Data:   map[string]any{},
	}
	for k, v := range m {
		switch k {
		case "how":
			s, ok := v.(string)
			if !ok {
				return phase, fmt.Errorf("invalid %s how: expected string, got %T", step, v)
			}
			phase.How = s
		case "name":
			s, ok := v.(string)
			if !ok {
				return phase, fmt.Errorf("invalid %s name: expected string, got %T", step, v)
			}
			phase.Name = s
		case "order":
			n, ok := toInt(v)
			if !ok {
				return phase, fmt.Errorf("invalid %s order: expected integer, got %T", step, v)
			}
			phase.Order = n
		case "when":
			list, err := rules.StringList(v)
			if err != nil {
				return phase, fmt.Errorf("invalid %s when: %w", step, err)
			}
			phase.When = list
		case "where":
			list, err := rules.StringList(v)
			if err != nil {
				return phase, fmt.Errorf("invalid %s where: %w", step, err)
			}
			phase.Where = list
		default:
			phase.Data[k] = v
		}
	}
	phase.Key = fmt.Sprintf("%s/%s/%s", planName, step, phase.Name)
	return phase, nil
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
		return int(n), n == float64(int(n))
	default:
		return 0, false
	}
}

// ActivePhases filters a step's phases by their when predicates and
// returns them sorted by (order, source order, key).
func ActivePhases(cfg *StepConfig, ctx rules.Context) ([]Phase, error) {
	var active []Phase
	for _, phase := range cfg.Phases {
		matched, err := rules.Matches(phase.When, ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: phase %s: %v", ErrSpecification, phase.Key, err)
		}
		if matched {
			active = append(active, phase)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].Order != active[j].Order {
			return active[i].Order < active[j].Order
		}
		if active[i].Source != active[j].Source {
			return active[i].Source < active[j].Source
		}
		return active[i].Key < active[j].Key
	})
	return active, nil
}
