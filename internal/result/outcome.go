// Package result defines test outcomes, the result records persisted to
// results.yaml, and the store that keeps them durable.
package result

// Outcome is the result of a test, check or subresult.
type Outcome string

const (
	// OutcomePending marks a result created at discover time that has
	// not executed yet.
	OutcomePending Outcome = "pending"

	OutcomeSkip  Outcome = "skip"
	OutcomeInfo  Outcome = "info"
	OutcomePass  Outcome = "pass"
	OutcomeWarn  Outcome = "warn"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// priority orders outcomes for reduction, low to high.
var priority = map[Outcome]int{
	OutcomePending: -1,
	OutcomeSkip:    0,
	OutcomeInfo:    1,
	OutcomePass:    2,
	OutcomeWarn:    3,
	OutcomeFail:    4,
	OutcomeError:   5,
}

// Priority returns the reduction priority of the outcome. Unknown
// outcomes sort below everything.
func (o Outcome) Priority() int {
	p, ok := priority[o]
	if !ok {
		return -2
	}
	return p
}

// Valid reports whether the outcome is one of the known values.
func (o Outcome) Valid() bool {
	_, ok := priority[o]
	return ok
}

// Reduce returns the highest-priority outcome of the list. The second
// return value is false for an empty list.
func Reduce(outcomes []Outcome) (Outcome, bool) {
	if len(outcomes) == 0 {
		return "", false
	}
	max := outcomes[0]
	for _, o := range outcomes[1:] {
		if o.Priority() > max.Priority() {
			max = o
		}
	}
	return max, true
}
