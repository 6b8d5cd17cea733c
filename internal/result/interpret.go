package result

// Interpret is a result interpretation policy.
type Interpret string

const (
	// InterpretRespect keeps the raw outcome.
	InterpretRespect Interpret = "respect"
	// InterpretXfail swaps pass and fail (expected failure).
	InterpretXfail Interpret = "xfail"
	// InterpretInfo turns any outcome into info.
	InterpretInfo Interpret = "info"
	// InterpretCustom means the test supplies its own results; the raw
	// outcome is kept as reported.
	InterpretCustom Interpret = "custom"
	// InterpretRestraint turns each report-result call into an
	// independent result instead of a subresult.
	InterpretRestraint Interpret = "restraint"
)

// ValidTestInterpret reports whether the policy is allowed on a test.
func ValidTestInterpret(i Interpret) bool {
	switch i {
	case InterpretRespect, InterpretXfail, InterpretInfo, InterpretCustom, InterpretRestraint:
		return true
	}
	return false
}

// ValidCheckInterpret reports whether the policy is allowed on a check.
func ValidCheckInterpret(i Interpret) bool {
	switch i {
	case InterpretRespect, InterpretXfail, InterpretInfo:
		return true
	}
	return false
}

// apply transforms a single outcome under the policy.
func (i Interpret) apply(o Outcome) Outcome {
	switch i {
	case InterpretXfail:
		switch o {
		case OutcomeFail:
			return OutcomePass
		case OutcomePass:
			return OutcomeFail
		}
		return o
	case InterpretInfo:
		return OutcomeInfo
	default:
		return o
	}
}

// InterpretOutcome computes the effective outcome of a test from its
// raw outcome, the test's interpretation policy and the recorded
// checks. The raw outcome stays available as original-result.
//
// Each check's own policy is applied first; a resulting fail or error
// then escalates the test outcome by priority reduction.
func InterpretOutcome(raw Outcome, policy Interpret, checks []Check) Outcome {
	effective := policy.apply(raw)

	outcomes := []Outcome{effective}
	for _, check := range checks {
		checkPolicy := check.Interpret
		if checkPolicy == "" {
			checkPolicy = InterpretRespect
		}
		checkOutcome := checkPolicy.apply(check.Result)
		if checkOutcome == OutcomeFail || checkOutcome == OutcomeError {
			outcomes = append(outcomes, checkOutcome)
		}
	}
	reduced, _ := Reduce(outcomes)
	return reduced
}
