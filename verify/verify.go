package verify

// Sequence Verification
//
// The listening device rarely hears the emitted pattern cleanly: reflections
// inject spurious symbols and quiet pulses drop out entirely. Verification is
// therefore an ordered subsequence match rather than an exact alignment:
// walk the detected sequence once and greedily consume emitted symbols as
// they appear in order.
//
// The match count is a greedy earliest-match count, not a longest common
// subsequence. In pathological interleavings it can undercount relative to
// the optimal alignment. That behaviour is load-bearing for compatibility
// with deployed verifiers; do not substitute an LCS.

import "copresence/pattern"

// Result is the verdict for one verification round.
type Result struct {
	MatchCount int  `json:"matchCount"`
	Passed     bool `json:"passed"`
}

// Outcome classifies a finished round for user-facing remediation. A dead
// channel, a weak partial match, and a system error each call for a
// different fix, so they are kept distinct.
type Outcome string

const (
	OutcomePassed   Outcome = "passed"
	OutcomeNoSignal Outcome = "no_signal"
	OutcomePartial  Outcome = "partial_match"
)

// Compare counts emitted symbols recovered in order from the detected
// sequence. At most one emitted symbol may be missed for the round to pass.
func Compare(emitted pattern.Pattern, detected []pattern.Symbol) Result {
	matchCount := 0
	for _, d := range detected {
		if matchCount >= len(emitted) {
			break
		}
		if d == emitted[matchCount] {
			matchCount++
		}
	}

	threshold := len(emitted) - 1
	if threshold < 0 {
		threshold = 0
	}

	return Result{
		MatchCount: matchCount,
		Passed:     matchCount >= threshold && len(emitted) > 0,
	}
}

// Classify maps a result onto its remediation bucket.
func Classify(res Result) Outcome {
	switch {
	case res.Passed:
		return OutcomePassed
	case res.MatchCount == 0:
		return OutcomeNoSignal
	default:
		return OutcomePartial
	}
}
