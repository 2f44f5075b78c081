package verify

import (
	"testing"

	"copresence/pattern"
)

func symbols(t *testing.T, encoded string) []pattern.Symbol {
	t.Helper()
	out, err := pattern.ParseSymbols(encoded)
	if err != nil {
		t.Fatalf("bad test fixture %q: %v", encoded, err)
	}
	return out
}

func TestCompareGreedySubsequence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		emitted    string
		detected   string
		matchCount int
		passed     bool
	}{
		{"exact round trip", "HLHHLH", "HLHHLH", 6, true},
		{"leading noise", "HHHHH", "LHHHHHHL", 5, true},
		{"interleaved", "HLHHL", "LHHLHHLLL", 5, true},
		{"one missed", "HLHHLH", "HLHHL", 5, true},
		{"two missed", "HLHHLH", "HLHH", 4, false},
		{"all wrong", "HHHH", "LLLL", 0, false},
		{"empty detected", "HLHHLH", "", 0, false},
		{"unknowns never match", "HLHL", "????", 0, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			emitted := pattern.Pattern(symbols(t, tc.emitted))
			res := Compare(emitted, symbols(t, tc.detected))
			if res.MatchCount != tc.matchCount {
				t.Errorf("matchCount = %d, want %d", res.MatchCount, tc.matchCount)
			}
			if res.Passed != tc.passed {
				t.Errorf("passed = %t, want %t", res.Passed, tc.passed)
			}
			if res.MatchCount > len(emitted) {
				t.Errorf("matchCount %d exceeds emitted length %d", res.MatchCount, len(emitted))
			}
		})
	}
}

func TestCompareStableUnderTrailingNoise(t *testing.T) {
	t.Parallel()

	emitted := pattern.Pattern(symbols(t, "HLHHL"))
	detected := symbols(t, "HLHHL")
	base := Compare(emitted, detected)

	noisy := append(append([]pattern.Symbol{}, detected...), symbols(t, "LLHHLHLH")...)
	withNoise := Compare(emitted, noisy)

	if withNoise.MatchCount != base.MatchCount {
		t.Errorf("trailing noise changed matchCount: %d -> %d", base.MatchCount, withNoise.MatchCount)
	}
	if withNoise.Passed != base.Passed {
		t.Errorf("trailing noise changed verdict: %t -> %t", base.Passed, withNoise.Passed)
	}
}

func TestClassifyOutcomes(t *testing.T) {
	t.Parallel()

	if got := Classify(Result{MatchCount: 6, Passed: true}); got != OutcomePassed {
		t.Errorf("Classify(pass) = %s", got)
	}
	if got := Classify(Result{MatchCount: 0, Passed: false}); got != OutcomeNoSignal {
		t.Errorf("Classify(zero) = %s", got)
	}
	if got := Classify(Result{MatchCount: 3, Passed: false}); got != OutcomePartial {
		t.Errorf("Classify(partial) = %s", got)
	}
}
