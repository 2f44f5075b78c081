package session

import (
	"strings"

	"copresence/models"
	"copresence/pattern"
	"copresence/verify"
)

type verdictResult struct {
	matchCount int
	passed     bool
	status     models.Status
}

// scoreRequest runs the subsequence verifier over the record's persisted
// wire-encoded patterns.
func scoreRequest(rec *models.VerificationRequest) verdictResult {
	emitted, err := pattern.ParseSymbols(strings.Join(rec.EmittedPattern, ""))
	if err != nil {
		return verdictResult{status: models.StatusFailed}
	}
	detected, err := pattern.ParseSymbols(strings.Join(rec.DetectedPattern, ""))
	if err != nil {
		return verdictResult{status: models.StatusFailed}
	}

	res := verify.Compare(pattern.Pattern(emitted), detected)
	out := verdictResult{
		matchCount: res.MatchCount,
		passed:     res.Passed,
		status:     models.StatusFailed,
	}
	if res.Passed {
		out.status = models.StatusVerified
	}
	return out
}
