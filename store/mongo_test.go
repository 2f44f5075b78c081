package store

import (
	"testing"
	"time"

	"copresence/detect"
	"copresence/fsk"
	"copresence/models"
)

func TestChangedFieldsWritesOnlyMutatedFields(t *testing.T) {
	t.Parallel()

	// A submitted record as the verifier reads it: the participant's fields
	// are populated and must not travel with the verifier's write.
	before := &models.VerificationRequest{
		ID:              "r1",
		Participant:     "alice",
		Status:          models.StatusSubmitted,
		Config:          fsk.DefaultConfig(),
		EmittedPattern:  []string{"H", "L", "H"},
		DetectedPattern: []string{"H", "L", "H"},
		DetectedPeaks:   []detect.DetectedPeak{{FrequencyHz: 19500, AmplitudeDb: -20}},
		CreatedAt:       time.Now(),
	}
	after := before.Clone()
	after.Status = models.StatusVerified
	after.MatchCount = 3
	after.Passed = true
	after.VerifiedAt = time.Now()

	set := changedFields(before, after)
	for _, key := range []string{"status", "matchCount", "passed", "verifiedAt"} {
		if _, ok := set[key]; !ok {
			t.Errorf("mutated field %q missing from write", key)
		}
	}
	if len(set) != 4 {
		t.Errorf("write carries %d fields (%v), want exactly the 4 mutated ones", len(set), set)
	}
	// The retained detected fields in particular: if they rode along, a
	// concurrent participant reset would be overwritten with this stale read.
	for _, key := range []string{"detectedPattern", "detectedPeaks", "emittedPattern", "participant", "config", "createdAt"} {
		if _, ok := set[key]; ok {
			t.Errorf("unmutated field %q included in write", key)
		}
	}
}

func TestChangedFieldsCapturesClearedSlices(t *testing.T) {
	t.Parallel()

	before := &models.VerificationRequest{
		ID:              "r1",
		Status:          models.StatusSubmitted,
		DetectedPattern: []string{"H", "L"},
		DetectedPeaks:   []detect.DetectedPeak{{FrequencyHz: 18500}},
	}
	after := before.Clone()
	after.Status = models.StatusWaiting
	after.DetectedPattern = nil
	after.DetectedPeaks = nil

	set := changedFields(before, after)
	for _, key := range []string{"status", "detectedPattern", "detectedPeaks"} {
		if _, ok := set[key]; !ok {
			t.Errorf("cleared field %q missing from write", key)
		}
	}
	if len(set) != 3 {
		t.Errorf("write carries %d fields (%v), want 3", len(set), set)
	}
}

func TestChangedFieldsEmptyWhenMutatorDeclines(t *testing.T) {
	t.Parallel()

	before := &models.VerificationRequest{
		ID:     "r1",
		Status: models.StatusVerified,
		Passed: true,
	}
	// Guarded mutators (CanTransition checks) often change nothing.
	after := before.Clone()

	if set := changedFields(before, after); len(set) != 0 {
		t.Errorf("no-op mutation produced a write: %v", set)
	}
}
