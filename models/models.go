package models

import (
	"time"

	"copresence/detect"
	"copresence/fsk"
)

// Status is a participant's position in the verification handshake.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusReady     Status = "ready"
	StatusEmitting  Status = "emitting"
	StatusListening Status = "listening"
	StatusSubmitted Status = "submitted"
	StatusVerified  Status = "verified"
	StatusFailed    Status = "failed"
)

// transitions is the fixed state machine graph. Status only moves forward
// along these edges; the single exception is an external reset, which is a
// record deletion rather than a transition.
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusReady},
	StatusReady:     {StatusEmitting, StatusFailed},
	StatusEmitting:  {StatusListening, StatusSubmitted, StatusFailed},
	StatusListening: {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusVerified, StatusFailed},
}

// CanTransition reports whether from→to is an edge of the handshake graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the handshake.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed
}

// VerificationRequest is the shared-state record for one verification
// attempt. Ownership is split by field: the coordinator writes Status and
// EmittedPattern, the participant writes DetectedPattern and DetectedPeaks,
// the verifier writes MatchCount and Passed. Nothing else may touch a field
// it doesn't own; that single-writer discipline is what stands in for locks
// across devices.
type VerificationRequest struct {
	ID          string `json:"id" bson:"_id"`
	Participant string `json:"participant" bson:"participant"`

	Status Status            `json:"status" bson:"status"`
	Config fsk.EmitterConfig `json:"config" bson:"config"`

	// EmittedPattern and DetectedPattern hold per-symbol wire characters
	// ("H"/"L"/"?"), the cross-implementation schema.
	EmittedPattern  []string `json:"emittedPattern,omitempty" bson:"emittedPattern,omitempty"`
	DetectedPattern []string `json:"detectedPattern,omitempty" bson:"detectedPattern,omitempty"`

	DetectedPeaks []detect.DetectedPeak `json:"detectedPeaks,omitempty" bson:"detectedPeaks,omitempty"`

	MatchCount int  `json:"matchCount" bson:"matchCount"`
	Passed     bool `json:"passed" bson:"passed"`

	// FailureCause distinguishes timeout/hardware failures from a plain
	// below-threshold match.
	FailureCause string `json:"failureCause,omitempty" bson:"failureCause,omitempty"`

	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
	VerifiedAt time.Time `json:"verifiedAt,omitempty" bson:"verifiedAt,omitempty"`
}

// Clone returns a deep copy so subscribers can't alias store-internal state.
func (r *VerificationRequest) Clone() *VerificationRequest {
	if r == nil {
		return nil
	}
	out := *r
	out.EmittedPattern = append([]string(nil), r.EmittedPattern...)
	out.DetectedPattern = append([]string(nil), r.DetectedPattern...)
	out.DetectedPeaks = append([]detect.DetectedPeak(nil), r.DetectedPeaks...)
	return &out
}
