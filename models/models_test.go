package models

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusWaiting:   {StatusReady},
		StatusReady:     {StatusEmitting, StatusFailed},
		StatusEmitting:  {StatusListening, StatusSubmitted, StatusFailed},
		StatusListening: {StatusSubmitted, StatusFailed},
		StatusSubmitted: {StatusVerified, StatusFailed},
	}
	all := []Status{
		StatusWaiting, StatusReady, StatusEmitting, StatusListening,
		StatusSubmitted, StatusVerified, StatusFailed,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, next := range allowed[from] {
				if next == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesHaveNoOutgoingEdges(t *testing.T) {
	t.Parallel()

	all := []Status{
		StatusWaiting, StatusReady, StatusEmitting, StatusListening,
		StatusSubmitted, StatusVerified, StatusFailed,
	}
	for _, s := range all {
		wantTerminal := s == StatusVerified || s == StatusFailed
		if s.Terminal() != wantTerminal {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), wantTerminal)
		}
		if wantTerminal {
			for _, to := range all {
				if CanTransition(s, to) {
					t.Errorf("terminal status %s has outgoing edge to %s", s, to)
				}
			}
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := &VerificationRequest{
		ID:              "r1",
		EmittedPattern:  []string{"H", "L"},
		DetectedPattern: []string{"H"},
	}
	clone := orig.Clone()
	clone.EmittedPattern[0] = "L"
	clone.DetectedPattern[0] = "?"

	if orig.EmittedPattern[0] != "H" {
		t.Error("clone shares EmittedPattern backing array")
	}
	if orig.DetectedPattern[0] != "H" {
		t.Error("clone shares DetectedPattern backing array")
	}

	var nilReq *VerificationRequest
	if nilReq.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
