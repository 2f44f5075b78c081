package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"copresence/detect"
	"copresence/fsk"
	"copresence/models"
	"copresence/pattern"
	"copresence/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fastCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PatternLength:      4,
		Debounce:           10 * time.Millisecond,
		HandshakeTimeout:   300 * time.Millisecond,
		HandshakePoll:      10 * time.Millisecond,
		TransmissionBuffer: 10 * time.Millisecond,
		EmitRetries:        2,
		RecheckInterval:    20 * time.Millisecond,
	}
}

func fastParticipantConfig() ParticipantConfig {
	return ParticipantConfig{
		VerdictTimeout: 500 * time.Millisecond,
		ReadyTimeout:   10 * time.Second,
		RestartCap:     2,
	}
}

// airGap stands in for the acoustic channel: the fake emitter writes the
// pattern it played, fake listeners read back whatever is "in the air".
type airGap struct {
	mu      sync.Mutex
	symbols []pattern.Symbol
}

func (a *airGap) transmit(p pattern.Pattern) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.symbols = append([]pattern.Symbol(nil), p...)
}

func (a *airGap) capture() []pattern.Symbol {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pattern.Symbol(nil), a.symbols...)
}

type emissionWindow struct {
	start, end time.Time
}

// fakeEmitter records emission windows and relays the pattern over the air
// gap instead of the speaker.
type fakeEmitter struct {
	gap      *airGap
	duration time.Duration

	mu       sync.Mutex
	failures int
	windows  []emissionWindow
}

func (e *fakeEmitter) Emit(ctx context.Context, p pattern.Pattern, cfg fsk.EmitterConfig) ([]float64, error) {
	e.mu.Lock()
	if e.failures > 0 {
		e.failures--
		e.mu.Unlock()
		return nil, fmt.Errorf("speaker unavailable")
	}
	e.mu.Unlock()

	start := time.Now()
	if e.duration > 0 {
		time.Sleep(e.duration)
	}
	if e.gap != nil {
		e.gap.transmit(p)
	}

	e.mu.Lock()
	e.windows = append(e.windows, emissionWindow{start: start, end: time.Now()})
	e.mu.Unlock()
	return nil, nil
}

func (e *fakeEmitter) emissionWindows() []emissionWindow {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emissionWindow(nil), e.windows...)
}

// fakeListener reads the air gap when its recording window closes.
type fakeListener struct {
	gap *airGap

	mu        sync.Mutex
	startErr  error
	mute      bool
	recording bool
	starts    int
}

func (l *fakeListener) StartRecording(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.recording = true
	l.starts++
	return nil
}

func (l *fakeListener) ClearPeaks() {}

func (l *fakeListener) StopAndAnalyze() ([]detect.DetectedPeak, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.recording {
		return nil, fmt.Errorf("not recording")
	}
	l.recording = false
	if l.mute {
		return nil, nil
	}

	symbols := l.gap.capture()
	peaks := make([]detect.DetectedPeak, len(symbols))
	base := time.Now()
	for i, sym := range symbols {
		freq := 18500.0
		if sym == pattern.High {
			freq = 19500.0
		}
		peaks[i] = detect.DetectedPeak{
			FrequencyHz: freq,
			AmplitudeDb: -20,
			SNRDb:       40,
			Timestamp:   base.Add(time.Duration(i) * 120 * time.Millisecond),
			Symbol:      sym,
		}
	}
	return peaks, nil
}

// awaitVerdict drains participant events until a verdict arrives.
func awaitVerdict(t *testing.T, p *Participant, timeout time.Duration) *models.VerificationRequest {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-p.Events():
			if ev.Type == EventVerdict {
				return ev.Request
			}
		case <-deadline:
			t.Fatal("no verdict before deadline")
			return nil
		}
	}
}

func TestGroupByConfigPartitionsByExactEquality(t *testing.T) {
	t.Parallel()

	base := fsk.DefaultConfig()
	variants := []fsk.EmitterConfig{base, base, base, base, base, base, base}
	variants[2].Volume = 0.4
	variants[3].FreqLowHz = 18400
	variants[4].PulseDurationMs = 100
	variants[5].UseOutputFilter = !base.UseOutputFilter
	variants[6].FilterCutoffHz = 16000

	requests := make([]*models.VerificationRequest, len(variants))
	for i, cfg := range variants {
		requests[i] = &models.VerificationRequest{
			ID:     fmt.Sprintf("req-%d", i),
			Status: models.StatusReady,
			Config: cfg,
		}
	}

	batches := GroupByConfig(requests)
	if len(batches) != 6 {
		t.Fatalf("got %d batches, want 6 (one shared, five singletons)", len(batches))
	}

	var sharedFound bool
	for _, b := range batches {
		if len(b.RequestIDs) == 2 {
			sharedFound = true
			if b.RequestIDs[0] != "req-0" || b.RequestIDs[1] != "req-1" {
				t.Errorf("shared batch holds %v, want req-0 and req-1", b.RequestIDs)
			}
		}
	}
	if !sharedFound {
		t.Error("identical configs were not grouped into one batch")
	}
}

func TestGroupByConfigIsDeterministic(t *testing.T) {
	t.Parallel()

	a := fsk.DefaultConfig()
	b := fsk.DefaultConfig()
	b.Volume = 0.25
	requests := []*models.VerificationRequest{
		{ID: "x", Config: a},
		{ID: "y", Config: b},
	}

	first := GroupByConfig(requests)
	second := GroupByConfig(requests)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("got %d and %d batches, want 2 each", len(first), len(second))
	}
	for i := range first {
		if first[i].Config != second[i].Config {
			t.Fatalf("batch order differs between runs at %d", i)
		}
	}
}

func TestHappyPathVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	gap := &airGap{}
	emitter := &fakeEmitter{gap: gap}

	coord := NewCoordinator(st, emitter, fastCoordinatorConfig(), testLogger())
	var hookMu sync.Mutex
	hookCalls := 0
	coord.SetVerdictHook(func(*models.VerificationRequest) {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
	})
	coord.Start(ctx)
	defer coord.Stop()

	p := NewParticipant("alice", st, &fakeListener{gap: gap}, fsk.DefaultConfig(), fastParticipantConfig(), testLogger())
	if _, err := p.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := p.RequestVerification(ctx); err != nil {
		t.Fatalf("RequestVerification failed: %v", err)
	}
	coord.Kick()

	verdict := awaitVerdict(t, p, 5*time.Second)
	if verdict.Status != models.StatusVerified {
		t.Fatalf("status = %s, want verified (cause=%q)", verdict.Status, verdict.FailureCause)
	}
	if !verdict.Passed {
		t.Error("verdict not passed")
	}
	if verdict.MatchCount != fastCoordinatorConfig().PatternLength {
		t.Errorf("matchCount = %d, want %d", verdict.MatchCount, fastCoordinatorConfig().PatternLength)
	}
	if len(verdict.EmittedPattern) != fastCoordinatorConfig().PatternLength {
		t.Errorf("emitted pattern length %d, want %d", len(verdict.EmittedPattern), fastCoordinatorConfig().PatternLength)
	}

	// The dispatch dedupe set must collapse the repeated submitted
	// notifications into one verifier run.
	time.Sleep(100 * time.Millisecond)
	hookMu.Lock()
	defer hookMu.Unlock()
	if hookCalls != 1 {
		t.Errorf("verdict hook ran %d times, want exactly 1", hookCalls)
	}
}

func TestSharedConfigBatchUsesOneEmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	gap := &airGap{}
	emitter := &fakeEmitter{gap: gap}

	coord := NewCoordinator(st, emitter, fastCoordinatorConfig(), testLogger())
	coord.Start(ctx)
	defer coord.Stop()

	cfg := fsk.DefaultConfig()
	var participants []*Participant
	for _, name := range []string{"alice", "bob", "carol"} {
		p := NewParticipant(name, st, &fakeListener{gap: gap}, cfg, fastParticipantConfig(), testLogger())
		if _, err := p.Join(ctx); err != nil {
			t.Fatalf("Join(%s) failed: %v", name, err)
		}
		participants = append(participants, p)
	}
	for _, p := range participants {
		if err := p.RequestVerification(ctx); err != nil {
			t.Fatalf("RequestVerification failed: %v", err)
		}
	}
	coord.Kick()

	for _, p := range participants {
		verdict := awaitVerdict(t, p, 5*time.Second)
		if verdict.Status != models.StatusVerified {
			t.Fatalf("status = %s, want verified", verdict.Status)
		}
	}

	if windows := emitter.emissionWindows(); len(windows) != 1 {
		t.Errorf("%d emissions for one config-equivalent batch, want 1", len(windows))
	}
}

func TestDistinctConfigsEmitSequentially(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	gap := &airGap{}
	emitter := &fakeEmitter{gap: gap, duration: 50 * time.Millisecond}

	coord := NewCoordinator(st, emitter, fastCoordinatorConfig(), testLogger())
	coord.Start(ctx)
	defer coord.Stop()

	cfgA := fsk.DefaultConfig()
	cfgB := fsk.DefaultConfig()
	cfgB.PulseGapMs = 60

	pa := NewParticipant("alice", st, &fakeListener{gap: gap}, cfgA, fastParticipantConfig(), testLogger())
	pb := NewParticipant("bob", st, &fakeListener{gap: gap}, cfgB, fastParticipantConfig(), testLogger())
	for _, p := range []*Participant{pa, pb} {
		if _, err := p.Join(ctx); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
		if err := p.RequestVerification(ctx); err != nil {
			t.Fatalf("RequestVerification failed: %v", err)
		}
	}
	coord.Kick()

	for _, p := range []*Participant{pa, pb} {
		verdict := awaitVerdict(t, p, 5*time.Second)
		if verdict.Status != models.StatusVerified {
			t.Fatalf("status = %s, want verified", verdict.Status)
		}
	}

	windows := emitter.emissionWindows()
	if len(windows) != 2 {
		t.Fatalf("%d emissions for two configs, want 2", len(windows))
	}
	for i := 1; i < len(windows); i++ {
		if windows[i].start.Before(windows[i-1].end) {
			t.Errorf("emission %d started at %v before %d ended at %v",
				i, windows[i].start, i-1, windows[i-1].end)
		}
	}
}

func TestStragglerFailsWithoutBlockingBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	gap := &airGap{}
	emitter := &fakeEmitter{gap: gap}

	cfg := fastCoordinatorConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	coord := NewCoordinator(st, emitter, cfg, testLogger())
	coord.Start(ctx)
	defer coord.Stop()

	good := NewParticipant("alice", st, &fakeListener{gap: gap}, fsk.DefaultConfig(), fastParticipantConfig(), testLogger())
	stuck := NewParticipant("mallory", st,
		&fakeListener{gap: gap, startErr: fmt.Errorf("microphone permission denied")},
		fsk.DefaultConfig(), fastParticipantConfig(), testLogger())

	for _, p := range []*Participant{good, stuck} {
		if _, err := p.Join(ctx); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
		if err := p.RequestVerification(ctx); err != nil {
			t.Fatalf("RequestVerification failed: %v", err)
		}
	}
	coord.Kick()

	goodVerdict := awaitVerdict(t, good, 5*time.Second)
	if goodVerdict.Status != models.StatusVerified {
		t.Errorf("good participant status = %s, want verified", goodVerdict.Status)
	}

	stuckVerdict := awaitVerdict(t, stuck, 5*time.Second)
	if stuckVerdict.Status != models.StatusFailed {
		t.Fatalf("straggler status = %s, want failed", stuckVerdict.Status)
	}
	if stuckVerdict.FailureCause != CauseHandshakeTimeout {
		t.Errorf("straggler cause = %q, want %q", stuckVerdict.FailureCause, CauseHandshakeTimeout)
	}
}

func TestEmissionRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	gap := &airGap{}
	emitter := &fakeEmitter{gap: gap, failures: 1}

	coord := NewCoordinator(st, emitter, fastCoordinatorConfig(), testLogger())
	coord.Start(ctx)
	defer coord.Stop()

	p := NewParticipant("alice", st, &fakeListener{gap: gap}, fsk.DefaultConfig(), fastParticipantConfig(), testLogger())
	if _, err := p.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := p.RequestVerification(ctx); err != nil {
		t.Fatalf("RequestVerification failed: %v", err)
	}
	coord.Kick()

	verdict := awaitVerdict(t, p, 5*time.Second)
	if verdict.Status != models.StatusVerified {
		t.Errorf("status = %s, want verified after retry", verdict.Status)
	}
}

func TestEmissionExhaustionFailsBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	gap := &airGap{}
	emitter := &fakeEmitter{gap: gap, failures: 10}

	coord := NewCoordinator(st, emitter, fastCoordinatorConfig(), testLogger())
	coord.Start(ctx)
	defer coord.Stop()

	p := NewParticipant("alice", st, &fakeListener{gap: gap}, fsk.DefaultConfig(), fastParticipantConfig(), testLogger())
	if _, err := p.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := p.RequestVerification(ctx); err != nil {
		t.Fatalf("RequestVerification failed: %v", err)
	}
	coord.Kick()

	verdict := awaitVerdict(t, p, 5*time.Second)
	if verdict.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", verdict.Status)
	}
	if verdict.FailureCause != CauseEmissionFailed {
		t.Errorf("cause = %q, want %q", verdict.FailureCause, CauseEmissionFailed)
	}
}

func TestSilentRoundsRestartThenFailTerminally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	gap := &airGap{}
	emitter := &fakeEmitter{gap: gap}

	coord := NewCoordinator(st, emitter, fastCoordinatorConfig(), testLogger())
	coord.Start(ctx)
	defer coord.Stop()

	// A muted listener submits an empty detection, so no verdict ever comes
	// back and the verdict timeout drives restarts up to the cap.
	listener := &fakeListener{gap: gap, mute: true}
	pcfg := fastParticipantConfig()
	pcfg.VerdictTimeout = 100 * time.Millisecond
	p := NewParticipant("alice", st, listener, fsk.DefaultConfig(), pcfg, testLogger())
	if _, err := p.Join(ctx); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := p.RequestVerification(ctx); err != nil {
		t.Fatalf("RequestVerification failed: %v", err)
	}
	coord.Kick()

	verdict := awaitVerdict(t, p, 10*time.Second)
	if verdict.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", verdict.Status)
	}
	if verdict.FailureCause != CauseNoVerdict {
		t.Errorf("cause = %q, want %q", verdict.FailureCause, CauseNoVerdict)
	}

	listener.mu.Lock()
	starts := listener.starts
	listener.mu.Unlock()
	if starts != pcfg.RestartCap+1 {
		t.Errorf("listener started %d rounds, want %d (initial + %d restarts)",
			starts, pcfg.RestartCap+1, pcfg.RestartCap)
	}
}

func TestEndSessionResetsParticipants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	coord := NewCoordinator(st, &fakeEmitter{}, fastCoordinatorConfig(), testLogger())

	p := NewParticipant("alice", st, &fakeListener{gap: &airGap{}}, fsk.DefaultConfig(), fastParticipantConfig(), testLogger())
	id, err := p.Join(ctx)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if err := coord.EndSession(ctx); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	select {
	case ev := <-p.Events():
		if ev.Type != EventReset {
			t.Fatalf("event type = %s, want reset", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no reset event after session end")
	}

	if p.RequestID() != "" {
		t.Error("participant still holds a request id after reset")
	}
	if _, err := st.Get(ctx, id); err != store.ErrNotFound {
		t.Errorf("record still present after EndSession: %v", err)
	}
}

func TestStaleVerdictTimerLeavesFinishedRoundAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	p := NewParticipant("alice", st, &fakeListener{gap: &airGap{}}, fsk.DefaultConfig(), fastParticipantConfig(), testLogger())

	rec := &models.VerificationRequest{
		ID:          "r1",
		Participant: "alice",
		Status:      models.StatusVerified,
		Config:      fsk.DefaultConfig(),
		MatchCount:  4,
		Passed:      true,
	}
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// A verdict timer that outlived its round fires against the terminal
	// record: no restart, no event, record untouched.
	p.restartRound(ctx, "r1")

	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected %s event from timer on a finished round (err=%v)", ev.Type, ev.Err)
	default:
	}

	got, err := st.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.StatusVerified || !got.Passed {
		t.Errorf("finished round disturbed: status=%s passed=%t", got.Status, got.Passed)
	}

	// Same for a record the coordinator already deleted.
	p.restartRound(ctx, "gone")
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected %s event from timer on a deleted round", ev.Type)
	default:
	}
}

func TestLeaveDeletesOwnRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemoryStore()
	p := NewParticipant("alice", st, &fakeListener{gap: &airGap{}}, fsk.DefaultConfig(), fastParticipantConfig(), testLogger())
	id, err := p.Join(ctx)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := p.Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if _, err := st.Get(ctx, id); err != store.ErrNotFound {
		t.Errorf("record still present after Leave: %v", err)
	}
}
