package session

// Participant Worker
//
// The listening side of the handshake. A participant joins by creating its
// shared record (status waiting) and reacting to record changes pushed by
// the store subscription:
//
//   emitting  → acquire the microphone, confirm with listening. The mic is
//               not touched before this point; recording ambient audio ahead
//               of the emission wastes battery and captures nothing useful.
//   submitted → stop recording, analyze, write the detected pattern. Exactly
//               once per round; duplicate submitted notifications are
//               suppressed.
//   verified/failed → surface the verdict.
//   deletion  → full reset to idle, releasing the microphone. Record
//               disappearance is the session-end signal, not an error.
//
// Two local timers bound the waits: a verdict timeout after submission
// (reset and restart the round, capped) and a longer ready timeout that
// surfaces an error state for manual retry.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"copresence/detect"
	"copresence/fsk"
	"copresence/models"
	"copresence/store"
)

// Listener is the recording side of the detector. detect.Detector
// satisfies it.
type Listener interface {
	StartRecording(ctx context.Context) error
	ClearPeaks()
	StopAndAnalyze() ([]detect.DetectedPeak, error)
}

// ParticipantConfig bounds the participant's waits.
type ParticipantConfig struct {
	// VerdictTimeout caps the wait for a terminal status after submission
	// before the round restarts.
	VerdictTimeout time.Duration

	// ReadyTimeout caps how long a request may sit in ready before an
	// error state is surfaced for manual retry.
	ReadyTimeout time.Duration

	// RestartCap bounds automatic round restarts before the request is
	// failed terminally with a timeout cause.
	RestartCap int
}

// DefaultParticipantConfig returns the deployment defaults.
func DefaultParticipantConfig() ParticipantConfig {
	return ParticipantConfig{
		VerdictTimeout: 5 * time.Second,
		ReadyTimeout:   30 * time.Second,
		RestartCap:     3,
	}
}

// EventType classifies participant notifications.
type EventType string

const (
	// EventVerdict carries a terminal request.
	EventVerdict EventType = "verdict"
	// EventReset reports an external reset (record deleted).
	EventReset EventType = "reset"
	// EventError reports a local failure (hardware, stuck handshake).
	EventError EventType = "error"
)

// Event is one participant notification.
type Event struct {
	Type    EventType
	Request *models.VerificationRequest
	Err     error
}

// Participant reacts to shared-state changes for one device.
type Participant struct {
	name     string
	store    store.Store
	listener Listener
	devCfg   fsk.EmitterConfig
	cfg      ParticipantConfig
	logger   *slog.Logger

	events chan Event

	mu               sync.Mutex
	requestID        string
	unsubscribe      func()
	recording        bool
	listeningSignal  bool
	submittedHandled bool
	restarts         int
	readyTimer       *time.Timer
	verdictTimer     *time.Timer
}

// NewParticipant builds a participant for one device identity.
func NewParticipant(name string, st store.Store, listener Listener, devCfg fsk.EmitterConfig, cfg ParticipantConfig, logger *slog.Logger) *Participant {
	return &Participant{
		name:     name,
		store:    st,
		listener: listener,
		devCfg:   devCfg,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan Event, 16),
	}
}

// Events delivers verdicts, resets and errors to the caller.
func (p *Participant) Events() <-chan Event {
	return p.events
}

// RequestID returns the current shared record id, empty when idle.
func (p *Participant) RequestID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestID
}

// Join creates this participant's shared record and subscribes to it.
func (p *Participant) Join(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.requestID != "" {
		id := p.requestID
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	req := &models.VerificationRequest{
		ID:          uuid.NewString(),
		Participant: p.name,
		Status:      models.StatusWaiting,
		Config:      p.devCfg,
		CreatedAt:   time.Now(),
	}
	if err := p.store.Put(ctx, req); err != nil {
		return "", fmt.Errorf("join session: %w", err)
	}

	unsub, err := p.store.Subscribe(ctx, req.ID, func(rec *models.VerificationRequest) {
		p.onChange(ctx, rec)
	})
	if err != nil {
		return "", fmt.Errorf("subscribe to own request: %w", err)
	}

	p.mu.Lock()
	p.requestID = req.ID
	p.unsubscribe = unsub
	p.mu.Unlock()

	return req.ID, nil
}

// RequestVerification asks for a round now (waiting→ready) and arms the
// ready timeout.
func (p *Participant) RequestVerification(ctx context.Context) error {
	p.mu.Lock()
	id := p.requestID
	p.mu.Unlock()
	if id == "" {
		return fmt.Errorf("participant has not joined")
	}

	updated, err := p.store.Update(ctx, id, func(rec *models.VerificationRequest) {
		if models.CanTransition(rec.Status, models.StatusReady) {
			rec.Status = models.StatusReady
		}
	})
	if err != nil {
		return fmt.Errorf("request verification: %w", err)
	}
	if updated.Status != models.StatusReady {
		return fmt.Errorf("cannot request verification from status %s", updated.Status)
	}

	p.mu.Lock()
	p.stopTimersLocked()
	p.readyTimer = time.AfterFunc(p.cfg.ReadyTimeout, func() {
		p.emit(Event{Type: EventError, Err: fmt.Errorf("no round started within %s; retry manually", p.cfg.ReadyTimeout)})
	})
	p.mu.Unlock()
	return nil
}

// Leave tears the participant down and deletes its record.
func (p *Participant) Leave(ctx context.Context) error {
	p.mu.Lock()
	id := p.requestID
	p.mu.Unlock()
	if id == "" {
		return nil
	}
	// Deletion notifies our own subscription, which performs the reset.
	return p.store.Delete(ctx, id)
}

// onChange is the subscription handler; all handshake reactions live here.
func (p *Participant) onChange(ctx context.Context, rec *models.VerificationRequest) {
	if rec == nil {
		p.resetToIdle()
		p.emit(Event{Type: EventReset})
		return
	}

	switch rec.Status {
	case models.StatusEmitting:
		p.handleEmitting(ctx, rec)
	case models.StatusSubmitted:
		p.handleSubmitted(ctx, rec)
	case models.StatusVerified, models.StatusFailed:
		p.handleVerdict(rec)
	}
}

// handleEmitting acquires the microphone and signals listening, once.
func (p *Participant) handleEmitting(ctx context.Context, rec *models.VerificationRequest) {
	p.mu.Lock()
	if p.listeningSignal {
		p.mu.Unlock()
		return
	}
	p.listeningSignal = true
	if p.readyTimer != nil {
		p.readyTimer.Stop()
		p.readyTimer = nil
	}
	p.mu.Unlock()

	if err := p.listener.StartRecording(ctx); err != nil {
		// Hardware acquisition failure is fatal for this session: surface
		// it, don't retry. The coordinator's handshake timeout handles the
		// shared record.
		p.logger.ErrorContext(ctx, "failed to acquire microphone",
			slog.String("participant", p.name),
			slog.Any("error", err),
		)
		p.emit(Event{Type: EventError, Err: err})
		return
	}

	p.mu.Lock()
	p.recording = true
	p.mu.Unlock()

	// Recording is confirmed active; anything captured before this instant
	// is pre-roll and gets dropped.
	p.listener.ClearPeaks()

	if _, err := p.store.Update(ctx, rec.ID, func(live *models.VerificationRequest) {
		if models.CanTransition(live.Status, models.StatusListening) {
			live.Status = models.StatusListening
		}
	}); err != nil {
		p.logger.ErrorContext(ctx, "failed to signal listening",
			slog.String("participant", p.name),
			slog.Any("error", err),
		)
		p.emit(Event{Type: EventError, Err: err})
	}
}

// handleSubmitted stops recording, analyzes, and writes the detected
// pattern. A dedupe flag guarantees one submission per round.
func (p *Participant) handleSubmitted(ctx context.Context, rec *models.VerificationRequest) {
	p.mu.Lock()
	if p.submittedHandled {
		p.mu.Unlock()
		return
	}
	p.submittedHandled = true
	wasRecording := p.recording
	p.recording = false
	p.mu.Unlock()

	if !wasRecording {
		return
	}

	peaks, err := p.listener.StopAndAnalyze()
	if err != nil {
		p.logger.ErrorContext(ctx, "analysis failed",
			slog.String("participant", p.name),
			slog.Any("error", err),
		)
		p.emit(Event{Type: EventError, Err: err})
		return
	}

	detected := make([]string, len(peaks))
	for i, peak := range peaks {
		detected[i] = peak.Symbol.String()
	}

	if _, err := p.store.Update(ctx, rec.ID, func(live *models.VerificationRequest) {
		live.DetectedPattern = detected
		live.DetectedPeaks = peaks
	}); err != nil {
		// Store write failures surface immediately; swallowing one here
		// would stall the verifier with no diagnostic.
		p.emit(Event{Type: EventError, Err: fmt.Errorf("submit detected pattern: %w", err)})
		return
	}

	p.logger.InfoContext(ctx, "submitted detected pattern",
		slog.String("participant", p.name),
		slog.Int("peaks", len(peaks)),
	)

	p.mu.Lock()
	p.verdictTimer = time.AfterFunc(p.cfg.VerdictTimeout, func() {
		p.restartRound(ctx, rec.ID)
	})
	p.mu.Unlock()
}

func (p *Participant) handleVerdict(rec *models.VerificationRequest) {
	p.mu.Lock()
	p.stopTimersLocked()
	p.restarts = 0
	p.listeningSignal = false
	p.submittedHandled = false
	p.mu.Unlock()
	p.stopRecordingIfActive()
	p.emit(Event{Type: EventVerdict, Request: rec})
}

// restartRound fires when no verdict arrived in time: reset to waiting and
// re-request, up to the restart cap, after which the request is failed
// terminally with the timeout cause.
func (p *Participant) restartRound(ctx context.Context, id string) {
	// The verdict can land in the gap between the detected-pattern write and
	// the timer being armed, leaving this firing against a finished round. A
	// terminal or deleted record needs no restart and no error.
	rec, err := p.store.Get(ctx, id)
	if err != nil || rec.Status.Terminal() {
		return
	}

	p.mu.Lock()
	p.restarts++
	restarts := p.restarts
	p.listeningSignal = false
	p.submittedHandled = false
	p.mu.Unlock()
	p.stopRecordingIfActive()

	if restarts > p.cfg.RestartCap {
		if _, err := p.store.Update(ctx, id, func(rec *models.VerificationRequest) {
			if models.CanTransition(rec.Status, models.StatusFailed) {
				rec.Status = models.StatusFailed
				rec.FailureCause = CauseNoVerdict
				rec.VerifiedAt = time.Now()
			}
		}); err != nil {
			p.emit(Event{Type: EventError, Err: err})
		}
		return
	}

	p.logger.WarnContext(ctx, "no verdict in time; restarting round",
		slog.String("participant", p.name),
		slog.Int("attempt", restarts),
	)

	// Backward move to waiting is the explicit local reset, not a state
	// machine edge; participant-owned detected fields are cleared with it.
	if _, err := p.store.Update(ctx, id, func(rec *models.VerificationRequest) {
		if rec.Status.Terminal() {
			return
		}
		rec.Status = models.StatusWaiting
		rec.DetectedPattern = nil
		rec.DetectedPeaks = nil
	}); err != nil {
		p.emit(Event{Type: EventError, Err: err})
		return
	}
	if err := p.RequestVerification(ctx); err != nil {
		p.emit(Event{Type: EventError, Err: err})
	}
}

// resetToIdle releases every resource the round held: microphone, timers,
// dedupe flags, subscription.
func (p *Participant) resetToIdle() {
	p.mu.Lock()
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.requestID = ""
	p.listeningSignal = false
	p.submittedHandled = false
	p.restarts = 0
	p.stopTimersLocked()
	p.mu.Unlock()

	p.stopRecordingIfActive()
	if unsub != nil {
		unsub()
	}
}

func (p *Participant) stopRecordingIfActive() {
	p.mu.Lock()
	wasRecording := p.recording
	p.recording = false
	p.mu.Unlock()
	if wasRecording {
		if _, err := p.listener.StopAndAnalyze(); err != nil {
			p.logger.Warn("error releasing recorder", slog.Any("error", err))
		}
	}
}

// stopTimersLocked cancels outstanding timers. Caller holds p.mu.
func (p *Participant) stopTimersLocked() {
	if p.readyTimer != nil {
		p.readyTimer.Stop()
		p.readyTimer = nil
	}
	if p.verdictTimer != nil {
		p.verdictTimer.Stop()
		p.verdictTimer = nil
	}
}

func (p *Participant) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		// Slow consumer; dropping beats wedging the subscription handler.
	}
}
