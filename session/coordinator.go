package session

// Handshake Coordination
//
// The coordinator owns the emitting side of the verification handshake. It
// watches the shared store for participants in `ready`, folds them into
// config-equivalent batches, writes each one a freshly generated pattern,
// waits (bounded) for them to confirm they are recording, drives exactly one
// emission per batch, and finally flips the batch to `submitted`. A separate
// dispatch path reacts to submitted records carrying a detected pattern and
// runs the verifier.
//
// Batch processing is mutually exclusive per emitting device: an in-progress
// flag keeps the processing loop and the ready re-check from ever
// overlapping, so two emission windows cannot coexist. Every wait in the
// protocol is bounded by a timeout; a straggler can delay its own verdict
// but never wedge the system.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"copresence/fsk"
	"copresence/models"
	"copresence/pattern"
	"copresence/store"
)

// Failure causes recorded on terminal failed requests. A plain
// below-threshold match carries no cause; these tag system errors, which
// call for different remediation than a weak signal.
const (
	CauseHandshakeTimeout = "handshake_timeout"
	CauseEmissionFailed   = "emission_failed"
	CauseNoVerdict        = "no_verdict"
)

// PulseEmitter drives one acoustic emission. fsk.Emitter satisfies this;
// tests substitute a stub that records emission windows.
type PulseEmitter interface {
	Emit(ctx context.Context, p pattern.Pattern, cfg fsk.EmitterConfig) ([]float64, error)
}

// CoordinatorConfig bounds the handshake.
type CoordinatorConfig struct {
	// PatternLength is N, the per-deployment symbol count.
	PatternLength int

	// Debounce collects near-simultaneous joins into one batch instead of
	// many singletons.
	Debounce time.Duration

	// HandshakeTimeout caps the wait for batch participants to reach
	// listening; HandshakePoll is the re-read cadence while waiting.
	HandshakeTimeout time.Duration
	HandshakePoll    time.Duration

	// TransmissionBuffer pads between the end of emission and the flip to
	// submitted, covering acoustic propagation and receiver buffering.
	TransmissionBuffer time.Duration

	// EmitRetries bounds attempts per batch before a terminal failure.
	EmitRetries int

	// RecheckInterval paces the background scan for ready participants.
	RecheckInterval time.Duration
}

// DefaultCoordinatorConfig returns the deployment defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		PatternLength:      pattern.DefaultLength,
		Debounce:           200 * time.Millisecond,
		HandshakeTimeout:   3 * time.Second,
		HandshakePoll:      50 * time.Millisecond,
		TransmissionBuffer: 300 * time.Millisecond,
		EmitRetries:        3,
		RecheckInterval:    250 * time.Millisecond,
	}
}

// Coordinator sequences ready→emitting→listening→submitted→verdict for every
// participant in the session.
type Coordinator struct {
	store   store.Store
	emitter PulseEmitter
	cfg     CoordinatorConfig
	logger  *slog.Logger

	mu         sync.Mutex
	processing bool
	verifying  map[string]struct{}
	subs       map[string]func()
	onVerdict  func(*models.VerificationRequest)

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator builds a coordinator over the shared store and an emitter.
func NewCoordinator(st store.Store, emitter PulseEmitter, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     st,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
		verifying: make(map[string]struct{}),
		subs:      make(map[string]func()),
		kick:      make(chan struct{}, 1),
	}
}

// SetVerdictHook registers a callback invoked once per terminal request
// (verified or failed). Used for persistence and client notification.
func (c *Coordinator) SetVerdictHook(hook func(*models.VerificationRequest)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onVerdict = hook
}

// Start launches the scheduling loop until ctx is cancelled or Stop runs.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.RecheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.kick:
			case <-ticker.C:
			}
			c.ensureSubscriptions(ctx)
			c.processRound(ctx)
		}
	}()
}

// Stop halts scheduling and cancels all record subscriptions.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	subs := c.subs
	c.subs = make(map[string]func())
	c.verifying = make(map[string]struct{})
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// Kick nudges the scheduler ahead of its next periodic scan. Called after a
// participant turns ready so rounds start promptly.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// ensureSubscriptions attaches the verification dispatch to any record the
// coordinator hasn't seen yet. Participants create records on their own;
// the coordinator discovers them here.
func (c *Coordinator) ensureSubscriptions(ctx context.Context) {
	requests, err := c.store.List(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to scan for new requests", slog.Any("error", err))
		return
	}

	for _, req := range requests {
		id := req.ID
		c.mu.Lock()
		_, known := c.subs[id]
		c.mu.Unlock()
		if known {
			continue
		}

		unsub, err := c.store.Subscribe(ctx, id, func(rec *models.VerificationRequest) {
			c.onRecordChange(ctx, id, rec)
		})
		if err != nil {
			c.logger.WarnContext(ctx, "failed to subscribe to request",
				slog.String("requestID", id),
				slog.Any("error", err),
			)
			continue
		}

		c.mu.Lock()
		c.subs[id] = unsub
		c.mu.Unlock()
	}
}

// EndSession deletes every in-flight request. Participants observe the
// deletion and reset themselves; nothing here is an error to them.
func (c *Coordinator) EndSession(ctx context.Context) error {
	requests, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list session requests: %w", err)
	}
	for _, req := range requests {
		if err := c.store.Delete(ctx, req.ID); err != nil {
			return fmt.Errorf("delete request %s: %w", req.ID, err)
		}
	}
	return nil
}

// processRound runs batches until no ready participants remain. The
// processing flag keeps invocations mutually exclusive; the outer loop is
// the mandated re-check for requests that turned ready mid-round.
func (c *Coordinator) processRound(ctx context.Context) {
	c.mu.Lock()
	if c.processing {
		c.mu.Unlock()
		return
	}
	c.processing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.processing = false
		c.mu.Unlock()
	}()

	for {
		if !sleepCtx(ctx, c.cfg.Debounce) {
			return
		}

		ready, err := c.readyRequests(ctx)
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to list ready requests", slog.Any("error", err))
			return
		}
		if len(ready) == 0 {
			return
		}

		for _, batch := range GroupByConfig(ready) {
			if ctx.Err() != nil {
				return
			}
			c.processBatch(ctx, batch)
		}
		// Loop: anything that turned ready while we were emitting gets its
		// own round instead of starving.
	}
}

func (c *Coordinator) readyRequests(ctx context.Context) ([]*models.VerificationRequest, error) {
	all, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var ready []*models.VerificationRequest
	for _, req := range all {
		if req.Status == models.StatusReady {
			ready = append(ready, req)
		}
	}
	return ready, nil
}

// processBatch drives one emission for one config-equivalent group.
func (c *Coordinator) processBatch(ctx context.Context, batch Batch) {
	p := pattern.Generate(c.cfg.PatternLength)
	encoded := p.Strings()

	// Select participants into the batch: pattern plus status=emitting, in
	// one write per record.
	var selected []string
	for _, id := range batch.RequestIDs {
		_, err := c.store.Update(ctx, id, func(rec *models.VerificationRequest) {
			if models.CanTransition(rec.Status, models.StatusEmitting) {
				rec.Status = models.StatusEmitting
				rec.EmittedPattern = encoded
			}
		})
		if err != nil {
			c.logger.WarnContext(ctx, "failed to select request into batch",
				slog.String("requestID", id),
				slog.String("batchID", batch.ID),
				slog.Any("error", err),
			)
			continue
		}
		selected = append(selected, id)
	}
	if len(selected) == 0 {
		return
	}

	listeners := c.awaitListening(ctx, selected)
	if shortfall := len(selected) - len(listeners); shortfall > 0 {
		c.logger.WarnContext(ctx, "proceeding with partial batch",
			slog.String("batchID", batch.ID),
			slog.Int("listening", len(listeners)),
			slog.Int("shortfall", shortfall),
		)
		for _, id := range selected {
			if !contains(listeners, id) {
				c.failRequest(ctx, id, CauseHandshakeTimeout)
			}
		}
	}
	if len(listeners) == 0 {
		return
	}

	if err := c.emitWithRetries(ctx, p, batch.Config); err != nil {
		c.logger.ErrorContext(ctx, "emission failed after retries",
			slog.String("batchID", batch.ID),
			slog.Any("error", err),
		)
		for _, id := range listeners {
			c.failRequest(ctx, id, CauseEmissionFailed)
		}
		return
	}

	// Let the tail of the acoustic wave reach every microphone before
	// telling participants to stop recording.
	if !sleepCtx(ctx, c.cfg.TransmissionBuffer) {
		return
	}

	for _, id := range listeners {
		if _, err := c.store.Update(ctx, id, func(rec *models.VerificationRequest) {
			if models.CanTransition(rec.Status, models.StatusSubmitted) {
				rec.Status = models.StatusSubmitted
			}
		}); err != nil {
			c.logger.WarnContext(ctx, "failed to mark request submitted",
				slog.String("requestID", id),
				slog.Any("error", err),
			)
		}
	}
}

// awaitListening polls fresh record state until every selected participant
// is recording or the handshake timeout lapses. It returns whoever made it.
func (c *Coordinator) awaitListening(ctx context.Context, ids []string) []string {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	for {
		var listening []string
		for _, id := range ids {
			rec, err := c.store.Get(ctx, id)
			if err != nil {
				continue
			}
			if rec.Status == models.StatusListening {
				listening = append(listening, id)
			}
		}
		if len(listening) == len(ids) {
			return listening
		}
		if time.Now().After(deadline) {
			return listening
		}
		if !sleepCtx(ctx, c.cfg.HandshakePoll) {
			return listening
		}
	}
}

func (c *Coordinator) emitWithRetries(ctx context.Context, p pattern.Pattern, cfg fsk.EmitterConfig) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.EmitRetries; attempt++ {
		if _, err := c.emitter.Emit(ctx, p, cfg); err != nil {
			lastErr = err
			c.logger.WarnContext(ctx, "emission attempt failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			if errors.Is(err, context.Canceled) {
				return err
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d emission attempts failed: %w", c.cfg.EmitRetries, lastErr)
}

// onRecordChange is the verification dispatch path: a submitted record with
// a non-empty detected pattern gets exactly one verifier run.
func (c *Coordinator) onRecordChange(ctx context.Context, id string, rec *models.VerificationRequest) {
	if rec == nil {
		c.mu.Lock()
		unsub := c.subs[id]
		delete(c.subs, id)
		delete(c.verifying, id)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return
	}

	if rec.Status != models.StatusSubmitted || len(rec.DetectedPattern) == 0 {
		return
	}

	c.mu.Lock()
	if _, inFlight := c.verifying[id]; inFlight {
		c.mu.Unlock()
		return
	}
	c.verifying[id] = struct{}{}
	c.mu.Unlock()

	go c.verifyRequest(ctx, id)
}

func (c *Coordinator) verifyRequest(ctx context.Context, id string) {
	defer func() {
		c.mu.Lock()
		delete(c.verifying, id)
		c.mu.Unlock()
	}()

	// Re-read the live record; the subscription payload may predate the
	// participant's final writes.
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		return
	}
	if rec.Status != models.StatusSubmitted {
		return
	}

	verdict := scoreRequest(rec)

	updated, err := c.store.Update(ctx, id, func(live *models.VerificationRequest) {
		if !models.CanTransition(live.Status, verdict.status) {
			return
		}
		live.MatchCount = verdict.matchCount
		live.Passed = verdict.passed
		live.Status = verdict.status
		live.VerifiedAt = time.Now()
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to record verdict",
			slog.String("requestID", id),
			slog.Any("error", err),
		)
		return
	}

	c.logger.InfoContext(ctx, "verification complete",
		slog.String("requestID", id),
		slog.String("participant", updated.Participant),
		slog.Int("matchCount", updated.MatchCount),
		slog.Bool("passed", updated.Passed),
	)

	c.mu.Lock()
	hook := c.onVerdict
	c.mu.Unlock()
	if hook != nil {
		hook(updated)
	}
}

func (c *Coordinator) failRequest(ctx context.Context, id, cause string) {
	if _, err := c.store.Update(ctx, id, func(rec *models.VerificationRequest) {
		if models.CanTransition(rec.Status, models.StatusFailed) {
			rec.Status = models.StatusFailed
			rec.FailureCause = cause
			rec.VerifiedAt = time.Now()
		}
	}); err != nil {
		c.logger.WarnContext(ctx, "failed to record failure",
			slog.String("requestID", id),
			slog.String("cause", cause),
			slog.Any("error", err),
		)
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
