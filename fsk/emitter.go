package fsk

// FSK Pulse Emission
//
// The emitter turns a symbol pattern into a single pre-rendered sample
// buffer: one sine pulse per symbol at the high or low carrier, separated by
// silence. Rendering everything up-front against sample offset zero is what
// makes the timing hardware-accurate — every pulse start is a fixed sample
// index inside one buffer, so the only clock that matters during playback is
// the audio device's own, and goroutine scheduling jitter or a backgrounded
// process cannot smear the pulse grid.
//
// Each pulse carries a linear fade-in/fade-out envelope of a few
// milliseconds. Without it the rectangular edges splatter broadband energy
// into the audible range as clicks.

import (
	"context"
	"log/slog"
	"math"
	"time"

	"copresence/audio"
	"copresence/pattern"
)

const (
	// fadeMs is the linear envelope ramp on each pulse edge.
	fadeMs = 5.0
	// tailBufferMs pads the blocking window past the last scheduled sample
	// so the envelope tail and device latency fully drain.
	tailBufferMs = 150.0

	// Warm-up pulse ahead of the first data pulse, letting receiver AGC
	// settle. Its frequency sits well below both carriers and away from
	// the classification midpoint so a detector that hears it neither
	// decodes it as a symbol nor corrupts its noise floor with it.
	warmUpFreqHz = 17500.0
	warmUpMs     = 60.0

	filterStages = 2
)

// Emitter schedules and plays FSK pulse trains on an audio output device.
type Emitter struct {
	out        audio.Output
	sampleRate int
	warmUp     bool
	logger     *slog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithWarmUp enables the AGC warm-up pulse ahead of the pattern, trading a
// longer emission for a settled receiver gain on the first data pulse.
func WithWarmUp(enabled bool) Option {
	return func(e *Emitter) { e.warmUp = enabled }
}

// WithSampleRate overrides the render rate (default audio.DefaultSampleRate).
func WithSampleRate(rate int) Option {
	return func(e *Emitter) { e.sampleRate = rate }
}

// NewEmitter wraps an acquired output device. Device acquisition happens
// before this point; if it failed, the session is over and nothing retries.
func NewEmitter(out audio.Output, logger *slog.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		out:        out,
		sampleRate: audio.DefaultSampleRate,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit renders and plays the pattern, blocking until the scheduled emission
// window plus the envelope-tail buffer has elapsed. It returns the carrier
// frequency actually used for each symbol, in emission order.
func (e *Emitter) Emit(ctx context.Context, p pattern.Pattern, cfg EmitterConfig) ([]float64, error) {
	rendered, freqs := e.render(p, cfg)

	start := time.Now()
	windowMs := float64(len(rendered)) / float64(e.sampleRate) * 1000

	e.logger.InfoContext(ctx, "emitting pattern",
		slog.String("pattern", p.String()),
		slog.Int("samples", len(rendered)),
		slog.Float64("windowMs", windowMs),
		slog.Bool("warmUp", e.warmUp),
	)

	if err := e.out.Play(ctx, rendered); err != nil {
		return nil, err
	}

	// Play returns when the buffer is handed off; hold the caller until the
	// acoustic window itself has passed.
	deadline := start.Add(time.Duration((windowMs + tailBufferMs) * float64(time.Millisecond)))
	if wait := time.Until(deadline); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return freqs, nil
}

// render lays out every pulse at its absolute sample offset in one buffer.
func (e *Emitter) render(p pattern.Pattern, cfg EmitterConfig) ([]float32, []float64) {
	rate := float64(e.sampleRate)
	pulseSamples := msToSamples(cfg.PulseDurationMs, rate)
	gapSamples := msToSamples(cfg.PulseGapMs, rate)
	warmSamples := 0
	if e.warmUp {
		warmSamples = msToSamples(warmUpMs, rate) + gapSamples
	}

	total := warmSamples + len(p)*pulseSamples
	if len(p) > 0 {
		total += (len(p) - 1) * gapSamples
	}
	total += msToSamples(tailBufferMs, rate)

	buf := make([]float64, total)

	if e.warmUp {
		writePulse(buf, 0, msToSamples(warmUpMs, rate), warmUpFreqHz, cfg.Volume, rate)
	}

	freqs := make([]float64, len(p))
	for i, sym := range p {
		freq := cfg.FreqLowHz
		if sym == pattern.High {
			freq = cfg.FreqHighHz
		}
		freqs[i] = freq

		offset := warmSamples + i*(pulseSamples+gapSamples)
		writePulse(buf, offset, pulseSamples, freq, cfg.Volume, rate)
	}

	if cfg.UseOutputFilter && cfg.FilterCutoffHz > 0 {
		NewHighpassChain(filterStages, e.sampleRate, cfg.FilterCutoffHz).Apply(buf)
	}

	out := make([]float32, len(buf))
	for i, v := range buf {
		out[i] = float32(v)
	}
	return out, freqs
}

// writePulse renders one enveloped sine pulse at a fixed sample offset.
func writePulse(buf []float64, offset, length int, freqHz, volume, sampleRate float64) {
	fadeSamples := msToSamples(fadeMs, sampleRate)
	if fadeSamples*2 > length {
		fadeSamples = length / 2
	}

	for i := 0; i < length; i++ {
		t := float64(i) / sampleRate
		sample := volume * math.Sin(2*math.Pi*freqHz*t)

		switch {
		case i < fadeSamples:
			sample *= float64(i) / float64(fadeSamples)
		case i >= length-fadeSamples:
			sample *= float64(length-1-i) / float64(fadeSamples)
		}

		buf[offset+i] = sample
	}
}

func msToSamples(ms, sampleRate float64) int {
	return int(math.Round(ms / 1000 * sampleRate))
}
