package detect

// Ultrasonic Peak Detection
//
// The detector consumes microphone frames from an audio input feed and
// reduces each one to at most one classified carrier peak. The pipeline per
// frame:
//
//  1. Hann window + FFT, restricted to the ultrasonic band.
//  2. Strongest bin in the band becomes the candidate peak.
//  3. The per-frame median bin amplitude feeds an exponentially-weighted
//     noise-floor estimate that only ever ratchets upward within a recording
//     session (quiet frames never lower it, so a burst of silence can't make
//     later noise look like signal).
//  4. Peaks whose SNR against that floor falls below the gate are dropped.
//  5. Survivors are classified High/Low by proximity to the configured
//     carriers; anything matching neither carrier is interference and is
//     discarded.
//  6. Reflections of the same physical pulse (close in frequency and time)
//     are merged into one retained peak, keeping the stronger measurement.
//
// Analysis runs on a dedicated goroutine woken per delivered frame, with
// explicit start/stop. StopAndAnalyze caps retention at MaxPeaks by
// amplitude and then re-sorts chronologically: order, not strength, is what
// verification consumes.

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"copresence/audio"
	"copresence/pattern"
)

// DetectedPeak is one classified carrier detection.
type DetectedPeak struct {
	FrequencyHz float64        `json:"frequencyHz"`
	AmplitudeDb float64        `json:"amplitudeDb"`
	SNRDb       float64        `json:"snrDb"`
	Timestamp   time.Time      `json:"timestamp"`
	Symbol      pattern.Symbol `json:"-"`
}

// Diagnostics is a point-in-time view of detector state.
type Diagnostics struct {
	Peaks        int     `json:"peaks"`
	NoiseFloorDb float64 `json:"noiseFloorDb"`
}

// Config fixes the detection band and gates.
type Config struct {
	SampleRate int
	FFTSize    int

	BandLowHz  float64
	BandHighHz float64

	FreqLowHz  float64
	FreqHighHz float64

	// CarrierToleranceHz bounds how far a peak may sit from a carrier and
	// still classify as that symbol.
	CarrierToleranceHz float64

	// Merge windows for reflection dedupe.
	MergeFreqToleranceHz float64
	MergeTimeWindow      time.Duration

	// SNRRatio is the linear amplitude ratio a peak must clear over the
	// noise floor.
	SNRRatio float64

	MaxPeaks int

	// NoiseFloorResetDb is the floor value after reset; NoiseFloorAlpha is
	// the EWMA weight applied when the per-frame median exceeds the
	// current estimate.
	NoiseFloorResetDb float64
	NoiseFloorAlpha   float64
}

// DefaultConfig returns detection parameters matched to the default emitter
// carriers.
func DefaultConfig() Config {
	return Config{
		SampleRate:           audio.DefaultSampleRate,
		FFTSize:              2048,
		BandLowHz:            18000,
		BandHighHz:           20000,
		FreqLowHz:            18500,
		FreqHighHz:           19500,
		CarrierToleranceHz:   150,
		MergeFreqToleranceHz: 200,
		MergeTimeWindow:      60 * time.Millisecond,
		SNRRatio:             4,
		MaxPeaks:             12,
		NoiseFloorResetDb:    -96,
		NoiseFloorAlpha:      0.3,
	}
}

// snrThresholdDb converts the linear gate ratio to dB.
func (c Config) snrThresholdDb() float64 {
	return 20 * math.Log10(c.SNRRatio)
}

// Detector turns a microphone frame feed into a timestamped symbol sequence.
type Detector struct {
	cfg    Config
	input  audio.Input
	logger *slog.Logger

	mu           sync.Mutex
	recording    bool
	peaks        []DetectedPeak
	noiseFloorDb float64
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewDetector wires a detector to an audio input. Microphone acquisition is
// deferred to StartRecording; a permission denial surfaces there.
func NewDetector(input audio.Input, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:          cfg,
		input:        input,
		logger:       logger,
		noiseFloorDb: cfg.NoiseFloorResetDb,
	}
}

// StartRecording acquires the microphone and begins per-frame analysis on a
// dedicated goroutine. Retained peaks and the noise floor are reset.
func (d *Detector) StartRecording(ctx context.Context) error {
	d.mu.Lock()
	if d.recording {
		d.mu.Unlock()
		return fmt.Errorf("detector already recording")
	}
	d.peaks = nil
	d.noiseFloorDb = d.cfg.NoiseFloorResetDb
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	frames, err := d.input.Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("acquire microphone: %w", err)
	}

	done := make(chan struct{})
	d.mu.Lock()
	d.recording = true
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()

	go func() {
		defer close(done)
		for frame := range frames {
			d.analyzeFrame(frame)
		}
	}()

	return nil
}

// ClearPeaks discards everything retained so far without restarting the
// recording session. The coordinator calls this at the start of the actual
// emission window so ambient pre-roll noise can't pollute the sequence.
func (d *Detector) ClearPeaks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peaks = nil
	d.noiseFloorDb = d.cfg.NoiseFloorResetDb
}

// StopAndAnalyze releases the microphone and returns the retained peaks,
// capped at MaxPeaks by amplitude and ordered chronologically.
func (d *Detector) StopAndAnalyze() ([]DetectedPeak, error) {
	d.mu.Lock()
	if !d.recording {
		d.mu.Unlock()
		return nil, fmt.Errorf("detector not recording")
	}
	cancel := d.cancel
	done := d.done
	d.recording = false
	d.cancel = nil
	d.done = nil
	d.mu.Unlock()

	cancel()
	if err := d.input.Stop(); err != nil {
		d.logger.Warn("error stopping audio input", slog.Any("error", err))
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()

	peaks := make([]DetectedPeak, len(d.peaks))
	copy(peaks, d.peaks)

	if len(peaks) > d.cfg.MaxPeaks {
		// Strongest first, bounding how many symbols a flood can inject...
		sort.Slice(peaks, func(i, j int) bool {
			return peaks[i].AmplitudeDb > peaks[j].AmplitudeDb
		})
		peaks = peaks[:d.cfg.MaxPeaks]
	}
	// ...then back to detection order, which is what verification matches.
	sort.Slice(peaks, func(i, j int) bool {
		return peaks[i].Timestamp.Before(peaks[j].Timestamp)
	})

	return peaks, nil
}

// Diagnostics reports the retained peak count and current noise floor.
func (d *Detector) Diagnostics() Diagnostics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Diagnostics{Peaks: len(d.peaks), NoiseFloorDb: d.noiseFloorDb}
}

// Symbols projects peaks onto their symbol sequence.
func Symbols(peaks []DetectedPeak) []pattern.Symbol {
	out := make([]pattern.Symbol, len(peaks))
	for i, p := range peaks {
		out[i] = p.Symbol
	}
	return out
}

// analyzeFrame runs the per-frame pipeline described in the package comment.
func (d *Detector) analyzeFrame(frame audio.Frame) {
	if len(frame.Samples) < d.cfg.FFTSize {
		return
	}

	windowed := make([]float64, d.cfg.FFTSize)
	copy(windowed, frame.Samples[:d.cfg.FFTSize])
	HannWindow(windowed)
	spectrum := SpectrumDb(windowed)

	lowBin := int(d.cfg.BandLowHz * float64(d.cfg.FFTSize) / float64(d.cfg.SampleRate))
	highBin := int(d.cfg.BandHighHz * float64(d.cfg.FFTSize) / float64(d.cfg.SampleRate))
	if lowBin < 0 {
		lowBin = 0
	}
	if highBin >= len(spectrum) {
		highBin = len(spectrum) - 1
	}
	if highBin <= lowBin {
		return
	}

	band := spectrum[lowBin : highBin+1]
	peakBin := 0
	peakDb := band[0]
	for i, v := range band {
		if v > peakDb {
			peakDb = v
			peakBin = i
		}
	}
	peakFreq := BinFrequency(lowBin+peakBin, d.cfg.FFTSize, d.cfg.SampleRate)
	median := medianOf(band)

	d.mu.Lock()
	defer d.mu.Unlock()

	// Monotonic ratchet: the estimate follows the median upward but never
	// back down until an explicit reset.
	if median > d.noiseFloorDb {
		d.noiseFloorDb += d.cfg.NoiseFloorAlpha * (median - d.noiseFloorDb)
	}

	snrDb := peakDb - d.noiseFloorDb
	if snrDb < d.cfg.snrThresholdDb() {
		return
	}

	symbol := d.classify(peakFreq)
	if symbol == pattern.Unknown {
		// In-band energy matching neither carrier is interference.
		return
	}

	d.retain(DetectedPeak{
		FrequencyHz: peakFreq,
		AmplitudeDb: peakDb,
		SNRDb:       snrDb,
		Timestamp:   frame.Timestamp,
		Symbol:      symbol,
	})
}

func (d *Detector) classify(freqHz float64) pattern.Symbol {
	switch {
	case math.Abs(freqHz-d.cfg.FreqHighHz) <= d.cfg.CarrierToleranceHz:
		return pattern.High
	case math.Abs(freqHz-d.cfg.FreqLowHz) <= d.cfg.CarrierToleranceHz:
		return pattern.Low
	default:
		return pattern.Unknown
	}
}

// retain merges the new peak with an existing reflection of the same pulse,
// or appends it. Caller holds d.mu.
func (d *Detector) retain(peak DetectedPeak) {
	for i := range d.peaks {
		existing := &d.peaks[i]
		freqClose := math.Abs(existing.FrequencyHz-peak.FrequencyHz) <= d.cfg.MergeFreqToleranceHz
		timeClose := absDuration(peak.Timestamp.Sub(existing.Timestamp)) <= d.cfg.MergeTimeWindow
		if freqClose && timeClose {
			if peak.AmplitudeDb > existing.AmplitudeDb {
				*existing = peak
			}
			return
		}
	}
	d.peaks = append(d.peaks, peak)
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
