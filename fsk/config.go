package fsk

import (
	"fmt"
	"strconv"

	"copresence/utils"
)

// EmitterConfig fixes every parameter of one acoustic emission. Participants
// whose configs are equal field-for-field can share a single emission, so
// equality here is exact, never fuzzy.
type EmitterConfig struct {
	Volume          float64 `json:"volume" bson:"volume"`
	FreqLowHz       float64 `json:"freqLow" bson:"freqLow"`
	FreqHighHz      float64 `json:"freqHigh" bson:"freqHigh"`
	PulseDurationMs float64 `json:"pulseDurationMs" bson:"pulseDurationMs"`
	PulseGapMs      float64 `json:"pulseGapMs" bson:"pulseGapMs"`
	UseOutputFilter bool    `json:"useOutputFilter" bson:"useOutputFilter"`
	FilterCutoffHz  float64 `json:"filterCutoffHz" bson:"filterCutoffHz"`
}

// DefaultConfig returns the deployment defaults: carriers in the 18-20kHz
// band most phone speakers can still reproduce, with the output highpass
// parked just below the lower carrier.
func DefaultConfig() EmitterConfig {
	return EmitterConfig{
		Volume:          0.8,
		FreqLowHz:       18500,
		FreqHighHz:      19500,
		PulseDurationMs: 80,
		PulseGapMs:      40,
		UseOutputFilter: true,
		FilterCutoffHz:  17000,
	}
}

// ConfigFromEnv overlays environment overrides onto the defaults.
func ConfigFromEnv() EmitterConfig {
	cfg := DefaultConfig()
	cfg.Volume = envFloat("EMIT_VOLUME", cfg.Volume)
	cfg.FreqLowHz = envFloat("EMIT_FREQ_LOW", cfg.FreqLowHz)
	cfg.FreqHighHz = envFloat("EMIT_FREQ_HIGH", cfg.FreqHighHz)
	cfg.PulseDurationMs = envFloat("EMIT_PULSE_MS", cfg.PulseDurationMs)
	cfg.PulseGapMs = envFloat("EMIT_GAP_MS", cfg.PulseGapMs)
	cfg.UseOutputFilter = utils.GetEnv("EMIT_OUTPUT_FILTER", "true") == "true"
	cfg.FilterCutoffHz = envFloat("EMIT_FILTER_CUTOFF", cfg.FilterCutoffHz)
	return cfg
}

func envFloat(key string, fallback float64) float64 {
	raw := utils.GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// Equal reports exact field-for-field equality, the batching criterion.
func (c EmitterConfig) Equal(other EmitterConfig) bool {
	return c == other
}

// Key returns a stable grouping key for batch assembly.
func (c EmitterConfig) Key() string {
	return fmt.Sprintf("%g|%g|%g|%g|%g|%t|%g",
		c.Volume, c.FreqLowHz, c.FreqHighHz,
		c.PulseDurationMs, c.PulseGapMs,
		c.UseOutputFilter, c.FilterCutoffHz)
}
