package audio

// Audio Device Abstraction
//
// The emitter and detector never talk to sound hardware directly; they talk
// to the Output and Input interfaces below. Production wiring binds them to
// PortAudio streams, tests and the loopback self-test bind them to in-memory
// stubs. Acquisition failures are fatal for the session that requested the
// device: callers surface them and do not retry.

import (
	"context"
	"errors"
	"time"
)

// DefaultSampleRate is the stream rate used on both ends of the channel.
const DefaultSampleRate = 48000

// ErrDeviceUnavailable reports that the underlying hardware could not be
// acquired (missing device, denied permission).
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Output plays pre-rendered sample buffers against the device clock.
type Output interface {
	// Play writes the whole buffer to the device and blocks until it has
	// been handed to the hardware. The buffer carries its own timing: all
	// pulse offsets are baked in relative to sample zero, so playback
	// accuracy depends only on the audio clock, never on goroutine
	// scheduling.
	Play(ctx context.Context, samples []float32) error
	Close() error
}

// Frame is one block of microphone samples ready for spectral analysis.
type Frame struct {
	Samples   []float64
	Timestamp time.Time
}

// Input delivers a continuous feed of microphone frames.
type Input interface {
	// Start acquires the microphone and begins delivering frames on the
	// returned channel. The channel closes when ctx is cancelled or Stop
	// is called.
	Start(ctx context.Context) (<-chan Frame, error)
	// Stop releases the microphone. Safe to call more than once.
	Stop() error
}
