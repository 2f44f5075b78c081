package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

var (
	paInitOnce sync.Once
	paInitErr  error
)

func ensurePortAudio() error {
	paInitOnce.Do(func() {
		paInitErr = portaudio.Initialize()
	})
	if paInitErr != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, paInitErr)
	}
	return nil
}

// PortAudioOutput drives the default output device through a blocking
// PortAudio stream.
type PortAudioOutput struct {
	sampleRate int
	chunkSize  int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
}

// NewPortAudioOutput acquires the default output device at the given rate.
func NewPortAudioOutput(sampleRate int) (*PortAudioOutput, error) {
	if err := ensurePortAudio(); err != nil {
		return nil, err
	}

	out := &PortAudioOutput{
		sampleRate: sampleRate,
		chunkSize:  1024,
	}
	out.buf = make([]float32, out.chunkSize)

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), out.chunkSize, &out.buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open output stream: %v", ErrDeviceUnavailable, err)
	}
	out.stream = stream
	return out, nil
}

// Play streams the rendered buffer chunk by chunk. Timing within the buffer
// is baked in by the renderer; the device clock paces the chunks.
func (o *PortAudioOutput) Play(ctx context.Context, samples []float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return fmt.Errorf("%w: output closed", ErrDeviceUnavailable)
	}

	if err := o.stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer o.stream.Stop()

	for offset := 0; offset < len(samples); offset += o.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := offset + o.chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		n := copy(o.buf, samples[offset:end])
		// Zero-pad the tail chunk so stale samples don't replay.
		for i := n; i < o.chunkSize; i++ {
			o.buf[i] = 0
		}
		if err := o.stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}
	}
	return nil
}

func (o *PortAudioOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	err := o.stream.Close()
	o.stream = nil
	return err
}

// PortAudioInput captures mono microphone frames sized for the detector's
// transform.
type PortAudioInput struct {
	sampleRate int
	frameSize  int

	mu      sync.Mutex
	stream  *portaudio.Stream
	cancel  context.CancelFunc
	stopped bool
}

// NewPortAudioInput prepares a microphone capture at the given rate and
// per-frame sample count.
func NewPortAudioInput(sampleRate, frameSize int) (*PortAudioInput, error) {
	if err := ensurePortAudio(); err != nil {
		return nil, err
	}
	return &PortAudioInput{sampleRate: sampleRate, frameSize: frameSize}, nil
}

func (in *PortAudioInput) Start(ctx context.Context) (<-chan Frame, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.stream != nil {
		return nil, fmt.Errorf("microphone already recording")
	}

	buf := make([]float32, in.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(in.sampleRate), in.frameSize, &buf)
	if err != nil {
		return nil, fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	in.stream = stream
	in.cancel = cancel
	in.stopped = false

	frames := make(chan Frame, 8)
	go func() {
		defer close(frames)
		for {
			if ctx.Err() != nil {
				return
			}
			if err := stream.Read(); err != nil {
				return
			}
			samples := make([]float64, len(buf))
			for i, v := range buf {
				samples[i] = float64(v)
			}
			select {
			case frames <- Frame{Samples: samples, Timestamp: time.Now()}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

func (in *PortAudioInput) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped || in.stream == nil {
		return nil
	}
	in.stopped = true
	in.cancel()
	in.stream.Stop()
	err := in.stream.Close()
	in.stream = nil
	return err
}
