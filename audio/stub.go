package audio

import (
	"context"
	"sync"
	"time"
)

// StubOutput captures rendered buffers instead of playing them. Tests and
// the loopback self-test inspect what the emitter would have sent to the
// speaker.
type StubOutput struct {
	mu      sync.Mutex
	played  [][]float32
	Failure error // returned from Play when set
}

func NewStubOutput() *StubOutput {
	return &StubOutput{}
}

func (o *StubOutput) Play(ctx context.Context, samples []float32) error {
	if o.Failure != nil {
		return o.Failure
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	o.mu.Lock()
	o.played = append(o.played, buf)
	o.mu.Unlock()
	return nil
}

func (o *StubOutput) Close() error { return nil }

// Played returns all buffers handed to Play, in order.
func (o *StubOutput) Played() [][]float32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]float32, len(o.played))
	copy(out, o.played)
	return out
}

// StubInput replays scripted frames, standing in for a live microphone.
type StubInput struct {
	mu      sync.Mutex
	frames  []Frame
	cancel  context.CancelFunc
	Failure error // returned from Start when set
}

func NewStubInput(frames []Frame) *StubInput {
	return &StubInput{frames: frames}
}

// Append queues another scripted frame. Only effective before Start.
func (in *StubInput) Append(samples []float64, at time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.frames = append(in.frames, Frame{Samples: samples, Timestamp: at})
}

func (in *StubInput) Start(ctx context.Context) (<-chan Frame, error) {
	if in.Failure != nil {
		return nil, in.Failure
	}

	ctx, cancel := context.WithCancel(ctx)
	in.mu.Lock()
	in.cancel = cancel
	scripted := make([]Frame, len(in.frames))
	copy(scripted, in.frames)
	in.mu.Unlock()

	frames := make(chan Frame, len(scripted))
	go func() {
		defer close(frames)
		for _, f := range scripted {
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return frames, nil
}

func (in *StubInput) Stop() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cancel != nil {
		in.cancel()
		in.cancel = nil
	}
	return nil
}
