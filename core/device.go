package pipeline

import (
	"context"
	"time"
)

// Clock reports the position of an output device's own clock. It is
// monotonic and unrelated to wall-clock time.
type Clock interface {
	Now() time.Duration
}

// FrameSource delivers periodic wake-ups, typically one per rendered frame.
type FrameSource interface {
	// Subscribe registers onFrame and returns a function that removes it.
	Subscribe(onFrame func()) (cancel func())
}

// OutputDevice plays PCM against its own clock.
type OutputDevice interface {
	Clock
	// Schedule queues samples to start playing at the given device time.
	Schedule(samples []int16, sampleRate int, at time.Duration) (Source, error)
	// Play plays a self-contained WAV clip and blocks until it ends or ctx
	// is done.
	Play(ctx context.Context, wav []byte) error
	Close() error
}

// Source is one scheduled buffer.
type Source interface {
	// Stop silences the buffer. Stopping a finished source is a no-op.
	Stop()
	// Done is closed once the buffer finished playing or was stopped.
	Done() <-chan struct{}
}
