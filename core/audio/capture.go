package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	resampling "github.com/tphakala/go-audio-resampling"
)

const (
	DefaultCaptureFrameSize = 128
	defaultCaptureBacklog   = 64
)

type CaptureConfig struct {
	// InputSampleRate is the rate of the float samples handed to Process.
	InputSampleRate int
	// OutputSampleRate is the rate of the PCM frames produced. Defaults to
	// [DefaultSampleRate].
	OutputSampleRate int
	// FrameSize is the number of samples per forwarded frame.
	FrameSize int
	// Backlog is the number of frames held for a slow consumer before new
	// frames are dropped.
	Backlog int
}

// CaptureConverter turns a continuous stream of float microphone samples
// into fixed size 16-bit PCM frames.
//
// Process is meant to be called from the audio device callback. It never
// blocks on the consumer: when the frame backlog is full the frame is
// dropped and counted.
type CaptureConverter struct {
	config    CaptureConfig
	resampler resampling.Resampler

	mu      sync.Mutex
	pending []int16
	closed  bool

	frames  chan []int16
	dropped atomic.Uint64
}

func NewCaptureConverter(config CaptureConfig) (*CaptureConverter, error) {
	if config.InputSampleRate <= 0 {
		return nil, fmt.Errorf("input sample rate must be positive, got %d", config.InputSampleRate)
	}
	if config.OutputSampleRate <= 0 {
		config.OutputSampleRate = DefaultSampleRate
	}
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultCaptureFrameSize
	}
	if config.Backlog <= 0 {
		config.Backlog = defaultCaptureBacklog
	}

	c := &CaptureConverter{
		config:  config,
		pending: make([]int16, 0, config.FrameSize),
		frames:  make(chan []int16, config.Backlog),
	}

	if config.InputSampleRate != config.OutputSampleRate {
		resampler, err := resampling.New(&resampling.Config{
			InputRate:  float64(config.InputSampleRate),
			OutputRate: float64(config.OutputSampleRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create capture resampler: %w", err)
		}
		c.resampler = resampler
	}

	return c, nil
}

// Frames returns the channel frames are delivered on. It is closed by Close.
func (c *CaptureConverter) Frames() <-chan []int16 { return c.frames }

// Dropped reports how many frames were discarded because the consumer did
// not keep up.
func (c *CaptureConverter) Dropped() uint64 { return c.dropped.Load() }

// EncodingInfo describes the frames produced by the converter.
func (c *CaptureConverter) EncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: c.config.OutputSampleRate, Format: EncodingLinear16}
}

// Process converts one quantum of float samples.
func (c *CaptureConverter) Process(samples []float32) {
	if len(samples) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.resampler == nil {
		c.appendQuantized(samples)
		return
	}

	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(clamp(s))
	}
	output, err := c.resampler.Process(input)
	if err != nil {
		// A failed quantum is treated like a dropped one; capture goes on.
		c.dropped.Add(1)
		return
	}
	resampled := make([]float32, len(output))
	for i, s := range output {
		resampled[i] = float32(s)
	}
	c.appendQuantized(resampled)
}

func (c *CaptureConverter) appendQuantized(samples []float32) {
	for len(samples) > 0 {
		room := c.config.FrameSize - len(c.pending)
		n := min(room, len(samples))
		start := len(c.pending)
		c.pending = c.pending[:start+n]
		QuantizeFloat32(c.pending[start:], samples[:n])
		samples = samples[n:]

		if len(c.pending) == c.config.FrameSize {
			c.forward(c.pending)
			c.pending = make([]int16, 0, c.config.FrameSize)
		}
	}
}

// forward hands ownership of frame to the consumer.
func (c *CaptureConverter) forward(frame []int16) {
	select {
	case c.frames <- frame:
	default:
		c.dropped.Add(1)
	}
}

// Close stops the converter. Samples still pending in a partial frame are
// discarded.
func (c *CaptureConverter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.frames)
}

// QuantizeFloat32 converts float samples into 16-bit PCM. Samples are clamped
// to [-1, 1]; negative values scale by 32768 and non-negative by 32767 so
// that output matches previously cached audio bit for bit.
func QuantizeFloat32(dst []int16, src []float32) {
	for i, s := range src[:min(len(dst), len(src))] {
		s = clamp(s)
		if s < 0 {
			dst[i] = int16(s * 32768)
		} else {
			dst[i] = int16(s * 32767)
		}
	}
}

func clamp(s float32) float32 {
	if s != s { // NaN
		return 0
	} else if s > 1 {
		return 1
	} else if s < -1 {
		return -1
	}
	return s
}
