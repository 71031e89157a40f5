package miniaudio

import (
	"math"
	"slices"
	"sync"
	"time"
)

// mixer sums scheduled buffers into the device output. Its clock is the
// number of frames rendered so far.
type mixer struct {
	rate int

	mu       sync.Mutex
	rendered int64
	sources  []*source
	scratch  []int32
}

func newMixer(rate int) *mixer {
	return &mixer{rate: rate}
}

type source struct {
	mixer   *mixer
	start   int64
	samples []int16

	done chan struct{}
	once sync.Once
}

func (s *source) Stop() {
	s.mixer.remove(s)
	s.finish()
}

func (s *source) Done() <-chan struct{} { return s.done }

func (s *source) finish() { s.once.Do(func() { close(s.done) }) }

func (m *mixer) now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.rendered)
}

func (m *mixer) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(m.rate))
}

// durationToFrames rounds to the nearest frame. Durations derived from
// sample counts are truncated to whole nanoseconds and must map back to the
// frame they came from.
func (m *mixer) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(m.rate) + int64(time.Second)/2) / int64(time.Second)
}

// schedule adds samples at the device rate starting at the given device
// time. A start in the past plays immediately.
func (m *mixer) schedule(samples []int16, at time.Duration) *source {
	s := &source{
		mixer:   m,
		samples: samples,
		done:    make(chan struct{}),
	}
	if len(samples) == 0 {
		s.finish()
		return s
	}

	m.mu.Lock()
	s.start = max(m.durationToFrames(at), m.rendered)
	m.sources = append(m.sources, s)
	m.mu.Unlock()
	return s
}

func (m *mixer) remove(s *source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = slices.DeleteFunc(m.sources, func(other *source) bool { return other == s })
}

// render fills out with the next len(out) frames and advances the clock.
func (m *mixer) render(out []int16) {
	m.mu.Lock()

	if cap(m.scratch) < len(out) {
		m.scratch = make([]int32, len(out))
	}
	acc := m.scratch[:len(out)]
	clear(acc)

	from, to := m.rendered, m.rendered+int64(len(out))
	var finished []*source
	kept := m.sources[:0]
	for _, s := range m.sources {
		end := s.start + int64(len(s.samples))
		if s.start < to {
			lo, hi := max(s.start, from), min(end, to)
			for frame := lo; frame < hi; frame++ {
				acc[frame-from] += int32(s.samples[frame-s.start])
			}
		}
		if end <= to {
			finished = append(finished, s)
			continue
		}
		kept = append(kept, s)
	}
	clear(m.sources[len(kept):])
	m.sources = kept
	m.rendered = to
	m.mu.Unlock()

	for i, v := range acc {
		out[i] = int16(min(max(v, math.MinInt16), math.MaxInt16))
	}
	for _, s := range finished {
		s.finish()
	}
}

// stopAll silences every scheduled buffer.
func (m *mixer) stopAll() {
	m.mu.Lock()
	sources := m.sources
	m.sources = nil
	m.mu.Unlock()

	for _, s := range sources {
		s.finish()
	}
}
