package pipeline

import (
	"container/heap"
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/koscakluka/ema-tutor/core/audio"
)

// scheduler plays session audio back to back on the device clock and fires
// line start notifications as the clock passes them.
type scheduler struct {
	device      OutputDevice
	sampleRate  int
	onLineStart func(LineStart)

	mu sync.Mutex

	// The next chunk starts cursorSamples after cursorBase. Counting samples
	// keeps back to back chunks free of accumulated rounding.
	cursorBase    time.Duration
	cursorSamples int
	// sessionStart is anchored by the first scheduled chunk.
	sessionStart time.Duration
	anchored     bool

	sources      map[uint64]Source
	nextSourceID uint64
	pending      lineStartQueue

	cancelFrames func()
	stopped      bool

	updateSignal chan struct{}
}

func newScheduler(device OutputDevice, frames FrameSource, sampleRate int, onLineStart func(LineStart)) *scheduler {
	if onLineStart == nil {
		onLineStart = func(LineStart) {}
	}
	s := &scheduler{
		device:       device,
		sampleRate:   sampleRate,
		onLineStart:  onLineStart,
		sources:      map[uint64]Source{},
		updateSignal: make(chan struct{}, 1),
		cancelFrames: func() {},
	}
	if frames != nil {
		s.cancelFrames = frames.Subscribe(s.drain)
	}
	return s
}

// Schedule queues a chunk at max(deviceNow, end of the previous chunk) and
// returns the device time it was scheduled at.
func (s *scheduler) Schedule(samples []int16) (time.Duration, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0, ErrClosed
	}

	at := s.cursorBase + audio.Duration(s.cursorSamples, s.sampleRate)
	if now := s.device.Now(); now > at {
		s.cursorBase, s.cursorSamples = now, 0
		at = now
	}
	if !s.anchored {
		s.anchored = true
		s.sessionStart = at
	}

	source, err := s.device.Schedule(samples, s.sampleRate, at)
	if err != nil {
		s.mu.Unlock()
		playbackErrorCounter.Add(context.Background(), 1)
		return 0, fmt.Errorf("%w: %w", ErrPlayback, err)
	}
	s.cursorSamples += len(samples)

	id := s.nextSourceID
	s.nextSourceID++
	s.sources[id] = source
	s.mu.Unlock()

	go s.release(id, source)

	return at, nil
}

// release deregisters a source once it finished playing.
func (s *scheduler) release(id uint64, source Source) {
	<-source.Done()
	s.mu.Lock()
	delete(s.sources, id)
	s.mu.Unlock()
	s.signalUpdate()
}

// ScheduleLineStart registers a line beginning at the given sample offset of
// the session audio.
func (s *scheduler) ScheduleLineStart(index int, text string, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	heap.Push(&s.pending, LineStart{Index: index, Text: text, Offset: offset})
}

// drain fires every pending line start whose time has passed, in ascending
// time order.
func (s *scheduler) drain() {
	s.mu.Lock()
	if !s.anchored || s.stopped {
		s.mu.Unlock()
		return
	}

	now := s.device.Now()
	var due []LineStart
	for {
		next, ok := s.pending.peek()
		if !ok {
			break
		}
		at := s.sessionStart + audio.Duration(next.Offset, s.sampleRate)
		if at > now {
			break
		}
		heap.Pop(&s.pending)
		next.At = at
		due = append(due, next)
	}
	s.mu.Unlock()

	for _, lineStart := range due {
		s.onLineStart(lineStart)
	}
}

// ActiveSources returns the number of scheduled sources that have not
// finished yet.
func (s *scheduler) ActiveSources() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Wait blocks until every scheduled source finished playing or ctx is done.
func (s *scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		remaining := len(s.sources)
		s.mu.Unlock()

		if remaining == 0 {
			s.drain()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.updateSignal:
		}
	}
}

// Stop silences every scheduled source and discards pending line starts.
// Repeated calls are ignored.
func (s *scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	sources := maps.Clone(s.sources)
	clear(s.sources)
	s.pending = nil
	cancelFrames := s.cancelFrames
	s.mu.Unlock()

	cancelFrames()
	for _, source := range sources {
		source.Stop()
	}
	s.signalUpdate()
}

func (s *scheduler) signalUpdate() {
	select {
	case s.updateSignal <- struct{}{}:
	default:
	}
}
