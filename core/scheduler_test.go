package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-tutor/core/audio"
)

const testRate = 24000

type manualFrames struct {
	mu        sync.Mutex
	onFrame   func()
	cancelled bool
}

func (f *manualFrames) Subscribe(onFrame func()) func() {
	f.mu.Lock()
	f.onFrame = onFrame
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}
}

func (f *manualFrames) tick() {
	f.mu.Lock()
	onFrame := f.onFrame
	f.mu.Unlock()
	if onFrame != nil {
		onFrame()
	}
}

func (f *manualFrames) isCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type lineStartRecorder struct {
	mu    sync.Mutex
	fired []LineStart
}

func (r *lineStartRecorder) record(lineStart LineStart) {
	r.mu.Lock()
	r.fired = append(r.fired, lineStart)
	r.mu.Unlock()
}

func (r *lineStartRecorder) indices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	indices := make([]int, len(r.fired))
	for i, lineStart := range r.fired {
		indices[i] = lineStart.Index
	}
	return indices
}

func (r *lineStartRecorder) all() []LineStart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fired)
}

func TestSchedulerPlaysChunksBackToBack(t *testing.T) {
	device := &fakeDevice{}
	s := newScheduler(device, nil, testRate, nil)
	defer s.Stop()

	for range 3 {
		if _, err := s.Schedule(make([]int16, 2400)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	chunks := device.scheduledChunks()
	if len(chunks) != 3 {
		t.Fatalf("expected 3 scheduled chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		end := chunks[i-1].at + chunks[i-1].duration
		if chunks[i].at != end {
			t.Fatalf("expected chunk %d to start at %v, got %v", i, end, chunks[i].at)
		}
	}
}

func TestSchedulerKeepsUnevenChunksOnExactSampleBoundaries(t *testing.T) {
	device := &fakeDevice{}
	s := newScheduler(device, nil, testRate, nil)
	defer s.Stop()

	// 1000 samples at 24kHz do not map to a whole number of nanoseconds.
	for range 50 {
		if _, err := s.Schedule(make([]int16, 1000)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	for i, chunk := range device.scheduledChunks() {
		expected := audio.Duration(i*1000, testRate)
		if chunk.at != expected {
			t.Fatalf("expected chunk %d at %v, got %v", i, expected, chunk.at)
		}
	}
}

func TestSchedulerStartsLateChunkAtDeviceTime(t *testing.T) {
	device := &fakeDevice{}
	s := newScheduler(device, nil, testRate, nil)
	defer s.Stop()

	if _, err := s.Schedule(make([]int16, 2400)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	device.advance(500 * time.Millisecond)

	at, err := s.Schedule(make([]int16, 2400))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if at != 500*time.Millisecond {
		t.Fatalf("expected late chunk at 500ms, got %v", at)
	}
}

func TestSchedulerIgnoresEmptyChunks(t *testing.T) {
	device := &fakeDevice{}
	s := newScheduler(device, nil, testRate, nil)
	defer s.Stop()

	if _, err := s.Schedule(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks := device.scheduledChunks(); len(chunks) != 0 {
		t.Fatalf("expected nothing scheduled, got %d chunks", len(chunks))
	}
}

func TestSchedulerFiresLineStartsInOrder(t *testing.T) {
	device := &fakeDevice{now: time.Second}
	frames := &manualFrames{}
	recorder := &lineStartRecorder{}
	s := newScheduler(device, frames, testRate, recorder.record)
	defer s.Stop()

	s.ScheduleLineStart(0, "uno", 0)
	s.ScheduleLineStart(2, "tres", 4800)
	s.ScheduleLineStart(1, "dos", 2400)

	frames.tick()
	if fired := recorder.indices(); len(fired) != 0 {
		t.Fatalf("expected no line starts before audio is scheduled, got %v", fired)
	}

	if _, err := s.Schedule(make([]int16, 7200)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frames.tick()
	if fired := recorder.indices(); !slices.Equal(fired, []int{0}) {
		t.Fatalf("expected line 0 at session start, got %v", fired)
	}

	device.advance(150 * time.Millisecond)
	frames.tick()
	if fired := recorder.indices(); !slices.Equal(fired, []int{0, 1}) {
		t.Fatalf("expected lines 0 and 1, got %v", fired)
	}

	device.advance(100 * time.Millisecond)
	frames.tick()
	fired := recorder.all()
	if len(fired) != 3 || fired[2].Index != 2 || fired[2].Text != "tres" {
		t.Fatalf("expected line 2 last, got %+v", fired)
	}
	if fired[1].At != time.Second+100*time.Millisecond {
		t.Fatalf("expected line 1 anchored to the session start, got %v", fired[1].At)
	}
}

func TestSchedulerStop(t *testing.T) {
	device := &fakeDevice{}
	frames := &manualFrames{}
	recorder := &lineStartRecorder{}
	s := newScheduler(device, frames, testRate, recorder.record)

	if _, err := s.Schedule(make([]int16, 2400)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.ScheduleLineStart(1, "dos", 1200)

	s.Stop()
	s.Stop()

	for _, source := range device.allSources() {
		if !source.wasStopped() {
			t.Fatalf("expected every source to be stopped")
		}
	}
	if s.ActiveSources() != 0 {
		t.Fatalf("expected no active sources, got %d", s.ActiveSources())
	}
	if !frames.isCancelled() {
		t.Fatalf("expected frame subscription to be cancelled")
	}

	device.advance(time.Second)
	frames.tick()
	if fired := recorder.indices(); len(fired) != 0 {
		t.Fatalf("expected pending line starts to be discarded, got %v", fired)
	}

	if _, err := s.Schedule(make([]int16, 10)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after stop, got %v", err)
	}
}

func TestSchedulerWaitReturnsWhenSourcesFinish(t *testing.T) {
	device := &fakeDevice{}
	s := newScheduler(device, nil, testRate, nil)
	defer s.Stop()

	if _, err := s.Schedule(make([]int16, 2400)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("expected Wait to block while audio plays, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	device.allSources()[0].finish()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Wait to return after the source finished")
	}
}

func TestSchedulerWaitHonorsContext(t *testing.T) {
	device := &fakeDevice{}
	s := newScheduler(device, nil, testRate, nil)
	defer s.Stop()

	if _, err := s.Schedule(make([]int16, 2400)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSchedulerWrapsDeviceErrors(t *testing.T) {
	device := &fakeDevice{scheduleErr: errors.New("device gone")}
	s := newScheduler(device, nil, testRate, nil)
	defer s.Stop()

	if _, err := s.Schedule(make([]int16, 10)); !errors.Is(err, ErrPlayback) {
		t.Fatalf("expected ErrPlayback, got %v", err)
	}
}
