package pipeline

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-tutor/core/audio"
	"github.com/koscakluka/ema-tutor/core/speechstream"
)

type fakeSource struct {
	done    chan struct{}
	once    sync.Once
	stopped bool
	mu      sync.Mutex
}

func newFakeSource() *fakeSource {
	return &fakeSource{done: make(chan struct{})}
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.finish()
}

func (s *fakeSource) finish() { s.once.Do(func() { close(s.done) }) }

func (s *fakeSource) Done() <-chan struct{} { return s.done }

func (s *fakeSource) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type scheduledChunk struct {
	at       time.Duration
	duration time.Duration
	samples  int
}

// fakeDevice is an output device with a manually advanced clock.
type fakeDevice struct {
	mu sync.Mutex

	now         time.Duration
	autoFinish  bool
	scheduleErr error
	playErr     error

	chunks  []scheduledChunk
	sources []*fakeSource
	played  [][]byte
}

func (d *fakeDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

func (d *fakeDevice) advance(by time.Duration) {
	d.mu.Lock()
	d.now += by
	d.mu.Unlock()
}

func (d *fakeDevice) Schedule(samples []int16, sampleRate int, at time.Duration) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scheduleErr != nil {
		return nil, d.scheduleErr
	}
	d.chunks = append(d.chunks, scheduledChunk{
		at:       at,
		duration: audio.Duration(len(samples), sampleRate),
		samples:  len(samples),
	})
	source := newFakeSource()
	if d.autoFinish {
		source.finish()
	}
	d.sources = append(d.sources, source)
	return source, nil
}

func (d *fakeDevice) Play(ctx context.Context, wav []byte) error {
	d.mu.Lock()
	d.played = append(d.played, wav)
	err := d.playErr
	d.mu.Unlock()
	return err
}

func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) scheduledChunks() []scheduledChunk {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.chunks)
}

func (d *fakeDevice) allSources() []*fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.sources)
}

func (d *fakeDevice) playedClips() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.played)
}

type fakeItem struct {
	message speechstream.Message
	err     error
}

type fakeStream struct {
	config   speechstream.SessionConfig
	messages chan fakeItem
	closed   chan struct{}
	once     sync.Once
	onClose  func()

	mu   sync.Mutex
	sent [][]int16
}

func (s *fakeStream) SendAudio(_ context.Context, samples []int16) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, slices.Clone(samples))
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Messages() iter.Seq2[speechstream.Message, error] {
	return func(yield func(speechstream.Message, error) bool) {
		for {
			select {
			case <-s.closed:
				return
			case item := <-s.messages:
				if !yield(item.message, item.err) || item.err != nil {
					return
				}
			}
		}
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func (s *fakeStream) emit(msg speechstream.Message) bool {
	select {
	case s.messages <- fakeItem{message: msg}:
		return true
	case <-s.closed:
		return false
	}
}

func (s *fakeStream) fail(err error) {
	select {
	case s.messages <- fakeItem{err: err}:
	case <-s.closed:
	}
}

func (s *fakeStream) sentChunks() [][]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent)
}

// fakeConnector runs script against every opened stream.
type fakeConnector struct {
	script     func(s *fakeStream)
	connectErr error

	mu        sync.Mutex
	streams   []*fakeStream
	active    int
	maxActive int
}

func (c *fakeConnector) Connect(ctx context.Context, config speechstream.SessionConfig) (speechstream.Stream, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &fakeStream{
		config:   config,
		messages: make(chan fakeItem),
		closed:   make(chan struct{}),
	}
	s.onClose = func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.active++
	c.maxActive = max(c.maxActive, c.active)
	c.mu.Unlock()

	if c.script != nil {
		go c.script(s)
	}
	return s, nil
}

func (c *fakeConnector) openedStreams() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.streams)
}

func (c *fakeConnector) maxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

// speakLines answers with samplesPerLine samples of audio per line followed
// by the line's transcript, then completes the turn.
func speakLines(lines []string, samplesPerLine int) func(s *fakeStream) {
	return func(s *fakeStream) {
		for i, line := range lines {
			chunk := make([]int16, samplesPerLine)
			for j := range chunk {
				chunk[j] = int16(i + 1)
			}
			if !s.emit(speechstream.Message{Audio: chunk}) {
				return
			}
			delta := line
			if i < len(lines)-1 {
				delta += "\n"
			}
			if !s.emit(speechstream.Message{TranscriptDelta: delta}) {
				return
			}
		}
		s.emit(speechstream.Message{TurnComplete: true})
	}
}

// linesFromInstruction extracts the lines to read from a read-aloud
// instruction.
func linesFromInstruction(instruction string) []string {
	_, text, _ := strings.Cut(instruction, "\n\n")
	return strings.Split(text, "\n")
}

// waitFor polls condition until it holds or the deadline passes.
func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errFakeUpstream = errors.New("upstream failure")
