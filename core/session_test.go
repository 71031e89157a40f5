package pipeline

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/koscakluka/ema-tutor/core/speechstream"
)

func testSessionOptions() sessionOptions {
	options := defaultSessionOptions()
	options.timeout = 2 * time.Second
	options.sendWindow = time.Second
	options.inputChunk = 10 * time.Millisecond
	return options
}

func newTestSession(connector speechstream.Connector, device *fakeDevice, options sessionOptions) *session {
	sched := newScheduler(device, nil, testRate, nil)
	return newSession(connector, speechstream.SessionConfig{}, sched, options)
}

func TestSessionCompletesAndSlicesAudio(t *testing.T) {
	connector := &fakeConnector{script: speakLines([]string{"Hola", "Hello"}, 2400)}
	device := &fakeDevice{autoFinish: true}
	s := newTestSession(connector, device, testSessionOptions())

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Transcript != "Hola\nHello" {
		t.Fatalf("expected transcript %q, got %q", "Hola\nHello", result.Transcript)
	}
	if !slices.Equal(result.Splits, []int{2400}) {
		t.Fatalf("expected splits [2400], got %v", result.Splits)
	}
	if len(result.Segments) != 2 || len(result.Segments[0]) != 2400 || len(result.Segments[1]) != 2400 {
		t.Fatalf("expected two segments of 2400 samples, got %d", len(result.Segments))
	}
	if result.Segments[1][0] != 2 {
		t.Fatalf("expected second segment to hold the second line's audio")
	}
	if result.SampleRate != testRate {
		t.Fatalf("expected sample rate %d, got %d", testRate, result.SampleRate)
	}
	if result.Aborted {
		t.Fatalf("expected completed session not to be aborted")
	}
	if state := s.State(); state != sessionClosed {
		t.Fatalf("expected closed session, got %s", state)
	}
	if chunks := device.scheduledChunks(); len(chunks) != 2 {
		t.Fatalf("expected 2 chunks played, got %d", len(chunks))
	}
}

func TestSessionTimesOut(t *testing.T) {
	connector := &fakeConnector{script: func(s *fakeStream) {
		s.emit(speechstream.Message{Audio: make([]int16, 100)})
		s.emit(speechstream.Message{TranscriptDelta: "Hola\n"})
		s.emit(speechstream.Message{Audio: make([]int16, 50)})
	}}
	options := testSessionOptions()
	options.timeout = 50 * time.Millisecond
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, options)

	result, err := s.Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n := activeStreams(connector); n != 0 {
		t.Fatalf("expected the stream to be closed after the timeout, got %d open", n)
	}
	if state := s.State(); state != sessionClosed {
		t.Fatalf("expected session closed, got %s", state)
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected timeout to match ErrConnection, got %v", err)
	}
	if result.Aborted {
		t.Fatalf("expected timeout not to be reported as an abort")
	}
	if len(result.Segments) != 1 || len(result.Segments[0]) != 100 {
		t.Fatalf("expected only the completed line segment, got %d segments", len(result.Segments))
	}
	if len(result.Audio) != 150 {
		t.Fatalf("expected all received audio to be kept, got %d samples", len(result.Audio))
	}
}

func TestSessionAbortDropsTrailingAudio(t *testing.T) {
	ready := make(chan struct{})
	connector := &fakeConnector{script: func(s *fakeStream) {
		s.emit(speechstream.Message{Audio: make([]int16, 100)})
		s.emit(speechstream.Message{TranscriptDelta: "Hola\n"})
		s.emit(speechstream.Message{Audio: make([]int16, 50)})
		close(ready)
	}}
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, testSessionOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ready
		cancel()
	}()

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("expected abort without error, got %v", err)
	}
	if !result.Aborted {
		t.Fatalf("expected aborted result")
	}
	if len(result.Segments) != 1 || len(result.Segments[0]) != 100 {
		t.Fatalf("expected trailing audio to be dropped, got %d segments", len(result.Segments))
	}
	if !slices.Equal(result.Splits, []int{100}) {
		t.Fatalf("expected splits [100], got %v", result.Splits)
	}
}

func TestSessionReportsConnectFailure(t *testing.T) {
	connector := &fakeConnector{connectErr: errFakeUpstream}
	s := newTestSession(connector, &fakeDevice{}, testSessionOptions())

	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrConnection) || !errors.Is(err, errFakeUpstream) {
		t.Fatalf("expected connection error wrapping the cause, got %v", err)
	}
	if state := s.State(); state != sessionClosed {
		t.Fatalf("expected closed session, got %s", state)
	}
}

func TestSessionReportsStreamFailure(t *testing.T) {
	connector := &fakeConnector{script: func(s *fakeStream) {
		s.emit(speechstream.Message{Audio: make([]int16, 10)})
		s.fail(errFakeUpstream)
	}}
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, testSessionOptions())

	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrConnection) || !errors.Is(err, errFakeUpstream) {
		t.Fatalf("expected connection error wrapping the cause, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("expected stream failure not to be reported as a timeout")
	}
}

func TestSessionReportsPrematureEnd(t *testing.T) {
	connector := &fakeConnector{script: func(s *fakeStream) {
		s.emit(speechstream.Message{TranscriptDelta: "Hola"})
		_ = s.Close()
	}}
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, testSessionOptions())

	if _, err := s.Run(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestSessionSendsTriggerThenSilence(t *testing.T) {
	connector := &fakeConnector{script: func(s *fakeStream) {
		deadline := time.Now().Add(2 * time.Second)
		for len(s.sentChunks()) < 4 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		speakLines([]string{"Hola"}, 10)(s)
	}}
	options := testSessionOptions()
	chunk := speechstream.SessionConfig{}.WithDefaults().Input.Samples(options.inputChunk)
	trigger := make([]int16, 2*chunk)
	for i := range trigger {
		trigger[i] = 7
	}
	options.input = trigger
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, options)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := connector.openedStreams()[0].sentChunks()
	if len(sent) < 4 {
		t.Fatalf("expected at least 4 chunks sent, got %d", len(sent))
	}
	for i, c := range sent {
		if len(c) != chunk {
			t.Fatalf("expected chunk %d to hold %d samples, got %d", i, chunk, len(c))
		}
		want := int16(0)
		if i < 2 {
			want = 7
		}
		if c[0] != want || c[len(c)-1] != want {
			t.Fatalf("expected chunk %d filled with %d, got %d", i, want, c[0])
		}
	}
}

func TestSessionStopsSendingAfterWindow(t *testing.T) {
	connector := &fakeConnector{script: func(s *fakeStream) {
		time.Sleep(200 * time.Millisecond)
		speakLines([]string{"Hola"}, 10)(s)
	}}
	options := testSessionOptions()
	options.sendWindow = 30 * time.Millisecond
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, options)

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sent := connector.openedStreams()[0].sentChunks()
	if len(sent) == 0 || len(sent) > 5 {
		t.Fatalf("expected a few chunks within the send window, got %d", len(sent))
	}
}

func TestSessionSchedulesLineStarts(t *testing.T) {
	connector := &fakeConnector{script: speakLines([]string{"Hola", "Hello", "Adiós"}, 240)}
	device := &fakeDevice{autoFinish: true}
	frames := &manualFrames{}
	recorder := &lineStartRecorder{}
	sched := newScheduler(device, frames, testRate, recorder.record)
	defer sched.Stop()

	options := testSessionOptions()
	lines := []string{"Hola", "Hello", "Adiós"}
	options.lineText = func(index int) string { return lines[index] }

	if _, err := newSession(connector, speechstream.SessionConfig{}, sched, options).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	device.advance(time.Second)
	frames.tick()

	fired := recorder.all()
	if len(fired) != 3 {
		t.Fatalf("expected 3 line starts, got %d", len(fired))
	}
	for i, lineStart := range fired {
		if lineStart.Index != i || lineStart.Text != lines[i] || lineStart.Offset != i*240 {
			t.Fatalf("unexpected line start %d: %+v", i, lineStart)
		}
	}
}

func TestSessionKeepsPlaybackErrorsSeparate(t *testing.T) {
	connector := &fakeConnector{script: speakLines([]string{"Hola"}, 100)}
	device := &fakeDevice{scheduleErr: errors.New("device gone")}
	s := newTestSession(connector, device, testSessionOptions())

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("expected the session to complete, got %v", err)
	}
	if !errors.Is(result.PlaybackErr, ErrPlayback) {
		t.Fatalf("expected playback error, got %v", result.PlaybackErr)
	}
	if len(result.Audio) != 100 {
		t.Fatalf("expected audio to be buffered despite playback failure")
	}
}

func TestSessionForwardsTranscripts(t *testing.T) {
	connector := &fakeConnector{script: func(s *fakeStream) {
		s.emit(speechstream.Message{InputTranscriptDelta: "¿Cómo "})
		s.emit(speechstream.Message{InputTranscriptDelta: "estás?"})
		speakLines([]string{"Bien"}, 10)(s)
	}}
	options := testSessionOptions()
	var deltas []string
	options.onTranscript = func(delta string) { deltas = append(deltas, delta) }
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, options)

	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.InputTranscript != "¿Cómo estás?" {
		t.Fatalf("expected input transcript, got %q", result.InputTranscript)
	}
	if !slices.Equal(deltas, []string{"Bien"}) {
		t.Fatalf("expected transcript deltas to be forwarded, got %q", deltas)
	}
}

func TestSessionRunsOnce(t *testing.T) {
	connector := &fakeConnector{script: speakLines([]string{"Hola"}, 10)}
	s := newTestSession(connector, &fakeDevice{autoFinish: true}, testSessionOptions())

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on second run, got %v", err)
	}
	if n := len(connector.openedStreams()); n != 1 {
		t.Fatalf("expected one connection, got %d", n)
	}
}

func TestSessionRejectsInvalidTransitions(t *testing.T) {
	s := newSession(&fakeConnector{}, speechstream.SessionConfig{}, nil, testSessionOptions())

	if err := s.transition(sessionClosed); err == nil {
		t.Fatalf("expected opening to closed to be rejected")
	}
	if err := s.transition(sessionStreaming); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.transition(sessionOpening); err == nil {
		t.Fatalf("expected streaming to opening to be rejected")
	}
	if err := s.transition(sessionFinalizing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.transition(sessionClosed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.transition(sessionFinalizing); err == nil {
		t.Fatalf("expected closed to be terminal")
	}
}
