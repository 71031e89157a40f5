package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-tutor/core/speechstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSessionTimeout = 5 * time.Minute
	DefaultSendWindow     = 10 * time.Second
	DefaultInputChunk     = 100 * time.Millisecond
)

type sessionState int

const (
	sessionOpening sessionState = iota
	sessionStreaming
	sessionFinalizing
	sessionClosed
)

func (s sessionState) String() string {
	switch s {
	case sessionOpening:
		return "opening"
	case sessionStreaming:
		return "streaming"
	case sessionFinalizing:
		return "finalizing"
	case sessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var sessionTransitions = map[sessionState][]sessionState{
	sessionOpening:    {sessionStreaming, sessionFinalizing},
	sessionStreaming:  {sessionFinalizing},
	sessionFinalizing: {sessionClosed},
}

// SessionResult is what a finalized session produced.
type SessionResult struct {
	ID              string
	Transcript      string
	InputTranscript string
	// Audio is the whole session audio at SampleRate.
	Audio      []int16
	SampleRate int
	// Splits are the raw split points recorded while streaming.
	Splits []int
	// Segments are the session audio sliced at the split points. The
	// remainder after the last split point is only kept for sessions that
	// completed.
	Segments [][]int16
	// Aborted is set when the session was cancelled by its caller.
	Aborted bool
	// PlaybackErr holds the first chunk the output device rejected.
	PlaybackErr error
}

type sessionOptions struct {
	timeout    time.Duration
	sendWindow time.Duration
	inputChunk time.Duration

	// input is sent upstream before the response starts, silence after.
	input []int16
	// utterance marks input as the learner's speech, which is sent in full.
	utterance bool

	lineText     func(index int) string
	onTranscript func(delta string)
}

func defaultSessionOptions() sessionOptions {
	return sessionOptions{
		timeout:      DefaultSessionTimeout,
		sendWindow:   DefaultSendWindow,
		inputChunk:   DefaultInputChunk,
		lineText:     func(int) string { return "" },
		onTranscript: func(string) {},
	}
}

// session drives one upstream streaming session from open to finalize.
type session struct {
	id        string
	connector speechstream.Connector
	config    speechstream.SessionConfig
	scheduler *scheduler
	options   sessionOptions
	buffer    *sessionBuffer

	mu    sync.Mutex
	state sessionState

	started         atomic.Bool
	responseStarted atomic.Bool
	playbackErr     error
}

func newSession(connector speechstream.Connector, config speechstream.SessionConfig, sched *scheduler, options sessionOptions) *session {
	return &session{
		id:        uuid.NewString(),
		connector: connector,
		config:    config.WithDefaults(),
		scheduler: sched,
		options:   options,
		buffer:    newSessionBuffer(),
		state:     sessionOpening,
	}
}

func (s *session) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) transition(to sessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(sessionTransitions[s.state], to) {
		return fmt.Errorf("invalid session transition from %s to %s", s.state, to)
	}
	s.state = to
	return nil
}

// Run opens the session, streams until the upstream completes the turn, ctx
// is cancelled or the deadline passes, and finalizes exactly once. A
// cancelled ctx yields an aborted result rather than an error.
func (s *session) Run(ctx context.Context) (SessionResult, error) {
	if !s.started.CompareAndSwap(false, true) {
		return SessionResult{}, ErrClosed
	}

	startedAt := time.Now()
	ctx, span := tracer.Start(ctx, "speech session", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("session.model", s.config.Model),
	))
	defer span.End()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timedOut atomic.Bool
	deadline := time.AfterFunc(s.options.timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer deadline.Stop()

	completed, streamErr := s.stream(sessionCtx, deadline)

	var err error
	outcome := "completed"
	switch {
	case completed:
	case timedOut.Load():
		err, outcome = ErrTimeout, "timeout"
	case ctx.Err() != nil:
		outcome = "aborted"
	case streamErr != nil:
		err, outcome = fmt.Errorf("%w: %w", ErrConnection, streamErr), "error"
	default:
		err, outcome = fmt.Errorf("%w: stream ended before the turn completed", ErrConnection), "error"
	}

	result := s.finalize(completed, outcome == "aborted")

	span.SetAttributes(
		attribute.String("session.outcome", outcome),
		attribute.Int("session.splits", len(result.Splits)),
		attribute.Int("session.segments", len(result.Segments)),
		attribute.Int("session.samples", len(result.Audio)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	outcomeAttr := metric.WithAttributes(attribute.String("outcome", outcome))
	sessionCounter.Add(context.WithoutCancel(ctx), 1, outcomeAttr)
	sessionDuration.Record(context.WithoutCancel(ctx), time.Since(startedAt).Seconds(), outcomeAttr)

	return result, err
}

// stream connects and consumes upstream messages until the turn completes
// or the stream ends.
func (s *session) stream(ctx context.Context, deadline *time.Timer) (completed bool, err error) {
	stream, err := s.connector.Connect(ctx, s.config)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	if err := s.transition(sessionStreaming); err != nil {
		return false, err
	}

	stopClosing := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopClosing()

	senderCtx, stopSender := context.WithCancel(ctx)
	senderDone := s.sendInput(senderCtx, stream)
	defer func() {
		stopSender()
		<-senderDone
	}()

	if s.scheduler != nil {
		s.scheduler.ScheduleLineStart(0, s.options.lineText(0), 0)
	}

	for msg, err := range stream.Messages() {
		if err != nil {
			return false, err
		}
		s.handle(msg)
		if msg.TurnComplete {
			deadline.Stop()
			return true, nil
		}
	}
	return false, nil
}

func (s *session) handle(msg speechstream.Message) {
	if msg.HasResponse() {
		s.responseStarted.Store(true)
	}

	if len(msg.Audio) > 0 {
		s.buffer.AddAudio(msg.Audio)
		if s.scheduler != nil {
			if _, err := s.scheduler.Schedule(msg.Audio); err != nil && !errors.Is(err, ErrClosed) {
				logger.Warn("output device rejected audio chunk", "session", s.id, "error", err)
				if s.playbackErr == nil {
					s.playbackErr = err
				}
			}
		}
	}

	if msg.TranscriptDelta != "" {
		lines := s.buffer.newlines
		for i, split := range s.buffer.AddTranscript(msg.TranscriptDelta) {
			index := lines + i + 1
			if s.scheduler != nil {
				s.scheduler.ScheduleLineStart(index, s.options.lineText(index), split)
			}
		}
		s.options.onTranscript(msg.TranscriptDelta)
	}

	if msg.InputTranscriptDelta != "" {
		s.buffer.AddInputTranscript(msg.InputTranscriptDelta)
	}

	if msg.Interrupted {
		logger.Debug("upstream generation interrupted", "session", s.id)
	}
}

// sendInput streams the input clip in fixed chunks, then keeps the turn open
// with silence. A trigger clip gives way to silence once the response starts.
// An utterance is always sent in full. Trigger and silence frames stop once
// the send window has passed.
func (s *session) sendInput(ctx context.Context, stream speechstream.Stream) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		chunkSamples := max(1, s.config.Input.Samples(s.options.inputChunk))
		silence := make([]int16, chunkSamples)
		input := s.options.input
		utterancePending := func() bool { return s.options.utterance && len(input) > 0 }

		window := time.NewTimer(s.options.sendWindow)
		defer window.Stop()
		windowC := window.C
		windowPassed := false
		ticker := time.NewTicker(s.options.inputChunk)
		defer ticker.Stop()

		for {
			if windowPassed && !utterancePending() {
				return
			}

			chunk := silence
			if len(input) > 0 && (s.options.utterance || !s.responseStarted.Load()) {
				n := min(chunkSamples, len(input))
				chunk, input = input[:n], input[n:]
			}
			if err := stream.SendAudio(ctx, chunk); err != nil {
				if ctx.Err() == nil {
					logger.Debug("failed to send input audio", "session", s.id, "error", err)
				}
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-windowC:
				windowC, windowPassed = nil, true
				if !utterancePending() {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			case <-ticker.C:
			}
		}
	}()
	return done
}

// finalize slices the accumulated audio. It runs once per session.
func (s *session) finalize(completed, aborted bool) SessionResult {
	if err := s.transition(sessionFinalizing); err != nil {
		logger.Error("failed to finalize session", "session", s.id, "error", err)
		return SessionResult{ID: s.id, Aborted: aborted}
	}
	defer func() {
		if err := s.transition(sessionClosed); err != nil {
			logger.Error("failed to close session", "session", s.id, "error", err)
		}
	}()

	return SessionResult{
		ID:              s.id,
		Transcript:      s.buffer.Transcript(),
		InputTranscript: s.buffer.InputTranscript(),
		Audio:           s.buffer.Audio(),
		SampleRate:      s.config.Output.SampleRate,
		Splits:          s.buffer.Splits(),
		Segments:        s.buffer.Segments(completed),
		Aborted:         aborted,
		PlaybackErr:     s.playbackErr,
	}
}
