package genailive

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/koscakluka/ema-tutor/core/audio"
	"github.com/koscakluka/ema-tutor/core/speechstream"
	"google.golang.org/genai"
)

var errStreamClosed = errors.New("stream closed")

type messageOrError struct {
	message speechstream.Message
	err     error
}

type stream struct {
	session liveSession
	config  speechstream.SessionConfig

	sendMu    sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
	messages  chan messageOrError
}

func newStream(session liveSession, config speechstream.SessionConfig) *stream {
	return &stream{
		session:  session,
		config:   config,
		closeCh:  make(chan struct{}),
		messages: make(chan messageOrError, 64),
	}
}

// awaitSetup consumes messages until the upstream acknowledges the session
// configuration. Content arriving before the acknowledgement is kept.
func (s *stream) awaitSetup(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.session.Close()
		case <-done:
		}
	}()

	for {
		msg, err := s.session.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("setup interrupted: %w", ctx.Err())
			}
			return fmt.Errorf("failed to read setup response: %w", err)
		}
		if msg == nil {
			continue
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (s *stream) SendAudio(ctx context.Context, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	select {
	case <-s.closeCh:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: s.config.Input.MIMEType(),
			Data:     audio.SamplesToBytes(samples),
		},
	})
}

func (s *stream) Messages() iter.Seq2[speechstream.Message, error] {
	return func(yield func(speechstream.Message, error) bool) {
		for {
			select {
			case <-s.closeCh:
				return
			case item, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(item.message, item.err) {
					return
				}
				if item.err != nil {
					return
				}
			}
		}
	}
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.session.Close()
	})
	return err
}

func (s *stream) readLoop() {
	defer close(s.messages)

	for {
		msg, err := s.session.Receive()
		if err != nil {
			select {
			case <-s.closeCh:
			case s.messages <- messageOrError{err: fmt.Errorf("read error: %w", err)}:
			}
			return
		}
		if msg == nil {
			continue
		}
		if msg.GoAway != nil {
			logger.Info("upstream announced disconnect", "timeLeft", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}

		message := toMessage(msg.ServerContent)
		if !message.HasResponse() && message.InputTranscriptDelta == "" &&
			!message.TurnComplete && !message.Interrupted {
			continue
		}

		select {
		case <-s.closeCh:
			return
		case s.messages <- messageOrError{message: message}:
		}
	}
}

func toMessage(content *genai.LiveServerContent) speechstream.Message {
	var message speechstream.Message

	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			samples, err := audio.BytesToSamples(part.InlineData.Data)
			if err != nil {
				logger.Warn("dropping undecodable audio chunk", "error", err, "mimeType", part.InlineData.MIMEType)
				continue
			}
			message.Audio = append(message.Audio, samples...)
		}
	}
	if content.OutputTranscription != nil {
		message.TranscriptDelta = content.OutputTranscription.Text
	}
	if content.InputTranscription != nil {
		message.InputTranscriptDelta = content.InputTranscription.Text
	}
	message.TurnComplete = content.TurnComplete
	message.Interrupted = content.Interrupted

	return message
}
