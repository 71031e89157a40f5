package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-tutor/core/audio"
	"github.com/koscakluka/ema-tutor/core/speechstream"
)

var (
	errStreamClosed   = errors.New("stream closed")
	errMalformedFrame = errors.New("malformed server message")
)

type messageOrError struct {
	message speechstream.Message
	err     error
}

type stream struct {
	conn   *websocket.Conn
	config speechstream.SessionConfig

	writeMu   sync.Mutex
	closeCh   chan struct{}
	closeOnce sync.Once
	messages  chan messageOrError
}

func newStream(conn *websocket.Conn, config speechstream.SessionConfig) *stream {
	return &stream{
		conn:     conn,
		config:   config,
		closeCh:  make(chan struct{}),
		messages: make(chan messageOrError, 64),
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

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(clientRealtimeInputMessage{
		RealtimeInput: realtimeInput{Audio: &blob{
			MIMEType: s.config.Input.MIMEType(),
			Data:     audio.EncodeBase64(samples),
		}},
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
		// WriteControl may run alongside a pending write and gives up at its
		// deadline, so a stalled SendAudio cannot hold Close back.
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = s.conn.Close()
	})
	return err
}

func (s *stream) readLoop() {
	defer close(s.messages)

	for {
		msg, err := readServerMessage(s.conn)
		if errors.Is(err, errMalformedFrame) {
			logger.Warn("skipping server message", "error", err)
			continue
		} else if err != nil {
			select {
			case <-s.closeCh:
			case s.messages <- messageOrError{err: fmt.Errorf("read error: %w", err)}:
			}
			return
		}

		if msg.GoAway != nil {
			logger.Info("upstream announced disconnect", "timeLeft", msg.GoAway.TimeLeft)
		}
		if msg.ServerContent == nil {
			continue
		}

		message := s.toMessage(msg.ServerContent)
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

func (s *stream) toMessage(content *serverContent) speechstream.Message {
	var message speechstream.Message

	if content.ModelTurn != nil {
		for _, p := range content.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			samples, err := audio.DecodeBase64(p.InlineData.Data)
			if err != nil {
				logger.Warn("dropping undecodable audio chunk", "error", err, "mimeType", p.InlineData.MIMEType)
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

// readServerMessage reads one frame. The upstream sends JSON in both text and
// binary frames.
func readServerMessage(conn *websocket.Conn) (serverMessage, error) {
	var msg serverMessage
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return msg, nil
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", errMalformedFrame, err)
	}
	return msg, nil
}
