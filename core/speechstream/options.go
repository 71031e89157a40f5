// Package speechstream defines the contract between the speech pipeline and
// a conversational speech service that streams audio and transcript back
// over one persistent bidirectional connection.
package speechstream

import (
	"context"
	"iter"

	"github.com/koscakluka/ema-tutor/core/audio"
)

// SessionConfig configures one upstream session.
type SessionConfig struct {
	// Model is the upstream model identifier.
	Model string
	// SystemInstruction carries every line of text to be spoken, or the
	// learner's conversation prompt.
	SystemInstruction string
	VoiceName         string
	LanguageCode      string

	// Input is the encoding of audio sent upstream.
	Input audio.EncodingInfo
	// Output is the encoding the upstream produces.
	Output audio.EncodingInfo

	// TranscribeInput asks the upstream to transcribe the audio it receives.
	TranscribeInput bool
}

// WithDefaults fills unset encodings with the project defaults.
func (c SessionConfig) WithDefaults() SessionConfig {
	if c.Input.IsZero() {
		c.Input = audio.GetDefaultEncodingInfo()
	}
	if c.Output.IsZero() {
		c.Output = audio.GetDefaultOutputEncodingInfo()
	}
	return c
}

// Message is one inbound upstream message. Any combination of fields may be
// set.
type Message struct {
	// Audio is decoded response PCM at SessionConfig.Output.
	Audio []int16
	// TranscriptDelta is an append-only fragment of the response
	// transcript.
	TranscriptDelta string
	// InputTranscriptDelta is an append-only fragment of the transcript of
	// audio sent upstream.
	InputTranscriptDelta string
	TurnComplete         bool
	Interrupted          bool
}

// HasResponse reports whether the message carries any response content.
func (m Message) HasResponse() bool {
	return len(m.Audio) > 0 || m.TranscriptDelta != ""
}

type Connector interface {
	// Connect opens a session and returns once the upstream has accepted
	// the configuration.
	Connect(ctx context.Context, config SessionConfig) (Stream, error)
}

type Stream interface {
	// SendAudio sends realtime input audio.
	SendAudio(ctx context.Context, samples []int16) error
	// Messages yields inbound messages in arrival order. The sequence ends
	// after an error or once the stream is closed. It must be consumed by a
	// single caller.
	Messages() iter.Seq2[Message, error]
	// Close releases the connection. Repeated calls are ignored.
	Close() error
}
