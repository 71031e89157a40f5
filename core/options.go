package pipeline

import (
	"context"
	"time"

	"github.com/koscakluka/ema-tutor/core/conversations"
	"github.com/koscakluka/ema-tutor/core/translation"
)

// AudioCache stores synthesized line audio as WAV, keyed by
// audiocache.Key.
type AudioCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, wav []byte) error
}

type Translator interface {
	Translate(ctx context.Context, transcript string, opts ...translation.Option) ([]translation.Line, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, message conversations.Message) error
}

type QueueOption func(*Queue)

// WithAudioCache makes the queue resolve cached audio before opening a
// session and store freshly synthesized audio afterwards.
func WithAudioCache(cache AudioCache) QueueOption {
	return func(q *Queue) { q.cache = cache }
}

// WithProvider sets the provider tag that is part of every cache key.
func WithProvider(provider string) QueueOption {
	return func(q *Queue) { q.provider = provider }
}

func WithModel(model string) QueueOption {
	return func(q *Queue) { q.model = model }
}

func WithFrameSource(frames FrameSource) QueueOption {
	return func(q *Queue) { q.frames = frames }
}

// WithTriggerAudio sets the clip sent upstream to make the model start
// speaking. Silence is sent when no clip is configured.
func WithTriggerAudio(samples []int16) QueueOption {
	return func(q *Queue) { q.session.input = samples }
}

func WithSessionTimeout(timeout time.Duration) QueueOption {
	return func(q *Queue) {
		if timeout > 0 {
			q.session.timeout = timeout
		}
	}
}

// WithSendWindow bounds how long input audio is sent after a session opens.
func WithSendWindow(window time.Duration) QueueOption {
	return func(q *Queue) {
		if window > 0 {
			q.session.sendWindow = window
		}
	}
}

func WithAlignStrategy(strategy AlignStrategy) QueueOption {
	return func(q *Queue) { q.strategy = strategy }
}

func WithQueueStartCallback(callback func()) QueueOption {
	return func(q *Queue) {
		if callback != nil {
			q.onQueueStart = callback
		}
	}
}

func WithQueueCompleteCallback(callback func()) QueueOption {
	return func(q *Queue) {
		if callback != nil {
			q.onQueueComplete = callback
		}
	}
}

// WithSpeakingStateChangedCallback registers a callback invoked every time
// the queue starts or stops speaking.
func WithSpeakingStateChangedCallback(callback func(isSpeaking bool)) QueueOption {
	return func(q *Queue) {
		if callback != nil {
			q.onSpeakingStateChanged = callback
		}
	}
}

// WithLineStartCallback registers a callback fired as the device clock
// reaches the start of each line.
func WithLineStartCallback(callback func(LineStart)) QueueOption {
	return func(q *Queue) {
		if callback != nil {
			q.onLineStart = callback
		}
	}
}

// WithErrorCallback registers a callback for connection, timeout and
// playback errors. The queue keeps draining after reporting them.
func WithErrorCallback(callback func(error)) QueueOption {
	return func(q *Queue) {
		if callback != nil {
			q.onError = callback
		}
	}
}

type LiveOption func(*LiveConversation)

func WithLiveModel(model string) LiveOption {
	return func(c *LiveConversation) { c.config.Model = model }
}

func WithLiveVoice(voiceName, languageCode string) LiveOption {
	return func(c *LiveConversation) {
		c.config.VoiceName = voiceName
		c.config.LanguageCode = languageCode
	}
}

func WithLiveFrameSource(frames FrameSource) LiveOption {
	return func(c *LiveConversation) { c.frames = frames }
}

// WithLiveTriggerAudio sets the clip sent when a turn carries no user audio.
func WithLiveTriggerAudio(samples []int16) LiveOption {
	return func(c *LiveConversation) { c.trigger = samples }
}

func WithLiveSessionTimeout(timeout time.Duration) LiveOption {
	return func(c *LiveConversation) {
		if timeout > 0 {
			c.session.timeout = timeout
		}
	}
}

func WithLiveSendWindow(window time.Duration) LiveOption {
	return func(c *LiveConversation) {
		if window > 0 {
			c.session.sendWindow = window
		}
	}
}

// WithTurnAligner persists every completed turn through aligner.
func WithTurnAligner(aligner *TurnAligner) LiveOption {
	return func(c *LiveConversation) { c.aligner = aligner }
}

// WithTranscriptCallback receives response transcript deltas as they
// arrive.
func WithTranscriptCallback(callback func(delta string)) LiveOption {
	return func(c *LiveConversation) {
		if callback != nil {
			c.session.onTranscript = callback
		}
	}
}

// WithTurnCompleteCallback receives every completed turn with its response
// audio split per transcript line.
func WithTurnCompleteCallback(callback func(TurnResult)) LiveOption {
	return func(c *LiveConversation) {
		if callback != nil {
			c.onTurnComplete = callback
		}
	}
}
