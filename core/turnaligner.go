package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-tutor/core/audio"
	"github.com/koscakluka/ema-tutor/core/audiocache"
	"github.com/koscakluka/ema-tutor/core/conversations"
	"github.com/koscakluka/ema-tutor/core/translation"
	"go.opentelemetry.io/otel/attribute"
)

// TurnAligner persists completed turns. The assistant's bilingual lines are
// paired with the response audio segments and each line's audio is cached
// for later replay.
type TurnAligner struct {
	conversationID string
	translator     Translator
	store          MessageStore
	cache          AudioCache

	strategy      AlignStrategy
	provider      string
	voiceName     string
	languageCode  string
	translateOpts []translation.Option
	clock         func() time.Time
}

type TurnAlignerOption func(*TurnAligner)

func WithTranslator(translator Translator, opts ...translation.Option) TurnAlignerOption {
	return func(a *TurnAligner) {
		if translator != nil {
			a.translator = translator
		}
		a.translateOpts = opts
	}
}

func WithLineCache(cache AudioCache) TurnAlignerOption {
	return func(a *TurnAligner) { a.cache = cache }
}

func WithTurnAlignStrategy(strategy AlignStrategy) TurnAlignerOption {
	return func(a *TurnAligner) { a.strategy = strategy }
}

// WithLineVoice sets the provider, voice and language that line cache keys
// are derived from.
func WithLineVoice(provider, voiceName, languageCode string) TurnAlignerOption {
	return func(a *TurnAligner) {
		a.provider = provider
		a.voiceName = voiceName
		a.languageCode = languageCode
	}
}

func NewTurnAligner(conversationID string, store MessageStore, opts ...TurnAlignerOption) *TurnAligner {
	a := &TurnAligner{
		conversationID: conversationID,
		translator:     translation.Plain{},
		store:          store,
		strategy:       OffsetCompensation,
		provider:       DefaultProvider,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AlignedTurn holds the messages stored for one turn.
type AlignedTurn struct {
	User      conversations.Message
	Assistant conversations.Message
}

func (a *TurnAligner) Align(ctx context.Context, turn TurnResult) (AlignedTurn, error) {
	ctx, span := tracer.Start(ctx, "align turn")
	defer span.End()

	now := a.clock()
	user := conversations.Message{
		ID:             uuid.NewString(),
		ConversationID: a.conversationID,
		Role:           conversations.RoleUser,
		Text:           turn.UserText,
		CreatedAt:      now,
	}
	if len(turn.UserAudio) > 0 {
		user.Audio = audio.EncodeWAV(turn.UserAudio, turn.UserSampleRate)
	}

	lines, err := a.translator.Translate(ctx, turn.ModelText, a.translateOpts...)
	if err != nil {
		logger.Warn("translation failed, storing untranslated lines", "error", err)
		lines = translation.SplitLines(turn.ModelText)
	}

	assistant := conversations.Message{
		ID:             uuid.NewString(),
		ConversationID: a.conversationID,
		Role:           conversations.RoleAssistant,
		Text:           turn.ModelText,
		Lines:          make([]conversations.Line, len(lines)),
		CreatedAt:      now.Add(time.Millisecond),
	}
	for i, line := range lines {
		assistant.Lines[i] = conversations.Line{Target: line.Target, Native: line.Native}
	}

	aligned := Align(len(lines), turn.Segments, AlignOptions{Strategy: a.strategy})
	span.SetAttributes(
		attribute.Int("turn.lines", len(lines)),
		attribute.Int("turn.segments", len(turn.Segments)),
		attribute.Int("turn.aligned", len(aligned)),
	)
	if a.cache != nil {
		for _, segment := range aligned {
			line := &assistant.Lines[segment.Line]
			key := audiocache.Key(a.provider, a.voiceName, a.languageCode, line.Target)
			if err := a.cache.Put(ctx, key, audio.EncodeWAV(segment.Audio, turn.SampleRate)); err != nil {
				logger.Warn("failed to cache line audio", "key", key, "error", err)
				continue
			}
			line.AudioKey = key
		}
	}

	var errs []error
	if turn.UserText != "" || len(user.Audio) > 0 {
		if err := a.store.SaveMessage(ctx, user); err != nil {
			errs = append(errs, fmt.Errorf("save user message: %w", err))
		}
	}
	if err := a.store.SaveMessage(ctx, assistant); err != nil {
		errs = append(errs, fmt.Errorf("save assistant message: %w", err))
	}

	return AlignedTurn{User: user, Assistant: assistant}, errors.Join(errs...)
}
