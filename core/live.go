package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/koscakluka/ema-tutor/core/speechstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TurnInput starts one conversational turn.
type TurnInput struct {
	// SystemPrompt carries the learner's context for the model.
	SystemPrompt string
	// UserAudio is the learner's captured utterance at the session input
	// rate. The trigger clip is sent when it is empty.
	UserAudio []int16
}

// TurnResult is one completed turn.
type TurnResult struct {
	UserText  string
	ModelText string
	UserAudio []int16
	// UserSampleRate is the sample rate of UserAudio.
	UserSampleRate int
	// Segments is the response audio split per transcript line.
	Segments   [][]int16
	SampleRate int
	Aborted    bool
}

// LiveConversation runs conversational turns, one session per turn, playing
// the response as it streams in.
type LiveConversation struct {
	connector speechstream.Connector
	device    OutputDevice
	frames    FrameSource
	config    speechstream.SessionConfig
	trigger   []int16
	session   sessionOptions
	aligner   *TurnAligner

	onTurnComplete func(TurnResult)

	active atomic.Bool
	mu     sync.Mutex
	cancel context.CancelFunc
	sched  *scheduler
}

func NewLiveConversation(connector speechstream.Connector, device OutputDevice, opts ...LiveOption) *LiveConversation {
	c := &LiveConversation{
		connector:      connector,
		device:         device,
		session:        defaultSessionOptions(),
		onTurnComplete: func(TurnResult) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunTurn streams one turn and blocks until its audio finished playing. A
// stopped turn returns an aborted result and is not persisted.
func (c *LiveConversation) RunTurn(ctx context.Context, input TurnInput) (TurnResult, error) {
	if !c.active.CompareAndSwap(false, true) {
		return TurnResult{}, ErrSessionActive
	}
	defer c.active.Store(false)

	ctx, span := tracer.Start(ctx, "live turn")
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	config := c.config
	config.SystemInstruction = input.SystemPrompt
	config.TranscribeInput = true
	config = config.WithDefaults()

	sched := newScheduler(c.device, c.frames, config.Output.SampleRate, nil)
	defer sched.Stop()

	c.mu.Lock()
	c.cancel, c.sched = cancel, sched
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel, c.sched = nil, nil
		c.mu.Unlock()
	}()

	options := c.session
	options.input = input.UserAudio
	options.utterance = len(input.UserAudio) > 0
	if !options.utterance {
		options.input = c.trigger
	}

	result, err := newSession(c.connector, config, sched, options).Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	if result.PlaybackErr != nil {
		logger.Warn("turn playback incomplete", "error", result.PlaybackErr)
	}

	turn := TurnResult{
		UserText:       result.InputTranscript,
		ModelText:      result.Transcript,
		UserAudio:      input.UserAudio,
		UserSampleRate: config.Input.SampleRate,
		Segments:       result.Segments,
		SampleRate:     result.SampleRate,
		Aborted:        result.Aborted,
	}
	span.SetAttributes(
		attribute.Int("turn.segments", len(turn.Segments)),
		attribute.Bool("turn.aborted", turn.Aborted),
	)
	if turn.Aborted {
		return turn, nil
	}

	if err := sched.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			turn.Aborted = true
			return turn, nil
		}
		return turn, err
	}

	c.onTurnComplete(turn)
	if c.aligner != nil {
		if _, err := c.aligner.Align(ctx, turn); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return turn, err
		}
	}
	return turn, nil
}

// Stop aborts the running turn and silences its audio.
func (c *LiveConversation) Stop() {
	c.mu.Lock()
	cancel, sched := c.cancel, c.sched
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.Stop()
	}
}

// IsActive reports whether a turn is running.
func (c *LiveConversation) IsActive() bool {
	return c.active.Load()
}
