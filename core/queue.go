package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-tutor/core/audio"
	"github.com/koscakluka/ema-tutor/core/audiocache"
	"github.com/koscakluka/ema-tutor/core/speechstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const DefaultProvider = "gemini"

// SpeechRequest asks the queue to speak one piece of text.
type SpeechRequest struct {
	Text         string
	LanguageCode string
	VoiceName    string
	// CacheKey overrides the key derived from provider, voice, language and
	// text.
	CacheKey string
	// OnAudioCached receives freshly synthesized WAV audio. It is called at
	// most once and never for audio that came from the cache.
	OnAudioCached func(wav []byte)
}

// SpeechQueueItem is one unit of speakable text.
type SpeechQueueItem struct {
	ID           string
	Text         string
	LanguageCode string
	VoiceName    string
	Provider     string
	// CachedAudio is WAV audio that skips synthesis.
	CachedAudio []byte
	CacheKey    string

	OnAudioCached func(wav []byte) `copier:"-"`
}

// Queue speaks text items in order. Contiguous items without cached audio
// are synthesized together in one streaming session; at most one session is
// open at any time.
type Queue struct {
	connector speechstream.Connector
	device    OutputDevice
	frames    FrameSource
	cache     AudioCache

	provider string
	model    string
	strategy AlignStrategy
	session  sessionOptions

	onQueueStart           func()
	onQueueComplete        func()
	onSpeakingStateChanged func(bool)
	onLineStart            func(LineStart)
	onError                func(error)

	mu          sync.Mutex
	items       []SpeechQueueItem
	draining    bool
	drainDone   chan struct{}
	generation  uint64
	cancel      context.CancelFunc
	scheduler   *scheduler
	speaking    bool
	// reported is the speaking state last handed to onSpeakingStateChanged.
	reported    bool
	notifying   bool
	currentText *string

	sessionActive atomic.Bool
}

func NewQueue(connector speechstream.Connector, device OutputDevice, opts ...QueueOption) *Queue {
	q := &Queue{
		connector: connector,
		device:    device,
		provider:  DefaultProvider,
		strategy:  OffsetCompensation,
		session:   defaultSessionOptions(),

		onQueueStart:           func() {},
		onQueueComplete:        func() {},
		onSpeakingStateChanged: func(bool) {},
		onLineStart:            func(LineStart) {},
		onError:                func(error) {},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Speak turns requests into queue items, resolving cached audio first, and
// enqueues them. It returns once the items are queued.
func (q *Queue) Speak(ctx context.Context, requests []SpeechRequest) {
	items := make([]SpeechQueueItem, 0, len(requests))
	for _, request := range requests {
		if strings.TrimSpace(request.Text) == "" {
			continue
		}
		item := SpeechQueueItem{
			Text:          request.Text,
			LanguageCode:  request.LanguageCode,
			VoiceName:     request.VoiceName,
			Provider:      q.provider,
			CacheKey:      request.CacheKey,
			OnAudioCached: request.OnAudioCached,
		}
		if item.CacheKey == "" {
			item.CacheKey = audiocache.Key(q.provider, item.VoiceName, item.LanguageCode, item.Text)
		}
		if q.cache != nil {
			wav, err := q.cache.Get(ctx, item.CacheKey)
			if err == nil {
				item.CachedAudio = wav
			} else if !errors.Is(err, audiocache.ErrNotFound) {
				logger.Warn("failed to read audio cache", "key", item.CacheKey, "error", err)
			}
		}
		items = append(items, item)
	}
	q.Enqueue(items)
}

// Enqueue appends items and starts draining if the queue was idle.
func (q *Queue) Enqueue(items []SpeechQueueItem) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	wasEmpty := len(q.items) == 0
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.OnAudioCached == nil {
			item.OnAudioCached = func([]byte) {}
		}
		q.items = append(q.items, item)
	}

	startDrain := !q.draining
	var previous chan struct{}
	var done chan struct{}
	generation := q.generation
	if startDrain {
		q.draining = true
		previous = q.drainDone
		done = make(chan struct{})
		q.drainDone = done
	}
	q.mu.Unlock()

	if wasEmpty {
		q.onQueueStart()
	}
	if startDrain {
		go q.drain(generation, previous, done)
	}
}

// StopSpeaking aborts the open session, silences scheduled audio, clears the
// queue and reports queue completion. Repeated calls are harmless.
func (q *Queue) StopSpeaking() {
	q.mu.Lock()
	q.generation++
	q.items = nil
	q.draining = false
	q.currentText = nil
	cancel := q.cancel
	q.cancel = nil
	sched := q.scheduler
	q.scheduler = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sched != nil {
		sched.Stop()
	}
	q.setSpeaking(false)
	q.onQueueComplete()
}

func (q *Queue) IsSpeaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// CurrentlySpokenText returns the text of the line currently playing, or nil
// when nothing is playing.
func (q *Queue) CurrentlySpokenText() *string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.currentText == nil {
		return nil
	}
	text := *q.currentText
	return &text
}

// Items returns a snapshot of the queued items without their callbacks.
func (q *Queue) Items() []SpeechQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var snapshot []SpeechQueueItem
	if err := copier.CopyWithOption(&snapshot, q.items, copier.Option{DeepCopy: true}); err != nil {
		logger.Error("failed to snapshot queue", "error", err)
		return nil
	}
	return snapshot
}

// drain serves the queue head until the queue is empty or the generation
// changes. It waits for the previous drain pass to exit first so sessions
// never overlap.
func (q *Queue) drain(generation uint64, previous, done chan struct{}) {
	defer close(done)
	if previous != nil {
		<-previous
	}

	for {
		q.mu.Lock()
		if generation != q.generation {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.draining = false
			q.currentText = nil
			q.speaking = false
			q.mu.Unlock()
			q.notifySpeaking()
			q.onQueueComplete()
			return
		}

		batch := nextBatch(q.items)
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		q.speaking = true
		q.mu.Unlock()

		q.notifySpeaking()
		if batch[0].CachedAudio != nil {
			q.playCached(ctx, generation, batch[0])
		} else {
			q.speakBatch(ctx, generation, batch)
		}
		cancel()

		q.mu.Lock()
		if generation != q.generation {
			q.mu.Unlock()
			return
		}
		q.items = q.items[len(batch):]
		q.cancel = nil
		q.scheduler = nil
		q.mu.Unlock()
	}
}

// nextBatch returns the head item if it has cached audio, otherwise the
// longest run of leading items without cached audio.
func nextBatch(items []SpeechQueueItem) []SpeechQueueItem {
	if items[0].CachedAudio != nil {
		return items[:1]
	}
	n := 1
	for n < len(items) && items[n].CachedAudio == nil {
		n++
	}
	return items[:n]
}

func (q *Queue) playCached(ctx context.Context, generation uint64, item SpeechQueueItem) {
	q.setCurrentText(generation, item.Text)
	q.onLineStart(LineStart{Index: 0, Text: item.Text})

	if err := q.device.Play(ctx, item.CachedAudio); err != nil && ctx.Err() == nil {
		playbackErrorCounter.Add(ctx, 1)
		q.onError(fmt.Errorf("%w: %w", ErrPlayback, err))
	}
}

func (q *Queue) speakBatch(ctx context.Context, generation uint64, batch []SpeechQueueItem) {
	ctx, span := tracer.Start(ctx, "speak batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.items", len(batch)))

	if !q.sessionActive.CompareAndSwap(false, true) {
		q.onError(ErrSessionActive)
		return
	}
	defer q.sessionActive.Store(false)

	lines := make([]string, len(batch))
	for i, item := range batch {
		lines[i] = item.Text
	}
	lineText := func(index int) string {
		return lines[min(max(index, 0), len(lines)-1)]
	}

	config := speechstream.SessionConfig{
		Model:             q.model,
		SystemInstruction: readAloudInstruction(lines),
		VoiceName:         batch[0].VoiceName,
		LanguageCode:      batchLanguage(batch),
	}.WithDefaults()

	sched := newScheduler(q.device, q.frames, config.Output.SampleRate, func(lineStart LineStart) {
		q.setCurrentText(generation, lineStart.Text)
		q.onLineStart(lineStart)
	})
	if !q.setScheduler(generation, sched) {
		sched.Stop()
		return
	}
	defer sched.Stop()

	options := q.session
	options.lineText = lineText
	result, err := newSession(q.connector, config, sched, options).Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.onError(err)
		return
	}
	if result.Aborted {
		return
	}
	if result.PlaybackErr != nil {
		q.onError(result.PlaybackErr)
	}

	aligned := Align(len(batch), result.Segments, AlignOptions{Strategy: q.strategy, KeepTrailing: true})
	span.SetAttributes(
		attribute.Int("batch.segments", len(result.Segments)),
		attribute.Int("batch.aligned", len(aligned)),
		attribute.Int("batch.offset", AlignmentOffset(len(batch), len(result.Segments), q.strategy)),
	)
	for _, segment := range aligned {
		if !q.isCurrent(generation) {
			return
		}
		item := batch[segment.Line]
		wav := audio.EncodeWAV(segment.Audio, result.SampleRate)
		if q.cache != nil {
			if err := q.cache.Put(ctx, item.CacheKey, wav); err != nil {
				logger.Warn("failed to cache line audio", "key", item.CacheKey, "error", err)
			}
		}
		item.OnAudioCached(wav)
	}

	if err := sched.Wait(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("failed waiting for playback", "error", err)
	}
}

func (q *Queue) setSpeaking(speaking bool) {
	q.mu.Lock()
	q.speaking = speaking
	q.mu.Unlock()
	q.notifySpeaking()
}

// notifySpeaking reports speaking state changes one at a time until the
// reported state matches the current one. A change made while another call
// is reporting is picked up by that call.
func (q *Queue) notifySpeaking() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.notifying {
		return
	}
	q.notifying = true
	for q.reported != q.speaking {
		speaking := q.speaking
		q.reported = speaking
		q.mu.Unlock()
		q.onSpeakingStateChanged(speaking)
		q.mu.Lock()
	}
	q.notifying = false
}

func (q *Queue) setCurrentText(generation uint64, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if generation == q.generation {
		q.currentText = &text
	}
}

func (q *Queue) setScheduler(generation uint64, sched *scheduler) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if generation != q.generation {
		return false
	}
	q.scheduler = sched
	return true
}

func (q *Queue) isCurrent(generation uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return generation == q.generation
}

func readAloudInstruction(lines []string) string {
	var sb strings.Builder
	sb.WriteString("You are a text-to-speech reader for a language tutor. ")
	sb.WriteString("Read the following lines aloud exactly as written, each in its own language, ")
	sb.WriteString("one line at a time with a short pause between lines. ")
	sb.WriteString("Do not add greetings, comments or anything else.\n\n")
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String()
}

// batchLanguage returns the shared language code of the batch, or "" when
// the batch mixes languages.
func batchLanguage(batch []SpeechQueueItem) string {
	language := batch[0].LanguageCode
	for _, item := range batch[1:] {
		if item.LanguageCode != language {
			return ""
		}
	}
	return language
}
