package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	pipeline "github.com/koscakluka/ema-tutor/core"
	"github.com/koscakluka/ema-tutor/core/audio"
)

// Playback is a malgo output device with its own sample clock. It
// implements pipeline.OutputDevice and pipeline.FrameSource; subscribers
// are woken once per rendered period.
type Playback struct {
	device *malgo.Device
	mixer  *mixer
	rate   int

	mu          sync.Mutex
	subscribers map[uint64]func()
	nextID      uint64

	frames    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

var (
	_ pipeline.OutputDevice = (*Playback)(nil)
	_ pipeline.FrameSource  = (*Playback)(nil)
)

func newPlayback(audioContext *malgo.AllocatedContext, rate int) (*Playback, error) {
	p := &Playback{
		mixer:       newMixer(rate),
		rate:        rate,
		subscribers: map[uint64]func(){},
		frames:      make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}

	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.SampleRate = uint32(rate)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{Data: p.processAudio})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	p.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	go p.notifyLoop()
	return p, nil
}

func (p *Playback) processAudio(pOutput, _ []byte, frameCount uint32) {
	out := make([]int16, frameCount)
	p.mixer.render(out)
	for i, s := range out {
		if 2*i+1 >= len(pOutput) {
			break
		}
		binary.LittleEndian.PutUint16(pOutput[2*i:], uint16(s))
	}

	select {
	case p.frames <- struct{}{}:
	default:
	}
}

func (p *Playback) notifyLoop() {
	for {
		select {
		case <-p.closeCh:
			return
		case <-p.frames:
		}

		p.mu.Lock()
		callbacks := make([]func(), 0, len(p.subscribers))
		for _, callback := range p.subscribers {
			callbacks = append(callbacks, callback)
		}
		p.mu.Unlock()

		for _, callback := range callbacks {
			callback()
		}
	}
}

func (p *Playback) Now() time.Duration {
	return p.mixer.now()
}

// Schedule plays samples from the given device time on. Audio at another
// rate is resampled to the device rate first.
func (p *Playback) Schedule(samples []int16, sampleRate int, at time.Duration) (pipeline.Source, error) {
	select {
	case <-p.closeCh:
		return nil, pipeline.ErrClosed
	default:
	}

	resampled, err := audio.Resample(samples, sampleRate, p.rate)
	if err != nil {
		return nil, err
	}
	return p.mixer.schedule(resampled, at), nil
}

// Play plays a WAV clip immediately and blocks until it ended. A cancelled
// ctx silences it.
func (p *Playback) Play(ctx context.Context, wav []byte) error {
	samples, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		return err
	}

	source, err := p.Schedule(samples, rate, p.Now())
	if err != nil {
		return err
	}

	select {
	case <-source.Done():
		return nil
	case <-ctx.Done():
		source.Stop()
		return ctx.Err()
	case <-p.closeCh:
		source.Stop()
		return pipeline.ErrClosed
	}
}

func (p *Playback) Subscribe(onFrame func()) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subscribers[id] = onFrame
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subscribers, id)
		p.mu.Unlock()
	}
}

// Close stops the device and silences everything scheduled.
func (p *Playback) Close() error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.mixer.stopAll()
		if p.device != nil {
			if err := p.device.Stop(); err != nil {
				logger.Warn("failed to stop playback device", "error", err)
			}
			p.device.Uninit()
		}
	})
	return nil
}
