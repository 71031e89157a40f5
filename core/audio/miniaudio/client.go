// Package miniaudio binds the speech pipeline to the system's default audio
// devices through malgo.
package miniaudio

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-tutor/core/audio"
)

// captureRate is the rate microphones are opened at before conversion.
const captureRate = 48000

type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	*Playback
	capture   captureClient
	converter *audio.CaptureConverter
}

// NewClient opens the default playback device at the upstream output rate.
// Capture is only initialized when withCapture is set.
func NewClient(withCapture bool) (*Client, error) {
	audioCtx, err := malgo.InitContext(
		nil,
		malgo.ContextConfig{},
		func(message string) { logger.Debug("malgo", "message", message) },
	)
	if err != nil {
		return nil, fmt.Errorf("malgo InitContext failed: %w", err)
	}

	client := &Client{audioContext: audioCtx}

	client.Playback, err = newPlayback(audioCtx, audio.DefaultOutputSampleRate)
	if err != nil {
		client.Close()
		return nil, err
	}

	if withCapture {
		client.converter, err = audio.NewCaptureConverter(audio.CaptureConfig{
			InputSampleRate:  captureRate,
			OutputSampleRate: audio.DefaultSampleRate,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		if err := client.capture.Init(audioCtx, client.converter, captureRate); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to initialize capture client: %w", err)
		}
	}

	return client, nil
}

// Record captures microphone audio until ctx is done and returns it at the
// pipeline input rate.
func (c *Client) Record(ctx context.Context) ([]int16, error) {
	if c.converter == nil {
		return nil, fmt.Errorf("capture not initialized")
	}
	if err := c.capture.Start(); err != nil {
		return nil, err
	}
	defer func() {
		if err := c.capture.Stop(); err != nil {
			logger.Warn("failed to stop capture", "error", err)
		}
	}()

	var recorded []int16
	for {
		select {
		case <-ctx.Done():
			if dropped := c.converter.Dropped(); dropped > 0 {
				logger.Warn("capture frames dropped", "frames", dropped)
			}
			return recorded, nil
		case frame, ok := <-c.converter.Frames():
			if !ok {
				return recorded, nil
			}
			recorded = append(recorded, frame...)
		}
	}
}

func (c *Client) Close() error {
	c.capture.Uninit()
	if c.converter != nil {
		c.converter.Close()
	}
	if c.Playback != nil {
		_ = c.Playback.Close()
	}
	_ = c.audioContext.Uninit()
	c.audioContext.Free()
	return nil
}
