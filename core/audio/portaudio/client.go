// Package portaudio captures microphone audio through PortAudio for hosts
// where malgo's capture backend is unavailable.
package portaudio

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/koscakluka/ema-tutor/core/audio"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const (
	captureRate       = 48000
	defaultBufferSize = 480
)

var logger = otelslog.NewLogger("github.com/koscakluka/ema-tutor/core/audio/portaudio")

type Client struct {
	stream    *portaudio.Stream
	converter *audio.CaptureConverter

	in []float32
}

// NewClient opens the default input device. Captured audio is converted to
// the pipeline input rate.
func NewClient(bufferSize int) (*Client, error) {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	converter, err := audio.NewCaptureConverter(audio.CaptureConfig{
		InputSampleRate:  captureRate,
		OutputSampleRate: audio.DefaultSampleRate,
	})
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	in := make([]float32, bufferSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, captureRate, bufferSize, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("failed to open PortAudio stream: %w", err)
	}

	return &Client{
		stream:    stream,
		converter: converter,
		in:        in,
	}, nil
}

// Record captures until ctx is done and returns the converted audio.
func (c *Client) Record(ctx context.Context) ([]int16, error) {
	if err := c.stream.Start(); err != nil {
		return nil, fmt.Errorf("failed to start PortAudio stream: %w", err)
	}
	defer func() {
		if err := c.stream.Stop(); err != nil {
			logger.Warn("failed to stop PortAudio stream", "error", err)
		}
	}()

	var recorded []int16
	for {
		select {
		case <-ctx.Done():
			return recorded, nil
		default:
		}

		if err := c.stream.Read(); err != nil {
			logger.Warn("failed to read from PortAudio stream", "error", err)
			continue
		}
		c.converter.Process(c.in)

		for drained := false; !drained; {
			select {
			case frame := <-c.converter.Frames():
				recorded = append(recorded, frame...)
			default:
				drained = true
			}
		}
	}
}

func (c *Client) EncodingInfo() audio.EncodingInfo {
	return c.converter.EncodingInfo()
}

func (c *Client) Close() error {
	c.converter.Close()
	err := c.stream.Close()
	_ = portaudio.Terminate()
	return err
}
