package audio

import "time"

const (
	// DefaultSampleRate is the rate captured audio is sent upstream at.
	DefaultSampleRate = 16000
	// DefaultOutputSampleRate is the rate the upstream speech service
	// produces audio at.
	DefaultOutputSampleRate = 24000
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: EncodingLinear16}
}

func GetDefaultOutputEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultOutputSampleRate, Format: EncodingLinear16}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format == ""
}

// MIMEType returns the mime type the upstream service expects for raw PCM
// at this encoding, e.g. "audio/pcm;rate=16000".
func (e EncodingInfo) MIMEType() string {
	return pcmMIMEType(e.SampleRate)
}

// Duration returns the playback duration of the given number of samples.
func (e EncodingInfo) Duration(samples int) time.Duration {
	return Duration(samples, e.SampleRate)
}

// Samples returns the number of samples that fit in d.
func (e EncodingInfo) Samples(d time.Duration) int {
	return int(int64(d) * int64(e.SampleRate) / int64(time.Second))
}

type encodingFormat string

// EncodingLinear16 is signed 16-bit little-endian PCM, the only format the
// pipeline carries.
const EncodingLinear16 encodingFormat = "linear16"
