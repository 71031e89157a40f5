package pipeline

import (
	"slices"
	"strings"
)

// sessionBuffer accumulates the audio and transcript of one streaming session
// and records a split point each time the transcript gains a line break. It is
// owned by the session's receive loop.
type sessionBuffer struct {
	samples []int16
	splits  []int

	transcript      strings.Builder
	newlines        int
	inputTranscript strings.Builder
}

func newSessionBuffer() *sessionBuffer {
	return &sessionBuffer{}
}

func (b *sessionBuffer) AddAudio(samples []int16) {
	b.samples = append(b.samples, samples...)
}

// AddTranscript appends a transcript delta and returns the split points it
// produced. Every new split point is the sample count at the time the delta
// was observed.
func (b *sessionBuffer) AddTranscript(delta string) []int {
	if delta == "" {
		return nil
	}
	b.transcript.WriteString(delta)

	newlines := strings.Count(normalizeTranscript(b.transcript.String()), "\n")
	if newlines <= b.newlines {
		return nil
	}

	added := make([]int, 0, newlines-b.newlines)
	for range newlines - b.newlines {
		added = append(added, len(b.samples))
	}
	b.newlines = newlines
	b.splits = append(b.splits, added...)
	return added
}

func (b *sessionBuffer) AddInputTranscript(delta string) {
	b.inputTranscript.WriteString(delta)
}

func (b *sessionBuffer) SampleCount() int { return len(b.samples) }

func (b *sessionBuffer) Splits() []int { return slices.Clone(b.splits) }

// Transcript returns the normalized response transcript.
func (b *sessionBuffer) Transcript() string {
	return strings.TrimSpace(normalizeTranscript(b.transcript.String()))
}

func (b *sessionBuffer) InputTranscript() string {
	return strings.TrimSpace(b.inputTranscript.String())
}

func (b *sessionBuffer) Audio() []int16 { return slices.Clone(b.samples) }

// Segments slices the buffer at the recorded split points. Split points are
// deduplicated and clamped to the open interval (0, len). The remainder after
// the last split point is only included when includeTrailing is set.
func (b *sessionBuffer) Segments(includeTrailing bool) [][]int16 {
	var segments [][]int16
	start := 0
	for _, split := range b.splits {
		if split <= start || split >= len(b.samples) {
			continue
		}
		segments = append(segments, slices.Clone(b.samples[start:split]))
		start = split
	}
	if includeTrailing && start < len(b.samples) {
		segments = append(segments, slices.Clone(b.samples[start:]))
	}
	return segments
}

// normalizeTranscript converts line endings to "\n" and collapses runs of
// blank lines into one line break. Leading blank lines are dropped. The last
// line is kept untouched since it may still be growing.
func normalizeTranscript(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for i, line := range lines {
		if i < len(lines)-1 && strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// transcriptLines returns the non-blank lines of a transcript.
func transcriptLines(text string) []string {
	var lines []string
	for line := range strings.SplitSeq(normalizeTranscript(text), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
