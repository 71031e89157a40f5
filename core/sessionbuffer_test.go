package pipeline

import (
	"slices"
	"testing"
)

func TestSessionBufferRecordsSplitPerLineBreak(t *testing.T) {
	b := newSessionBuffer()

	b.AddAudio(make([]int16, 100))
	if added := b.AddTranscript("Hola"); len(added) != 0 {
		t.Fatalf("expected no split without a line break, got %v", added)
	}
	if added := b.AddTranscript("\n"); !slices.Equal(added, []int{100}) {
		t.Fatalf("expected split at 100, got %v", added)
	}

	b.AddAudio(make([]int16, 50))
	if added := b.AddTranscript("Hello\nBye\n"); !slices.Equal(added, []int{150, 150}) {
		t.Fatalf("expected two splits at 150, got %v", added)
	}
	if got := b.Splits(); !slices.Equal(got, []int{100, 150, 150}) {
		t.Fatalf("expected splits [100 150 150], got %v", got)
	}
}

func TestSessionBufferIgnoresBlankLinesAndLineEndings(t *testing.T) {
	b := newSessionBuffer()
	b.AddAudio(make([]int16, 10))

	if added := b.AddTranscript("\n\nHola"); len(added) != 0 {
		t.Fatalf("expected leading blank lines to be ignored, got %v", added)
	}
	if added := b.AddTranscript("\r\n"); len(added) != 1 {
		t.Fatalf("expected CRLF to count as one line break, got %v", added)
	}
	if added := b.AddTranscript("\n  \n"); len(added) != 0 {
		t.Fatalf("expected blank lines to collapse, got %v", added)
	}
	if added := b.AddTranscript("Adiós\r"); len(added) != 1 {
		t.Fatalf("expected CR to count as a line break, got %v", added)
	}

	if got := b.Transcript(); got != "Hola\nAdiós" {
		t.Fatalf("expected normalized transcript, got %q", got)
	}
}

func TestSessionBufferSegmentsDeduplicateAndClamp(t *testing.T) {
	b := newSessionBuffer()
	samples := make([]int16, 10)
	for i := range samples {
		samples[i] = int16(i)
	}
	b.AddAudio(samples)
	b.splits = []int{0, 4, 4, 7, 10, 12}

	segments := b.Segments(false)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if !slices.Equal(segments[0], []int16{0, 1, 2, 3}) || !slices.Equal(segments[1], []int16{4, 5, 6}) {
		t.Fatalf("unexpected segments %v", segments)
	}

	withTrailing := b.Segments(true)
	if len(withTrailing) != 3 || !slices.Equal(withTrailing[2], []int16{7, 8, 9}) {
		t.Fatalf("expected trailing remainder as third segment, got %v", withTrailing)
	}
}

func TestSessionBufferSegmentsWithoutSplits(t *testing.T) {
	b := newSessionBuffer()
	if segments := b.Segments(true); len(segments) != 0 {
		t.Fatalf("expected no segments for empty buffer, got %v", segments)
	}

	b.AddAudio([]int16{1, 2, 3})
	if segments := b.Segments(false); len(segments) != 0 {
		t.Fatalf("expected no segments without splits, got %v", segments)
	}
	if segments := b.Segments(true); len(segments) != 1 || len(segments[0]) != 3 {
		t.Fatalf("expected whole audio as one trailing segment, got %v", segments)
	}
}

func TestSessionBufferSegmentsAreCopies(t *testing.T) {
	b := newSessionBuffer()
	b.AddAudio([]int16{1, 2, 3, 4})
	b.splits = []int{2}

	segments := b.Segments(true)
	segments[0][0] = 42
	if b.Audio()[0] != 1 {
		t.Fatalf("expected segments not to alias the buffer")
	}
}

func TestTranscriptLines(t *testing.T) {
	lines := transcriptLines("  Hola \r\n\r\n¿Qué tal?\n \n")
	if !slices.Equal(lines, []string{"Hola", "¿Qué tal?"}) {
		t.Fatalf("unexpected lines %q", lines)
	}
}
