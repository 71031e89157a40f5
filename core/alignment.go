package pipeline

import "slices"

// AlignStrategy decides which audio segment belongs to which text line.
type AlignStrategy int

const (
	// OffsetCompensation assumes missing segments belong to the leading
	// lines. The upstream model tends to prefix its answer with a short
	// acknowledgement that shows up in the transcript without matching
	// leading audio.
	OffsetCompensation AlignStrategy = iota
	// StrictIndex maps segment i to line i.
	StrictIndex
)

func (s AlignStrategy) String() string {
	switch s {
	case OffsetCompensation:
		return "offset"
	case StrictIndex:
		return "strict"
	default:
		return "unknown"
	}
}

type AlignOptions struct {
	Strategy AlignStrategy
	// KeepTrailing appends segments beyond the last text line to the audio
	// of the last line instead of dropping them.
	KeepTrailing bool
}

// AlignedSegment is the audio assigned to one text line.
type AlignedSegment struct {
	Line  int
	Audio []int16
}

// Align maps audio segments onto lineCount text lines. Lines without audio
// are left out of the result, which is ordered by line.
func Align(lineCount int, segments [][]int16, opts AlignOptions) []AlignedSegment {
	if lineCount <= 0 || len(segments) == 0 {
		return nil
	}

	offset := AlignmentOffset(lineCount, len(segments), opts.Strategy)
	aligned := make([]AlignedSegment, 0, min(lineCount, len(segments)))
	for i, segment := range segments {
		line := i + offset
		if line < lineCount {
			aligned = append(aligned, AlignedSegment{Line: line, Audio: slices.Clone(segment)})
			continue
		}
		if !opts.KeepTrailing {
			break
		}
		last := &aligned[len(aligned)-1]
		last.Audio = append(last.Audio, segment...)
	}

	return aligned
}

// AlignmentOffset reports the number of leading lines Align leaves without
// audio.
func AlignmentOffset(lineCount, segmentCount int, strategy AlignStrategy) int {
	if strategy != OffsetCompensation {
		return 0
	}
	return max(0, lineCount-segmentCount)
}
