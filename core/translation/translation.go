// Package translation turns a spoken response transcript into bilingual
// lines.
package translation

import (
	"context"
	"strings"
)

// Line pairs a transcript line with its translation.
type Line struct {
	Target string `json:"target" jsonschema:"description=The line exactly as spoken in the target language"`
	Native string `json:"native" jsonschema:"description=Translation of the line into the learner's native language"`
}

type Options struct {
	TargetLanguage string
	NativeLanguage string
}

type Option func(*Options)

// WithLanguages sets the language being learned and the learner's language.
func WithLanguages(target, native string) Option {
	return func(o *Options) {
		o.TargetLanguage = target
		o.NativeLanguage = native
	}
}

func applyOptions(opts []Option) Options {
	options := Options{TargetLanguage: "Spanish", NativeLanguage: "English"}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// Plain splits a transcript into lines without translating them.
type Plain struct{}

func (Plain) Translate(_ context.Context, transcript string, _ ...Option) ([]Line, error) {
	return SplitLines(transcript), nil
}

// SplitLines returns one untranslated Line per non-blank transcript line.
func SplitLines(transcript string) []Line {
	transcript = strings.ReplaceAll(transcript, "\r\n", "\n")
	var lines []Line
	for line := range strings.SplitSeq(transcript, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, Line{Target: line})
		}
	}
	return lines
}
