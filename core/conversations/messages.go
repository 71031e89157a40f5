// Package conversations persists the messages of tutoring conversations.
package conversations

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Line is one bilingual line of an assistant message.
type Line struct {
	// Target is the line in the language being learned.
	Target string `json:"target"`
	// Native is the translation into the learner's language.
	Native string `json:"native,omitempty"`
	// AudioKey is the audio cache key of the line's spoken audio, empty when
	// the line has no audio.
	AudioKey string `json:"audioKey,omitempty"`
}

type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Text           string
	Lines          []Line
	// Audio is an optional WAV recording attached to the message.
	Audio     []byte
	CreatedAt time.Time
}
