package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection reports a session that could not be opened or kept open.
	ErrConnection = errors.New("speech session connection failed")
	// ErrTimeout reports a session that did not complete before its deadline.
	// It also matches ErrConnection.
	ErrTimeout = fmt.Errorf("speech session timed out: %w", ErrConnection)
	// ErrPlayback reports audio the output device failed to play.
	ErrPlayback = errors.New("playback failed")
	// ErrSessionActive is returned when a second session is requested while
	// one is still open.
	ErrSessionActive = errors.New("speech session already active")
	ErrClosed        = errors.New("closed")
)
